package parse

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/SirClappington/farecrawl/internal/domain"
)

var (
	selectionRE    = regexp.MustCompile(`searchReturnFlights\(['"](\d+)['"]\)`)
	flightLooseRE  = regexp.MustCompile(`[0-9A-Z]{1,3}-?\d{1,4}`)
	flightNumberRE = regexp.MustCompile(`^([A-Z0-9]{1,2}?)(\d{1,4})$`)
	cabinRE        = regexp.MustCompile(`(.*艙[A-Z0-9]*)`)
	dateRE         = regexp.MustCompile(`(\d{4}-\d{2}-\d{2})`)
	spaceRE        = regexp.MustCompile(`\s+`)
)

const cabinMarker = "艙"

// classContains reports whether any class token of n contains sub.
func classContains(n *html.Node, sub string) bool {
	for _, c := range classes(n) {
		if strings.Contains(c, sub) {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, name string) bool {
	for _, c := range classes(n) {
		if c == name {
			return true
		}
	}
	return false
}

func classes(n *html.Node) []string {
	if n.Type != html.ElementNode {
		return nil
	}
	for _, a := range n.Attr {
		if a.Key == "class" {
			return strings.Fields(a.Val)
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// findAll collects the outermost descendants of n accepted by match.
func findAll(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			if match(ch) {
				out = append(out, ch)
				continue
			}
			walk(ch)
		}
	}
	walk(n)
	return out
}

// findAllNested is findAll but keeps descending into matches.
func findAllNested(n *html.Node, match func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			if match(ch) {
				out = append(out, ch)
			}
			walk(ch)
		}
	}
	walk(n)
	return out
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if all := findAll(n, match); len(all) > 0 {
		return all[0]
	}
	return nil
}

func isElem(a atom.Atom) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Type == html.ElementNode && n.DataAtom == a }
}

func divWithClassContaining(sub string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Div && classContains(n, sub)
	}
}

// text joins the trimmed text nodes under n.
func text(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(strings.TrimSpace(c.Data))
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}

// rawText joins the text nodes under n untouched.
func rawText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			return
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}

func selectionID(item *html.Node) string {
	for _, a := range findAllNested(item, isElem(atom.A)) {
		if m := selectionRE.FindStringSubmatch(attr(a, "onclick")); m != nil {
			return m[1]
		}
	}
	if m := selectionRE.FindStringSubmatch(rawText(item)); m != nil {
		return m[1]
	}
	return ""
}

type legDates struct {
	departure time.Time
	ret       time.Time
}

func extractDates(item *html.Node) legDates {
	var d legDates
	for _, el := range findAllNested(item, divWithClassContaining("neutral-color")) {
		t := text(el)
		m := dateRE.FindString(t)
		if m == "" {
			continue
		}
		day, err := time.Parse(time.DateOnly, m)
		if err != nil {
			continue
		}
		switch {
		case strings.Contains(t, "出發"):
			d.departure = day
		case strings.Contains(t, "回程"):
			d.ret = day
		}
	}
	return d
}

// extractFare reads price and tax from the adult row of the first fare table.
// Tables with fewer than three rows carry no fare.
func extractFare(item *html.Node) (price, tax float64, err error) {
	table := findFirst(item, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Table && hasClass(n, "tkt-price-table")
	})
	if table == nil {
		return 0, 0, nil
	}
	rows := findAllNested(table, isElem(atom.Tr))
	if len(rows) < 3 {
		return 0, 0, nil
	}
	cells := findAllNested(rows[1], isElem(atom.Td))
	if len(cells) < 3 {
		return 0, 0, errors.Errorf("fare row has %d cells", len(cells))
	}
	if price, err = money(text(cells[1])); err != nil {
		return 0, 0, errors.Wrap(err, "price")
	}
	if tax, err = money(text(cells[2])); err != nil {
		return 0, 0, errors.Wrap(err, "tax")
	}
	return price, tax, nil
}

func money(s string) (float64, error) {
	return strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
}

// segmentCandidates are the detail rows of a leg. Only the detail block is
// read since the summary row repeats the same flights.
func segmentCandidates(item *html.Node) []*html.Node {
	detail := findFirst(item, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Div && hasClass(n, "flight-detail-info")
	})
	if detail == nil {
		return nil
	}
	return findAllNested(detail, divWithClassContaining("w-100"))
}

// parseSegment reads one "<flight no> / <cabin>艙" row. It returns ok=false
// for rows that are not segment rows at all and an error for segment rows
// that cannot be read.
func parseSegment(n *html.Node) (seg domain.Segment, ok bool, err error) {
	t := text(n)
	if !strings.Contains(t, "/") {
		return seg, false, nil
	}
	t = strings.TrimSpace(spaceRE.ReplaceAllString(t, " "))
	if !flightLooseRE.MatchString(t) || !strings.Contains(t, cabinMarker) {
		return seg, false, nil
	}

	parts := strings.Split(t, "/")
	rawNumber := strings.TrimSpace(parts[0])
	cabin := strings.TrimSpace(parts[1])

	m := flightLooseRE.FindString(rawNumber)
	if m == "" {
		return seg, true, errors.Errorf("no flight number in %q", rawNumber)
	}
	number, err := FormatFlightNumber(m)
	if err != nil {
		return seg, true, err
	}

	cabin = strings.NewReplacer("(", "", ")", "", "（", "", "）", "").Replace(cabin)
	if !strings.Contains(cabin, cabinMarker) {
		return seg, true, errors.Errorf("cabin %q has no cabin marker", cabin)
	}
	if cm := cabinRE.FindStringSubmatch(cabin); cm != nil {
		cabin = cm[1]
	}
	return domain.Segment{FlightNumber: number, CabinClass: cabin}, true, nil
}

// FormatFlightNumber drops hyphens and pads the numeric part to three digits:
// "CI-65" becomes "CI065", "BR8888" is unchanged.
func FormatFlightNumber(raw string) (string, error) {
	s := strings.ToUpper(strings.ReplaceAll(raw, "-", ""))
	m := flightNumberRE.FindStringSubmatch(s)
	if m == nil {
		return "", errors.Errorf("unexpected flight number %q", s)
	}
	num := m[2]
	if len(num) < 3 {
		num = strings.Repeat("0", 3-len(num)) + num
	}
	return m[1] + num, nil
}

package parse

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/SirClappington/farecrawl/internal/domain"
)

type Parser struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{log: log}
}

// ParsePage decodes one page body. An empty fragment yields a page with no
// legs. On inbound pages the first container repeats the chosen outbound leg
// and is skipped.
func (p *Parser) ParsePage(body []byte, dir domain.Direction) (domain.LegPage, error) {
	env, count, err := decodeEnvelope(body)
	if err != nil {
		return domain.LegPage{}, err
	}
	page := domain.LegPage{PageCount: count, SearchToken: env.SearchKey}
	if strings.TrimSpace(env.FlightsHTML) == "" {
		return page, nil
	}

	root, err := html.Parse(strings.NewReader(env.FlightsHTML))
	if err != nil {
		return domain.LegPage{}, errors.Wrap(ErrMalformed, err.Error())
	}

	items := findAll(root, divWithClassContaining("shadow"))
	if dir == domain.Inbound && len(items) > 0 {
		items = items[1:]
	}

	for i, item := range items {
		leg, ok := p.parseLeg(item, dir, i)
		if !ok {
			continue
		}
		leg.SearchToken = env.SearchKey
		page.Legs = append(page.Legs, leg)
	}
	p.log.Debug("page parsed",
		zap.String("direction", string(dir)),
		zap.Int("containers", len(items)),
		zap.Int("legs", len(page.Legs)),
		zap.Int("page_count", count))
	return page, nil
}

func (p *Parser) parseLeg(item *html.Node, dir domain.Direction, idx int) (domain.Leg, bool) {
	var leg domain.Leg
	for j, n := range segmentCandidates(item) {
		seg, ok, err := parseSegment(n)
		if err != nil {
			p.log.Warn("segment skipped", zap.Int("leg", idx), zap.Int("row", j), zap.Error(err))
			continue
		}
		if ok {
			leg.Segments = append(leg.Segments, seg)
		}
	}
	if len(leg.Segments) == 0 {
		p.log.Warn("leg without segments skipped", zap.String("direction", string(dir)), zap.Int("leg", idx))
		return leg, false
	}

	dates := extractDates(item)
	switch dir {
	case domain.Outbound:
		leg.DepartureDate = dates.departure
		leg.SelectionID = selectionID(item)
		if leg.SelectionID == "" {
			p.log.Warn("outbound leg without selection id", zap.Int("leg", idx))
		}
	case domain.Inbound:
		leg.ReturnDate = dates.departure
		price, tax, err := extractFare(item)
		if err != nil {
			p.log.Warn("leg with unreadable fare skipped", zap.Int("leg", idx), zap.Error(err))
			return leg, false
		}
		leg.Price, leg.Tax = price, tax
	}
	return leg, true
}

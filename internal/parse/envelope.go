// Package parse turns one fetched page into a domain.LegPage.
package parse

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrMalformed marks a page whose structure could not be read.
var ErrMalformed = errors.New("malformed page")

// envelope is the JSON wrapper every search endpoint returns.
type envelope struct {
	FlightsHTML string          `json:"flights_html"`
	PageCount   json.RawMessage `json:"page_count"`
	SearchKey   string          `json:"searchkey"`
}

func decodeEnvelope(body []byte) (envelope, int, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, 0, errors.Wrap(ErrMalformed, err.Error())
	}
	count, err := pageCount(env.PageCount)
	if err != nil {
		return envelope{}, 0, err
	}
	return env, count, nil
}

// pageCount accepts a number or a numeric string. A missing value means a
// single page.
func pageCount(raw json.RawMessage) (int, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 1, nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.Wrapf(ErrMalformed, "page_count %q", s)
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrMalformed, "negative page_count %d", n)
	}
	return n, nil
}

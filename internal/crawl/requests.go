package crawl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/fetch"
)

const DefaultBaseURL = "https://www.travel4u.com.tw"

const (
	outboundPath         = "/flight/ajax/search/flights/"
	inboundPath          = "/flight/ajax/search/flights/return/"
	inboundFilteredPath  = "/flight/ajax/search/flights/return/filtered"
	orderByDepartureTime = "0_1"
)

type requestBuilder struct {
	base string
}

func newRequestBuilder(base string) requestBuilder {
	if base == "" {
		base = DefaultBaseURL
	}
	return requestBuilder{base: strings.TrimRight(base, "/")}
}

func day(t time.Time) string { return t.Format(time.DateOnly) }

func (b requestBuilder) outbound(p domain.TaskParameters, cabin string, page int) fetch.Request {
	return fetch.Request{
		URL: b.base + outboundPath,
		Params: url.Values{
			"origin_location_code":      {p.Origin},
			"destination_location_code": {p.Destination},
			"trip":                      {"2"},
			"dep_location_codes":        {p.Origin},
			"arr_location_codes":        {p.Destination},
			"dep_location_types":        {"1"},
			"arr_location_types":        {"1"},
			"dep_dates":                 {day(p.DepartureDate)},
			"return_date":               {day(p.ReturnDate)},
			"adult":                     {"1"},
			"child":                     {"0"},
			"cabin_class":               {cabin},
			"is_direct_flight_only":     {"False"},
			"exclude_budget_airline":    {"False"},
			"search_key":                {""},
			"target_page":               {strconv.Itoa(page)},
			"order_by":                  {orderByDepartureTime},
			"source":                    {""},
		},
	}
}

// inbound builds the follow-up query for one chosen outbound leg. The first
// page and later pages live on different endpoints.
func (b requestBuilder) inbound(p domain.TaskParameters, leg domain.Leg, page int) fetch.Request {
	if page <= 1 {
		return fetch.Request{
			URL: b.base + inboundPath,
			Params: url.Values{
				"origin_location_code":      {p.Origin},
				"destination_location_code": {p.Destination},
				"search_key":                {leg.SearchToken},
				"session_id":                {leg.SelectionID},
				"target_page":               {"1"},
			},
		}
	}
	ret := day(p.ReturnDate)
	return fetch.Request{
		URL: b.base + inboundFilteredPath,
		Params: url.Values{
			"search_key":         {leg.SearchToken},
			"session_id":         {leg.SelectionID},
			"target_page":        {strconv.Itoa(page)},
			"order_by":           {orderByDepartureTime},
			"ret_dep_time_range": {fmt.Sprintf("%sT00:55:00.000Z,%sT21:40:00.000Z", ret, ret)},
		},
	}
}

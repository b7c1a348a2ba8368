package domain

import "time"

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

type Segment struct {
	FlightNumber string `json:"flight_number"`
	CabinClass   string `json:"cabin_class"`
}

// Leg is one priced option for one direction. SelectionID and SearchToken
// are replayed upstream to fetch the inbound legs that pair with it.
type Leg struct {
	Segments      []Segment `json:"segments"`
	Price         float64   `json:"price"`
	Tax           float64   `json:"tax"`
	DepartureDate time.Time `json:"departure_date,omitempty"`
	ReturnDate    time.Time `json:"return_date,omitempty"`
	CabinClass    string    `json:"cabin_class"`
	SelectionID   string    `json:"selection_id,omitempty"`
	SearchToken   string    `json:"search_token,omitempty"`
}

// Clone copies l without sharing its segments.
func (l Leg) Clone() Leg {
	if l.Segments != nil {
		l.Segments = append([]Segment(nil), l.Segments...)
	}
	return l
}

// LegPage is one page of results. PageIndex starts at 1.
type LegPage struct {
	PageIndex   int
	PageCount   int
	Legs        []Leg
	SearchToken string
}

type Itinerary struct {
	Outbound   Leg     `json:"outbound"`
	Inbound    Leg     `json:"inbound"`
	CabinClass string  `json:"cabin_class"`
	Price      float64 `json:"price"`
	Tax        float64 `json:"tax"`
}

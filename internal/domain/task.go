package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Status string

const (
	Queued         Status = "queued"
	Running        Status = "running"
	RetryScheduled Status = "retry_scheduled"
	Succeeded      Status = "succeeded"
	Failed         Status = "failed"
	Cancelled      Status = "cancelled"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// TaskParameters describe one round-trip search. They are never mutated after
// submission.
type TaskParameters struct {
	Origin        string    `json:"origin" yaml:"origin"`
	Destination   string    `json:"destination" yaml:"destination"`
	DepartureDate time.Time `json:"departure_date" yaml:"departure_date"`
	ReturnDate    time.Time `json:"return_date" yaml:"return_date"`
	CabinClasses  []string  `json:"cabin_classes" yaml:"cabin_classes"`
	MaxAttempts   int       `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// Route is the flight identifier used in logs and object keys.
func (p TaskParameters) Route() string {
	return p.Origin + "-" + p.Destination
}

func (p TaskParameters) Validate() error {
	if strings.TrimSpace(p.Origin) == "" {
		return errors.Wrap(ErrValidation, "origin is required")
	}
	if strings.TrimSpace(p.Destination) == "" {
		return errors.Wrap(ErrValidation, "destination is required")
	}
	if p.DepartureDate.IsZero() {
		return errors.Wrap(ErrValidation, "departure date is required")
	}
	if p.ReturnDate.IsZero() {
		return errors.Wrap(ErrValidation, "return date is required")
	}
	if p.ReturnDate.Before(p.DepartureDate) {
		return errors.Wrap(ErrValidation, "return date is before departure date")
	}
	if len(p.CabinClasses) == 0 {
		return errors.Wrap(ErrValidation, "at least one cabin class is required")
	}
	seen := make(map[string]struct{}, len(p.CabinClasses))
	for _, c := range p.CabinClasses {
		if strings.TrimSpace(c) == "" {
			return errors.Wrap(ErrValidation, "cabin class must not be blank")
		}
		if _, dup := seen[c]; dup {
			return errors.Wrapf(ErrValidation, "cabin class %q listed twice", c)
		}
		seen[c] = struct{}{}
	}
	if p.MaxAttempts < 0 {
		return errors.Wrap(ErrValidation, "max attempts must not be negative")
	}
	return nil
}

// TaskRecord is the lifecycle state of one task. Result is set only when
// Status is Succeeded. Error holds the failure of the last finished attempt
// and is cleared when a new attempt starts.
type TaskRecord struct {
	ID         string         `json:"id"`
	Parameters TaskParameters `json:"parameters"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Result     []Itinerary    `json:"result,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r TaskRecord) Clone() TaskRecord {
	out := r
	out.Parameters.CabinClasses = append([]string(nil), r.Parameters.CabinClasses...)
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.Result != nil {
		out.Result = make([]Itinerary, len(r.Result))
		for i, it := range r.Result {
			it.Outbound = it.Outbound.Clone()
			it.Inbound = it.Inbound.Clone()
			out.Result[i] = it
		}
	}
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

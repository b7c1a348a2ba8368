// Package storage persists finished crawl results. Every sink is idempotent:
// writing the same task twice leaves one copy.
package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/SirClappington/farecrawl/internal/domain"
)

// Persister stores the result of one succeeded task.
type Persister interface {
	PersistItineraries(ctx context.Context, task domain.TaskRecord) error
}

// Error marks a failure of one sink. It matches domain.ErrStorage.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string        { return e.Sink + ": " + e.Err.Error() }
func (e *Error) Unwrap() error        { return e.Err }
func (e *Error) Is(target error) bool { return target == domain.ErrStorage }

type batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store writes one row per itinerary. *pgxpool.Pool satisfies batcher.
type Store struct{ db batcher }

func New(db batcher) *Store { return &Store{db} }

const insertItinerary = `insert into itineraries(
fingerprint, task_id, origin, destination, departure_date, return_date, cabin_class,
outbound_flights, inbound_flights, price, tax, crawled_at
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
on conflict (fingerprint) do nothing`

// PersistItineraries inserts the task result in one batch.
func (s *Store) PersistItineraries(ctx context.Context, task domain.TaskRecord) error {
	if len(task.Result) == 0 {
		return nil
	}
	crawledAt := time.Now().UTC()
	if task.EndedAt != nil {
		crawledAt = task.EndedAt.UTC()
	}

	p := task.Parameters
	b := &pgx.Batch{}
	for _, it := range task.Result {
		b.Queue(insertItinerary,
			Fingerprint(task.ID, p, it), task.ID, p.Origin, p.Destination,
			p.DepartureDate, p.ReturnDate, it.CabinClass,
			flightNumbers(it.Outbound), flightNumbers(it.Inbound),
			it.Price, it.Tax, crawledAt,
		)
	}

	br := s.db.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return &Error{Sink: "postgres", Err: errors.Wrapf(err, "insert itinerary %d of task %s", i, task.ID)}
		}
	}
	if err := br.Close(); err != nil {
		return &Error{Sink: "postgres", Err: errors.Wrap(err, "close batch")}
	}
	return nil
}

// Fingerprint identifies one itinerary observation of one task.
func Fingerprint(taskID string, p domain.TaskParameters, it domain.Itinerary) string {
	h := xxhash.New()
	for _, part := range []string{
		taskID,
		p.Route(),
		p.DepartureDate.Format(time.DateOnly),
		p.ReturnDate.Format(time.DateOnly),
		it.CabinClass,
		flightNumbers(it.Outbound),
		flightNumbers(it.Inbound),
		strconv.FormatFloat(it.Price, 'f', -1, 64),
		strconv.FormatFloat(it.Tax, 'f', -1, 64),
	} {
		_, _ = h.WriteString(part)
		_, _ = h.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func flightNumbers(l domain.Leg) string {
	nums := make([]string, len(l.Segments))
	for i, s := range l.Segments {
		nums[i] = s.FlightNumber
	}
	return strings.Join(nums, ",")
}

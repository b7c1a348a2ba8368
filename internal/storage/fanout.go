package storage

import (
	"context"

	"go.uber.org/multierr"

	"github.com/SirClappington/farecrawl/internal/domain"
)

// Fanout writes to every sink, even after one of them failed.
type Fanout []Persister

func (f Fanout) PersistItineraries(ctx context.Context, task domain.TaskRecord) error {
	var err error
	for _, p := range f {
		err = multierr.Append(err, p.PersistItineraries(ctx, task))
	}
	return err
}

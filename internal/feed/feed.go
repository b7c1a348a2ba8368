// Package feed supplies task parameters to the scheduler from external
// sources.
package feed

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/domain"
)

// Source yields task parameters until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (domain.TaskParameters, error)
}

type SubmitFunc func(domain.TaskParameters) (string, error)

type PumpResult struct {
	Submitted []string `json:"submitted"`
	Rejected  int      `json:"rejected"`
}

// Pump drains src into submit. Parameters rejected as invalid are logged and
// skipped; any other error stops the pump.
func Pump(ctx context.Context, src Source, submit SubmitFunc, log *zap.Logger) (PumpResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	var res PumpResult
	for {
		p, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return res, nil
		}
		if err != nil {
			return res, err
		}
		id, err := submit(p)
		if errors.Is(err, domain.ErrValidation) {
			res.Rejected++
			log.Warn("task rejected", zap.String("route", p.Route()), zap.Error(err))
			continue
		}
		if err != nil {
			return res, errors.Wrap(err, "submit")
		}
		res.Submitted = append(res.Submitted, id)
	}
}

// SliceSource replays a fixed list. Reset makes it restartable.
type SliceSource struct {
	items []domain.TaskParameters
	next  int
}

func NewSliceSource(items []domain.TaskParameters) *SliceSource {
	return &SliceSource{items: items}
}

func (s *SliceSource) Next(ctx context.Context) (domain.TaskParameters, error) {
	if err := ctx.Err(); err != nil {
		return domain.TaskParameters{}, err
	}
	if s.next >= len(s.items) {
		return domain.TaskParameters{}, io.EOF
	}
	p := s.items[s.next]
	s.next++
	return p, nil
}

func (s *SliceSource) Reset() { s.next = 0 }

func (s *SliceSource) Len() int { return len(s.items) }

// Package crawl runs one task end to end: outbound pagination, leg
// selection, inbound pagination per selected leg, and combination.
package crawl

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/farecrawl/internal/clock"
	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/fetch"
)

const DefaultMaxPages = 50

type Fetcher interface {
	FetchPage(ctx context.Context, req fetch.Request) ([]byte, error)
}

type Parser interface {
	ParsePage(body []byte, dir domain.Direction) (domain.LegPage, error)
}

type Config struct {
	BaseURL string
	// MaxPages caps each pagination loop. Hitting it truncates the result
	// without failing the attempt.
	MaxPages      int
	PageDelayMin  time.Duration
	PageDelayMax  time.Duration
	PhaseDelayMin time.Duration
	PhaseDelayMax time.Duration
	// InboundParallelism bounds concurrent inbound loops within one task.
	InboundParallelism   int
	ParseErrorsRetryable bool
}

type Orchestrator struct {
	cfg     Config
	fetcher Fetcher
	parser  Parser
	req     requestBuilder
	pace    pacer
	log     *zap.Logger
}

func New(cfg Config, f Fetcher, p Parser, c clock.Clock, log *zap.Logger) *Orchestrator {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.InboundParallelism <= 0 {
		cfg.InboundParallelism = 1
	}
	if c == nil {
		c = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		fetcher: f,
		parser:  p,
		req:     newRequestBuilder(cfg.BaseURL),
		pace:    pacer{clock: c},
		log:     log,
	}
}

// selection is the outbound leg chosen for one cabin class.
type selection struct {
	cabin string
	leg   domain.Leg
}

// Run executes one attempt. The returned error is always a *domain.ErrorInfo.
func (o *Orchestrator) Run(ctx context.Context, task domain.TaskRecord) ([]domain.Itinerary, error) {
	log := o.log.With(zap.String("task_id", task.ID), zap.String("route", task.Parameters.Route()))
	p := task.Parameters

	var selected []selection
	for i, cabin := range p.CabinClasses {
		if i > 0 {
			if err := o.pace.wait(ctx, o.cfg.PhaseDelayMin, o.cfg.PhaseDelayMax); err != nil {
				return nil, cancelled(ctx)
			}
		}
		legs, err := o.paginate(ctx, log, domain.Outbound, cabin, func(page int) fetch.Request {
			return o.req.outbound(p, cabin, page)
		})
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}

		leg, ok := selectLeg(legs)
		if !ok {
			log.Info("no selectable outbound leg", zap.String("cabin", cabin), zap.Int("legs", len(legs)))
			continue
		}
		selected = append(selected, selection{cabin: cabin, leg: leg})
	}

	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}
	if len(selected) == 0 {
		return []domain.Itinerary{}, nil
	}
	if err := o.pace.wait(ctx, o.cfg.PhaseDelayMin, o.cfg.PhaseDelayMax); err != nil {
		return nil, cancelled(ctx)
	}

	inbound, err := o.inboundAll(ctx, log, p, selected)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, cancelled(ctx)
	}

	its := combine(p, selected, inbound)
	log.Info("crawl finished", zap.Int("selected", len(selected)), zap.Int("itineraries", len(its)))
	return its, nil
}

// selectLeg picks the first listed leg that carries both identifiers needed
// for the inbound query. Page order is stable, so retries pick the same leg.
func selectLeg(legs []domain.Leg) (domain.Leg, bool) {
	for _, l := range legs {
		if l.SelectionID != "" && l.SearchToken != "" {
			return l, true
		}
	}
	return domain.Leg{}, false
}

// inboundAll fetches the inbound pages of every selection. Results land in
// the slot matching the selection so ordering does not depend on timing.
func (o *Orchestrator) inboundAll(ctx context.Context, log *zap.Logger, p domain.TaskParameters, selected []selection) ([][]domain.Leg, error) {
	out := make([][]domain.Leg, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.InboundParallelism)
	for i, sel := range selected {
		g.Go(func() error {
			legs, err := o.paginate(gctx, log.With(zap.String("selection_id", sel.leg.SelectionID)), domain.Inbound, sel.cabin,
				func(page int) fetch.Request { return o.req.inbound(p, sel.leg, page) })
			if err != nil {
				return err
			}
			out[i] = legs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		return nil, err
	}
	return out, nil
}

// paginate walks pages from 1 until the reported page count, an empty page,
// or the page cap. It returns a *domain.ErrorInfo on failure.
func (o *Orchestrator) paginate(ctx context.Context, log *zap.Logger, dir domain.Direction, cabin string, build func(page int) fetch.Request) ([]domain.Leg, error) {
	var (
		legs  []domain.Leg
		token string
	)
	for page := 1; ; page++ {
		if page > 1 {
			if err := o.pace.wait(ctx, o.cfg.PageDelayMin, o.cfg.PageDelayMax); err != nil {
				return nil, cancelled(ctx)
			}
		}

		body, err := o.fetcher.FetchPage(ctx, build(page))
		if err != nil {
			return nil, o.classify(ctx, err)
		}
		lp, err := o.parser.ParsePage(body, dir)
		if err != nil {
			return nil, o.classify(ctx, parseError{err: err})
		}
		lp.PageIndex = page
		if lp.SearchToken != "" {
			token = lp.SearchToken
		}
		for _, l := range lp.Legs {
			l.CabinClass = cabin
			if l.SearchToken == "" {
				l.SearchToken = token
			}
			legs = append(legs, l)
		}
		log.Debug("page done",
			zap.String("direction", string(dir)),
			zap.String("cabin", cabin),
			zap.Int("page", page),
			zap.Int("page_count", lp.PageCount),
			zap.Int("legs", len(lp.Legs)))

		switch {
		case len(lp.Legs) == 0:
			if page < lp.PageCount {
				log.Warn("empty page before reported end, stopping",
					zap.String("direction", string(dir)), zap.Int("page", page), zap.Int("page_count", lp.PageCount))
			}
			return legs, nil
		case page >= lp.PageCount:
			return legs, nil
		case page >= o.cfg.MaxPages:
			log.Warn("page cap reached, results truncated",
				zap.String("direction", string(dir)), zap.Int("max_pages", o.cfg.MaxPages), zap.Int("page_count", lp.PageCount))
			return legs, nil
		}
	}
}

// combine pairs each selected outbound leg with the inbound legs fetched for
// it and nothing else. The inbound quote is the round-trip fare.
func combine(p domain.TaskParameters, selected []selection, inbound [][]domain.Leg) []domain.Itinerary {
	its := []domain.Itinerary{}
	for i, sel := range selected {
		out := sel.leg
		if out.DepartureDate.IsZero() {
			out.DepartureDate = p.DepartureDate
		}
		for _, in := range inbound[i] {
			if in.ReturnDate.IsZero() {
				in.ReturnDate = p.ReturnDate
			}
			its = append(its, domain.Itinerary{
				Outbound:   out,
				Inbound:    in,
				CabinClass: sel.cabin,
				Price:      in.Price + out.Price,
				Tax:        in.Tax + out.Tax,
			})
		}
	}
	return its
}

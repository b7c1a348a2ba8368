// Package scheduler admits crawl tasks into a fixed number of concurrency
// slots, tracks their lifecycle and requeues retryable failures.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/SirClappington/farecrawl/internal/clock"
	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/queue"
)

const DefaultMaxConcurrent = 4

// Runner executes one attempt of a task. A non-nil error should be a
// *domain.ErrorInfo; anything else is treated as an internal failure.
type Runner interface {
	Run(ctx context.Context, task domain.TaskRecord) ([]domain.Itinerary, error)
}

type RunnerFunc func(ctx context.Context, task domain.TaskRecord) ([]domain.Itinerary, error)

func (f RunnerFunc) Run(ctx context.Context, task domain.TaskRecord) ([]domain.Itinerary, error) {
	return f(ctx, task)
}

type Config struct {
	MaxConcurrent      int
	DefaultMaxAttempts int
	PollInterval       time.Duration
	DueBatch           int64
}

// Options carries the collaborators. Zero values get in-process defaults.
// A Delay queue that implements queue.Scoper is narrowed to a scope owned by
// this scheduler, so schedulers sharing one queue only claim their own retries.
type Options struct {
	Clock    clock.Clock
	Delay    queue.DelayQueue
	Backoff  Backoff
	Logger   *zap.Logger
	OnFinish func(domain.TaskRecord)
	NewID    func() string
}

type Stats struct {
	Capacity  int                   `json:"capacity"`
	Available int                   `json:"available"`
	Counts    map[domain.Status]int `json:"counts"`
}

type entry struct {
	rec         domain.TaskRecord
	queued      bool
	cancelReq   bool
	cancel      context.CancelFunc
	slotAttempt int
}

type Scheduler struct {
	cfg      Config
	runner   Runner
	clock    clock.Clock
	delay    queue.DelayQueue
	backoff  Backoff
	log      *zap.Logger
	onFinish func(domain.TaskRecord)
	newID    func() string

	slots *semaphore.Weighted
	inUse atomic.Int64

	// mu guards everything below; fetch and parse work never runs under it.
	mu       sync.Mutex
	tasks    map[string]*entry
	pending  []string
	active   int
	inflight int
	changed  chan struct{}

	wake chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, runner Runner, opts Options) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.DueBatch <= 0 {
		cfg.DueBatch = 100
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Delay == nil {
		opts.Delay = queue.NewMemory()
	}
	if sc, ok := opts.Delay.(queue.Scoper); ok {
		opts.Delay = sc.Scope(uuid.NewString())
	}
	if opts.Backoff == nil {
		opts.Backoff = NewExponentialBackoff(time.Second, 2, time.Minute)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Scheduler{
		cfg:      cfg,
		runner:   runner,
		clock:    opts.Clock,
		delay:    opts.Delay,
		backoff:  opts.Backoff,
		log:      opts.Logger,
		onFinish: opts.OnFinish,
		newID:    opts.NewID,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tasks:    make(map[string]*entry),
		changed:  make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Submit validates params and enqueues a new task at the tail of the queue.
func (s *Scheduler) Submit(params domain.TaskParameters) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	if params.MaxAttempts == 0 {
		params.MaxAttempts = s.cfg.DefaultMaxAttempts
	}
	params.CabinClasses = append([]string(nil), params.CabinClasses...)

	id := s.newID()
	s.mu.Lock()
	if _, dup := s.tasks[id]; dup {
		s.mu.Unlock()
		return "", errors.Errorf("task id %s already in use", id)
	}
	s.tasks[id] = &entry{
		rec: domain.TaskRecord{
			ID:         id,
			Parameters: params,
			Status:     domain.Queued,
			CreatedAt:  s.clock.Now(),
		},
		queued: true,
	}
	s.pending = append(s.pending, id)
	s.active++
	s.broadcastLocked()
	s.mu.Unlock()

	s.signal()
	s.log.Info("task queued",
		zap.String("task_id", id),
		zap.String("route", params.Route()),
		zap.Strings("cabin_classes", params.CabinClasses))
	return id, nil
}

// Status returns a snapshot of the task.
func (s *Scheduler) Status(id string) (domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok {
		return domain.TaskRecord{}, errors.Wrap(domain.ErrNotFound, id)
	}
	return e.rec.Clone(), nil
}

// List returns snapshots of every task in submission order.
func (s *Scheduler) List() []domain.TaskRecord {
	s.mu.Lock()
	out := make([]domain.TaskRecord, 0, len(s.tasks))
	for _, e := range s.tasks {
		out = append(out, e.rec.Clone())
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Scheduler) Available() int {
	return s.cfg.MaxConcurrent - int(s.inUse.Load())
}

func (s *Scheduler) Stats() Stats {
	counts := make(map[domain.Status]int)
	s.mu.Lock()
	for _, e := range s.tasks {
		counts[e.rec.Status]++
	}
	s.mu.Unlock()
	return Stats{Capacity: s.cfg.MaxConcurrent, Available: s.Available(), Counts: counts}
}

// Cancel removes a waiting task or flags a running one. A running attempt
// sees its context cancelled, stops at the next phase boundary and is not
// retried.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return errors.Wrap(domain.ErrNotFound, id)
	}
	switch e.rec.Status {
	case domain.Queued, domain.RetryScheduled:
		if e.queued {
			s.removePendingLocked(id)
			e.queued = false
		}
		now := s.clock.Now()
		e.rec.Status = domain.Cancelled
		e.rec.EndedAt = &now
		e.rec.Error = &domain.ErrorInfo{Kind: domain.KindCancelled, Message: "cancelled before start"}
		s.active--
		s.broadcastLocked()
		snap := e.rec.Clone()
		s.mu.Unlock()
		s.log.Info("task cancelled", zap.String("task_id", id))
		s.notify(snap)
		return nil
	case domain.Running:
		e.cancelReq = true
		if e.cancel != nil {
			e.cancel()
		}
		s.mu.Unlock()
		s.log.Info("cancellation requested", zap.String("task_id", id))
		return nil
	default:
		status := e.rec.Status
		s.mu.Unlock()
		return errors.Wrapf(domain.ErrTaskFinished, "%s is %s", id, status)
	}
}

// Drive admits tasks in FIFO order while slots are free. It blocks until
// ctx is done and then waits for the attempts it started.
func (s *Scheduler) Drive(ctx context.Context) error {
	defer s.wg.Wait()
	for {
		s.promoteDue(ctx)

		if err := s.slots.Acquire(ctx, 1); err != nil {
			return err
		}
		rec, runCtx, ok := s.admit(ctx)
		if !ok {
			s.slots.Release(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.wake:
			case <-s.clock.After(s.cfg.PollInterval):
			}
			continue
		}

		s.wg.Add(1)
		go s.execute(runCtx, rec)
	}
}

// Wait blocks until every submitted task is in a terminal state and every
// attempt has returned its slot and run the finish hook.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.active == 0 && s.inflight == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Scheduler) promoteDue(ctx context.Context) {
	ids, err := s.delay.Due(ctx, s.clock.Now(), s.cfg.DueBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("read due retries", zap.Error(err))
		}
		return
	}
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range ids {
		e, ok := s.tasks[id]
		if !ok {
			s.log.Warn("claimed retry for unknown task", zap.String("task_id", id))
			continue
		}
		if e.queued || e.rec.Status != domain.RetryScheduled {
			continue
		}
		s.pending = append(s.pending, id)
		e.queued = true
	}
	s.mu.Unlock()
}

// admit pops the head of the queue and marks it Running. The caller already
// holds a slot for it.
func (s *Scheduler) admit(ctx context.Context) (domain.TaskRecord, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.pending) > 0 {
		id := s.pending[0]
		s.pending = s.pending[1:]
		e, ok := s.tasks[id]
		if !ok {
			continue
		}
		e.queued = false
		if e.rec.Status != domain.Queued && e.rec.Status != domain.RetryScheduled {
			continue
		}

		now := s.clock.Now()
		e.rec.Status = domain.Running
		e.rec.Attempts++
		e.rec.StartedAt = &now
		e.rec.EndedAt = nil
		e.rec.Error = nil
		e.slotAttempt = e.rec.Attempts
		s.inUse.Add(1)
		s.inflight++

		runCtx, cancel := context.WithCancel(ctx)
		e.cancel = cancel
		s.broadcastLocked()

		s.log.Info("task running",
			zap.String("task_id", id),
			zap.Int("attempt", e.rec.Attempts),
			zap.Int("max_attempts", e.rec.Parameters.MaxAttempts))
		return e.rec.Clone(), runCtx, true
	}
	return domain.TaskRecord{}, nil, false
}

// execute runs one attempt. The slot is returned before a retry becomes
// visible to the admission loop.
func (s *Scheduler) execute(ctx context.Context, rec domain.TaskRecord) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.inflight--
		s.broadcastLocked()
		s.mu.Unlock()
	}()
	snap, retryAt := s.attempt(ctx, rec)
	switch {
	case snap.Status == domain.RetryScheduled:
		s.scheduleRetry(ctx, rec.ID, retryAt)
	case snap.Status.Terminal():
		s.notify(snap)
	}
}

func (s *Scheduler) attempt(ctx context.Context, rec domain.TaskRecord) (domain.TaskRecord, time.Time) {
	defer s.release(rec.ID, rec.Attempts)
	itineraries, err := s.run(ctx, rec)
	return s.finish(rec.ID, itineraries, err)
}

func (s *Scheduler) run(ctx context.Context, rec domain.TaskRecord) (its []domain.Itinerary, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.ErrorInfo{Kind: domain.KindInternal, Message: fmt.Sprintf("orchestrator panic: %v", p)}
		}
	}()
	return s.runner.Run(ctx, rec)
}

func (s *Scheduler) finish(id string, its []domain.Itinerary, err error) (domain.TaskRecord, time.Time) {
	now := s.clock.Now()
	var retryAt time.Time

	s.mu.Lock()
	e := s.tasks[id]
	e.rec.EndedAt = &now
	if err == nil {
		if its == nil {
			its = []domain.Itinerary{}
		}
		e.rec.Status = domain.Succeeded
		e.rec.Result = its
		e.rec.Error = nil
	} else {
		info := domain.AsErrorInfo(err)
		e.rec.Error = &info
		switch {
		case e.cancelReq || info.Kind == domain.KindCancelled:
			e.rec.Status = domain.Cancelled
		case info.Retryable && e.rec.Attempts < e.rec.Parameters.MaxAttempts:
			e.rec.Status = domain.RetryScheduled
			retryAt = now.Add(s.backoff.Next(e.rec.Attempts))
		default:
			e.rec.Status = domain.Failed
		}
	}
	if e.rec.Status.Terminal() {
		s.active--
	}
	s.broadcastLocked()
	snap := e.rec.Clone()
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("task_id", id),
		zap.String("status", string(snap.Status)),
		zap.Int("attempt", snap.Attempts),
	}
	switch snap.Status {
	case domain.Succeeded:
		s.log.Info("task finished", append(fields, zap.Int("itineraries", len(snap.Result)))...)
	case domain.RetryScheduled:
		s.log.Warn("attempt failed, retry scheduled",
			append(fields, zap.String("error_kind", string(snap.Error.Kind)), zap.Time("retry_at", retryAt))...)
	default:
		s.log.Warn("task finished", append(fields, zap.Any("error", snap.Error))...)
	}
	return snap, retryAt
}

func (s *Scheduler) scheduleRetry(ctx context.Context, id string, at time.Time) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.delay.Schedule(sctx, id, at); err != nil {
		s.log.Error("delay queue unavailable, requeueing at tail", zap.String("task_id", id), zap.Error(err))
		s.mu.Lock()
		if e := s.tasks[id]; e.rec.Status == domain.RetryScheduled && !e.queued {
			s.pending = append(s.pending, id)
			e.queued = true
		}
		s.mu.Unlock()
	}
	s.signal()
}

// release returns the slot held by the given attempt of a task. Calling it
// again for the same attempt is a no-op.
func (s *Scheduler) release(id string, attempt int) {
	s.mu.Lock()
	e, ok := s.tasks[id]
	held := ok && e.slotAttempt == attempt
	if held {
		e.slotAttempt = 0
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
	s.mu.Unlock()

	if held {
		s.inUse.Add(-1)
		s.slots.Release(1)
		s.signal()
	}
}

func (s *Scheduler) notify(rec domain.TaskRecord) {
	if s.onFinish == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("finish hook panicked", zap.String("task_id", rec.ID), zap.Any("panic", p))
		}
	}()
	s.onFinish(rec)
}

func (s *Scheduler) removePendingLocked(id string) {
	for i, pid := range s.pending {
		if pid == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/farecrawl/internal/clock"
	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/queue"
)

func validParams() domain.TaskParameters {
	return domain.TaskParameters{
		Origin:        "TPE",
		Destination:   "SIN",
		DepartureDate: time.Date(2025, 7, 21, 0, 0, 0, 0, time.UTC),
		ReturnDate:    time.Date(2025, 7, 27, 0, 0, 0, 0, time.UTC),
		CabinClasses:  []string{"2"},
		MaxAttempts:   3,
	}
}

func networkErr() error {
	return &domain.ErrorInfo{Kind: domain.KindNetwork, Message: "connection reset", Retryable: true}
}

// start runs Drive in the background until the test ends.
func start(t *testing.T, cfg Config, runner Runner, opts Options) *Scheduler {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	s := New(cfg, runner, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Drive(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func waitAll(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait() = %v, stats %+v", err, s.Stats())
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustStatus(t *testing.T, s *Scheduler, id string) domain.TaskRecord {
	t.Helper()
	rec, err := s.Status(id)
	if err != nil {
		t.Fatalf("Status(%s) = %v", id, err)
	}
	return rec
}

func TestSubmitRejectsInvalidParameters(t *testing.T) {
	s := New(Config{}, RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		return nil, nil
	}), Options{})

	p := validParams()
	p.ReturnDate = time.Time{}
	if _, err := s.Submit(p); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("Submit() err = %v, want ErrValidation", err)
	}
	if got := len(s.List()); got != 0 {
		t.Fatalf("rejected task was recorded: %d tasks", got)
	}
}

func TestSubmitDefaultsMaxAttempts(t *testing.T) {
	s := New(Config{DefaultMaxAttempts: 5}, nil, Options{})
	p := validParams()
	p.MaxAttempts = 0
	id, err := s.Submit(p)
	if err != nil {
		t.Fatal(err)
	}
	rec := mustStatus(t, s, id)
	if rec.Parameters.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", rec.Parameters.MaxAttempts)
	}
	if rec.Status != domain.Queued || rec.Attempts != 0 {
		t.Errorf("got %s with %d attempts, want queued with 0", rec.Status, rec.Attempts)
	}
}

func TestUnknownTask(t *testing.T) {
	s := New(Config{}, nil, Options{})
	if _, err := s.Status("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Status() err = %v, want ErrNotFound", err)
	}
	if err := s.Cancel("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Cancel() err = %v, want ErrNotFound", err)
	}
}

func TestNeverMoreThanKRunning(t *testing.T) {
	for _, k := range []int{1, 2, 4, 7} {
		t.Run(fmt.Sprintf("K=%d", k), func(t *testing.T) {
			var (
				current, peak atomic.Int64
				sched         *Scheduler
				violations    atomic.Int64
			)
			runner := RunnerFunc(func(ctx context.Context, _ domain.TaskRecord) ([]domain.Itinerary, error) {
				n := current.Add(1)
				defer current.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if sched.Stats().Counts[domain.Running] > k {
					violations.Add(1)
				}
				time.Sleep(time.Duration(rand.IntN(3000)) * time.Microsecond)
				return nil, nil
			})
			sched = start(t, Config{MaxConcurrent: k}, runner, Options{})

			var wg sync.WaitGroup
			for g := 0; g < 8; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 10; i++ {
						if _, err := sched.Submit(validParams()); err != nil {
							t.Error(err)
						}
						time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)
					}
				}()
			}
			wg.Wait()
			waitAll(t, sched)

			if p := peak.Load(); p > int64(k) {
				t.Fatalf("peak concurrency %d exceeds K=%d", p, k)
			}
			if v := violations.Load(); v > 0 {
				t.Fatalf("observed more than K running tasks %d times", v)
			}
			if got := sched.Stats().Counts[domain.Succeeded]; got != 80 {
				t.Fatalf("succeeded = %d, want 80", got)
			}
			if sched.Available() != k {
				t.Fatalf("Available() = %d, want %d", sched.Available(), k)
			}
		})
	}
}

func TestRetryUntilSuccess(t *testing.T) {
	const k = 3
	var (
		calls     atomic.Int32
		sched     *Scheduler
		mu        sync.Mutex
		available []int
	)
	runner := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		mu.Lock()
		available = append(available, sched.Available())
		mu.Unlock()
		if calls.Add(1) <= 2 {
			return nil, networkErr()
		}
		return []domain.Itinerary{{CabinClass: "2", Price: 1000}}, nil
	})
	sched = start(t, Config{MaxConcurrent: k}, runner, Options{})

	id, err := sched.Submit(validParams())
	if err != nil {
		t.Fatal(err)
	}
	waitAll(t, sched)

	rec := mustStatus(t, sched, id)
	if rec.Status != domain.Succeeded {
		t.Fatalf("status = %s, want succeeded (error %v)", rec.Status, rec.Error)
	}
	if rec.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d, runner calls = %d, want 3 and 3", rec.Attempts, calls.Load())
	}
	if len(rec.Result) != 1 || rec.Error != nil {
		t.Fatalf("result = %v, error = %v", rec.Result, rec.Error)
	}
	if want := []int{k - 1, k - 1, k - 1}; !reflect.DeepEqual(available, want) {
		t.Fatalf("available slots seen by each attempt = %v, want %v", available, want)
	}
	if sched.Available() != k {
		t.Fatalf("Available() = %d after completion, want %d", sched.Available(), k)
	}
}

func TestSchedulersSharingDelayQueueKeepTheirRetries(t *testing.T) {
	shared := queue.NewMemory()
	var calls atomic.Int32
	flaky := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		if calls.Add(1) == 1 {
			return nil, networkErr()
		}
		return []domain.Itinerary{}, nil
	})
	idle := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		return []domain.Itinerary{}, nil
	})
	backoff := FixedBackoff{Delay: 20 * time.Millisecond}
	a := start(t, Config{MaxConcurrent: 1}, flaky, Options{Delay: shared, Backoff: backoff})
	b := start(t, Config{MaxConcurrent: 1}, idle, Options{Delay: shared, Backoff: backoff})

	id, err := a.Submit(validParams())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(validParams()); err != nil {
		t.Fatal(err)
	}
	waitAll(t, a)
	waitAll(t, b)

	rec := mustStatus(t, a, id)
	if rec.Status != domain.Succeeded || rec.Attempts != 2 {
		t.Fatalf("got %s after %d attempts, want succeeded after 2", rec.Status, rec.Attempts)
	}
	if shared.Len() != 0 {
		t.Fatalf("%d retries left in the shared queue", shared.Len())
	}
}

func TestRetryAttemptStartsWithoutPreviousError(t *testing.T) {
	var (
		sched   *Scheduler
		calls   atomic.Int32
		running domain.TaskRecord
	)
	runner := RunnerFunc(func(_ context.Context, task domain.TaskRecord) ([]domain.Itinerary, error) {
		if calls.Add(1) == 1 {
			return nil, networkErr()
		}
		running, _ = sched.Status(task.ID)
		return []domain.Itinerary{}, nil
	})
	sched = start(t, Config{MaxConcurrent: 1}, runner, Options{})

	id, _ := sched.Submit(validParams())
	waitAll(t, sched)

	if running.Status != domain.Running || running.Error != nil {
		t.Fatalf("second attempt saw %s with error %v", running.Status, running.Error)
	}
	if rec := mustStatus(t, sched, id); rec.Status != domain.Succeeded {
		t.Fatalf("status = %s, want succeeded", rec.Status)
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		calls.Add(1)
		return nil, networkErr()
	})
	var finished []domain.TaskRecord
	var mu sync.Mutex
	sched := start(t, Config{MaxConcurrent: 2}, runner, Options{OnFinish: func(rec domain.TaskRecord) {
		mu.Lock()
		finished = append(finished, rec)
		mu.Unlock()
	}})

	id, _ := sched.Submit(validParams())
	waitAll(t, sched)

	rec := mustStatus(t, sched, id)
	if rec.Status != domain.Failed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Attempts != 3 || calls.Load() != 3 {
		t.Fatalf("attempts = %d, calls = %d, want 3", rec.Attempts, calls.Load())
	}
	if rec.Error == nil || rec.Error.Kind != domain.KindNetwork {
		t.Fatalf("error = %v, want network", rec.Error)
	}
	if rec.Result != nil {
		t.Fatalf("failed task carries result %v", rec.Result)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(finished) != 1 || finished[0].Status != domain.Failed {
		t.Fatalf("finish hook saw %v", finished)
	}
}

func TestNonRetryableFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		calls.Add(1)
		return nil, &domain.ErrorInfo{Kind: domain.KindParse, Message: "missing flights_html"}
	})
	sched := start(t, Config{MaxConcurrent: 1}, runner, Options{})
	id, _ := sched.Submit(validParams())
	waitAll(t, sched)

	rec := mustStatus(t, sched, id)
	if rec.Status != domain.Failed || rec.Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("got %s after %d attempts (%d calls)", rec.Status, rec.Attempts, calls.Load())
	}
	if rec.Error.Kind != domain.KindParse || rec.Error.Retryable {
		t.Fatalf("error = %+v", rec.Error)
	}
}

func TestEmptyResultIsSuccess(t *testing.T) {
	sched := start(t, Config{}, RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		return nil, nil
	}), Options{})
	id, _ := sched.Submit(validParams())
	waitAll(t, sched)
	rec := mustStatus(t, sched, id)
	if rec.Status != domain.Succeeded || rec.Result == nil || len(rec.Result) != 0 {
		t.Fatalf("got %s with result %#v", rec.Status, rec.Result)
	}
}

func TestAdmissionIsFIFOAndRetriesGoToTail(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
		first = true
	)
	names := map[string]string{}
	runner := RunnerFunc(func(_ context.Context, rec domain.TaskRecord) ([]domain.Itinerary, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, names[rec.ID])
		if names[rec.ID] == "a" && first {
			first = false
			return nil, networkErr()
		}
		return nil, nil
	})

	s := New(Config{MaxConcurrent: 1, PollInterval: 5 * time.Millisecond}, runner, Options{
		Logger:  zaptest.NewLogger(t),
		Backoff: FixedBackoff{},
	})
	for _, n := range []string{"a", "b", "c"} {
		id, err := s.Submit(validParams())
		if err != nil {
			t.Fatal(err)
		}
		mu.Lock()
		names[id] = n
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = s.Drive(ctx) }()
	defer func() { cancel(); <-done }()
	waitAll(t, s)

	mu.Lock()
	defer mu.Unlock()
	if want := []string{"a", "b", "c", "a"}; !reflect.DeepEqual(order, want) {
		t.Fatalf("admission order = %v, want %v", order, want)
	}
}

func TestRetryWaitsForBackoff(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		if calls.Add(1) == 1 {
			return nil, networkErr()
		}
		return nil, nil
	})
	sched := start(t, Config{MaxConcurrent: 1, PollInterval: time.Second}, runner, Options{
		Clock:   fake,
		Backoff: FixedBackoff{Delay: time.Minute},
	})

	id, _ := sched.Submit(validParams())
	eventually(t, func() bool {
		return mustStatus(t, sched, id).Status == domain.RetryScheduled
	}, "retry to be scheduled")

	fake.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("retry ran before its backoff elapsed: %d calls", got)
	}

	eventually(t, func() bool {
		fake.Advance(time.Second)
		return mustStatus(t, sched, id).Status == domain.Succeeded
	}, "retry to run after backoff")

	rec := mustStatus(t, sched, id)
	if rec.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", rec.Attempts)
	}
	if rec.EndedAt.Sub(rec.CreatedAt) < time.Minute {
		t.Fatalf("retry finished %v after creation, want at least the backoff", rec.EndedAt.Sub(rec.CreatedAt))
	}
}

func TestCancelQueuedTask(t *testing.T) {
	release := make(chan struct{})
	var ran sync.Map
	runner := RunnerFunc(func(_ context.Context, rec domain.TaskRecord) ([]domain.Itinerary, error) {
		ran.Store(rec.ID, true)
		<-release
		return nil, nil
	})
	sched := start(t, Config{MaxConcurrent: 1}, runner, Options{})

	blocker, _ := sched.Submit(validParams())
	eventually(t, func() bool { return mustStatus(t, sched, blocker).Status == domain.Running }, "blocker to run")

	waiting, _ := sched.Submit(validParams())
	if err := sched.Cancel(waiting); err != nil {
		t.Fatalf("Cancel() = %v", err)
	}
	close(release)
	waitAll(t, sched)

	rec := mustStatus(t, sched, waiting)
	if rec.Status != domain.Cancelled || rec.Attempts != 0 {
		t.Fatalf("got %s after %d attempts, want cancelled with none", rec.Status, rec.Attempts)
	}
	if _, ok := ran.Load(waiting); ok {
		t.Fatal("cancelled task was dispatched")
	}
	if err := sched.Cancel(waiting); !errors.Is(err, domain.ErrTaskFinished) {
		t.Fatalf("second Cancel() = %v, want ErrTaskFinished", err)
	}
}

func TestCancelRunningTaskSkipsRetry(t *testing.T) {
	const k = 2
	started := make(chan struct{})
	var calls atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, _ domain.TaskRecord) ([]domain.Itinerary, error) {
		calls.Add(1)
		close(started)
		<-ctx.Done()
		// the failure would normally be retried
		return nil, networkErr()
	})
	sched := start(t, Config{MaxConcurrent: k}, runner, Options{})

	id, _ := sched.Submit(validParams())
	<-started
	if got := sched.Available(); got != k-1 {
		t.Fatalf("Available() while running = %d, want %d", got, k-1)
	}
	if err := sched.Cancel(id); err != nil {
		t.Fatal(err)
	}
	waitAll(t, sched)

	rec := mustStatus(t, sched, id)
	if rec.Status != domain.Cancelled {
		t.Fatalf("status = %s, want cancelled", rec.Status)
	}
	if rec.Attempts != 1 || calls.Load() != 1 {
		t.Fatalf("attempts = %d, calls = %d, want 1", rec.Attempts, calls.Load())
	}
	if sched.Available() != k {
		t.Fatalf("slot not returned: Available() = %d", sched.Available())
	}
}

func TestPanicReleasesSlot(t *testing.T) {
	var calls atomic.Int32
	runner := RunnerFunc(func(context.Context, domain.TaskRecord) ([]domain.Itinerary, error) {
		if calls.Add(1) == 1 {
			panic("nil map write")
		}
		return nil, nil
	})
	sched := start(t, Config{MaxConcurrent: 1}, runner, Options{})

	crashed, _ := sched.Submit(validParams())
	next, _ := sched.Submit(validParams())
	waitAll(t, sched)

	rec := mustStatus(t, sched, crashed)
	if rec.Status != domain.Failed || rec.Error.Kind != domain.KindInternal {
		t.Fatalf("crashed task: %s %+v", rec.Status, rec.Error)
	}
	if got := mustStatus(t, sched, next).Status; got != domain.Succeeded {
		t.Fatalf("task after crash: %s, want succeeded", got)
	}
	if sched.Available() != 1 {
		t.Fatalf("Available() = %d, want 1", sched.Available())
	}
}

func TestReleaseIsIdempotentPerAttempt(t *testing.T) {
	s := New(Config{MaxConcurrent: 2}, nil, Options{})
	id, _ := s.Submit(validParams())

	if err := s.slots.Acquire(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	rec, _, ok := s.admit(context.Background())
	if !ok || rec.ID != id {
		t.Fatalf("admit() = %v, %v", rec.ID, ok)
	}
	if s.Available() != 1 {
		t.Fatalf("Available() while held = %d, want 1", s.Available())
	}

	s.release(id, rec.Attempts)
	s.release(id, rec.Attempts)
	s.release(id, rec.Attempts+1)
	if s.Available() != 2 {
		t.Fatalf("Available() = %d, want 2", s.Available())
	}
}

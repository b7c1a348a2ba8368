// Command scheduler runs one batch: it loads the task file, crawls every
// task, persists the results and prints a JSON summary.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/app"
	"github.com/SirClappington/farecrawl/internal/config"
	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/feed"
	"github.com/SirClappington/farecrawl/internal/logging"
)

type taskSummary struct {
	ID            string            `json:"id"`
	Route         string            `json:"route"`
	DepartureDate string            `json:"departure_date"`
	ReturnDate    string            `json:"return_date"`
	Status        domain.Status     `json:"status"`
	Attempts      int               `json:"attempts"`
	Itineraries   int               `json:"itineraries"`
	Error         *domain.ErrorInfo `json:"error,omitempty"`
	StorageError  string            `json:"storage_error,omitempty"`
}

type batchSummary struct {
	BatchID   string                `json:"batch_id"`
	StartedAt time.Time             `json:"started_at"`
	Elapsed   string                `json:"elapsed"`
	TimedOut  bool                  `json:"timed_out"`
	Total     int                   `json:"total_tasks"`
	Completed int                   `json:"completed_tasks"`
	Rejected  int                   `json:"rejected_tasks"`
	Counts    map[domain.Status]int `json:"counts"`
	Tasks     []taskSummary         `json:"tasks"`
}

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := runBatch(ctx, cfg, logger)
	if summary != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
	}
	if err != nil {
		logger.Fatal("batch failed", zap.Error(err))
	}
}

func runBatch(ctx context.Context, cfg config.Config, logger *zap.Logger) (*batchSummary, error) {
	batchID := "batch_" + uuid.NewString()[:8]
	logger = logger.With(zap.String("batch_id", batchID))
	started := time.Now()

	src, err := feed.LoadFile(cfg.TaskFile, started)
	if err != nil {
		return nil, err
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	driveCtx, stopDrive := context.WithCancel(ctx)
	driveDone := make(chan struct{})
	go func() {
		defer close(driveDone)
		if err := a.Scheduler.Drive(driveCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("drive stopped", zap.Error(err))
		}
	}()

	pumped, err := feed.Pump(ctx, src, a.Scheduler.Submit, logger)
	if err != nil {
		stopDrive()
		<-driveDone
		return nil, err
	}
	logger.Info("batch initialised", zap.Int("tasks", len(pumped.Submitted)), zap.Int("rejected", pumped.Rejected))

	waitCtx, cancelWait := context.WithTimeout(ctx, cfg.BatchTimeout)
	waitErr := a.Scheduler.Wait(waitCtx)
	cancelWait()
	// stopping Drive cancels anything still running
	stopDrive()
	<-driveDone

	s := summarize(a, batchID, started, pumped)
	s.TimedOut = waitErr != nil
	if waitErr != nil {
		logger.Warn("batch did not finish in time", zap.Duration("timeout", cfg.BatchTimeout), zap.Error(waitErr))
	}
	logger.Info("batch finished", zap.Int("completed", s.Completed), zap.Int("total", s.Total), zap.String("elapsed", s.Elapsed))
	return s, nil
}

func summarize(a *app.App, batchID string, started time.Time, pumped feed.PumpResult) *batchSummary {
	s := &batchSummary{
		BatchID:   batchID,
		StartedAt: started,
		Elapsed:   time.Since(started).Round(time.Millisecond).String(),
		Total:     len(pumped.Submitted),
		Rejected:  pumped.Rejected,
		Counts:    a.Scheduler.Stats().Counts,
	}
	for _, id := range pumped.Submitted {
		rec, err := a.Scheduler.Status(id)
		if err != nil {
			continue
		}
		s.Tasks = append(s.Tasks, summarizeTask(rec, a.Results.Err(id)))
		if rec.Status.Terminal() {
			s.Completed++
		}
	}
	return s
}

func summarizeTask(rec domain.TaskRecord, storageErr error) taskSummary {
	ts := taskSummary{
		ID:            rec.ID,
		Route:         rec.Parameters.Route(),
		DepartureDate: rec.Parameters.DepartureDate.Format(time.DateOnly),
		ReturnDate:    rec.Parameters.ReturnDate.Format(time.DateOnly),
		Status:        rec.Status,
		Attempts:      rec.Attempts,
		Itineraries:   len(rec.Result),
		Error:         rec.Error,
	}
	if storageErr != nil {
		ts.StorageError = storageErr.Error()
	}
	return ts
}

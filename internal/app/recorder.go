package app

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/storage"
)

// Recorder persists succeeded tasks as they finish and remembers storage
// failures. A storage failure never changes the task's status.
type Recorder struct {
	sink    storage.Persister
	timeout time.Duration
	log     *zap.Logger

	mu   sync.Mutex
	errs map[string]error
}

func NewRecorder(sink storage.Persister, timeout time.Duration, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{sink: sink, timeout: timeout, log: log, errs: map[string]error{}}
}

func (rc *Recorder) OnFinish(rec domain.TaskRecord) {
	if rec.Status != domain.Succeeded || rc.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rc.timeout)
	defer cancel()
	if err := rc.sink.PersistItineraries(ctx, rec); err != nil {
		rc.log.Error("persist itineraries", zap.String("task_id", rec.ID), zap.Error(err))
		rc.mu.Lock()
		rc.errs[rec.ID] = err
		rc.mu.Unlock()
		return
	}
	rc.log.Info("itineraries stored", zap.String("task_id", rec.ID), zap.Int("count", len(rec.Result)))
}

// Err returns the storage failure recorded for id, if any.
func (rc *Recorder) Err(id string) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.errs[id]
}

package app

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/farecrawl/internal/domain"
	"github.com/SirClappington/farecrawl/internal/storage"
)

type persistFunc func(ctx context.Context, task domain.TaskRecord) error

func (f persistFunc) PersistItineraries(ctx context.Context, task domain.TaskRecord) error {
	return f(ctx, task)
}

func TestRecorderPersistsOnlySucceeded(t *testing.T) {
	var seen []string
	rc := NewRecorder(persistFunc(func(_ context.Context, task domain.TaskRecord) error {
		seen = append(seen, task.ID)
		return nil
	}), time.Second, zaptest.NewLogger(t))

	rc.OnFinish(domain.TaskRecord{ID: "ok", Status: domain.Succeeded})
	rc.OnFinish(domain.TaskRecord{ID: "failed", Status: domain.Failed})
	rc.OnFinish(domain.TaskRecord{ID: "cancelled", Status: domain.Cancelled})

	if len(seen) != 1 || seen[0] != "ok" {
		t.Fatalf("persisted = %v", seen)
	}
}

func TestRecorderKeepsStorageErrors(t *testing.T) {
	rc := NewRecorder(persistFunc(func(context.Context, domain.TaskRecord) error {
		return &storage.Error{Sink: "postgres", Err: errors.New("down")}
	}), time.Second, nil)

	rc.OnFinish(domain.TaskRecord{ID: "t", Status: domain.Succeeded})
	if err := rc.Err("t"); !errors.Is(err, domain.ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}
	if rc.Err("other") != nil {
		t.Fatal("unexpected error for unknown task")
	}
}

func TestRecorderWithoutSinks(t *testing.T) {
	rc := NewRecorder(storage.Fanout(nil), time.Second, nil)
	rc.OnFinish(domain.TaskRecord{ID: "t", Status: domain.Succeeded})
	if rc.Err("t") != nil {
		t.Fatal("empty fanout must not fail")
	}
}

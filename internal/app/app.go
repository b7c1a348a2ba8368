// Package app wires configuration into a running scheduler with its
// collaborators. Both binaries build on it.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/clock"
	"github.com/SirClappington/farecrawl/internal/config"
	"github.com/SirClappington/farecrawl/internal/crawl"
	"github.com/SirClappington/farecrawl/internal/fetch"
	"github.com/SirClappington/farecrawl/internal/parse"
	"github.com/SirClappington/farecrawl/internal/queue"
	"github.com/SirClappington/farecrawl/internal/scheduler"
	"github.com/SirClappington/farecrawl/internal/storage"
)

const persistTimeout = 30 * time.Second

type App struct {
	Scheduler *scheduler.Scheduler
	Results   *Recorder
	// Redis is nil unless REDIS_ADDR is set.
	Redis *r.Client

	log     *zap.Logger
	closers []func()
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{log: log}

	sinks, err := a.openStorage(ctx, cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Results = NewRecorder(sinks, persistTimeout, log.Named("storage"))

	var delay queue.DelayQueue
	if cfg.Redis.Addr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.Wrap(err, "redis ping")
		}
		a.Redis = rdb
		delay = queue.NewRedis(rdb, cfg.Redis.DelayKey)
	}

	orch := crawl.New(cfg.Crawl.Config(),
		fetch.New(cfg.Fetch.Config(), log.Named("fetch")),
		parse.New(log.Named("parse")),
		clock.Real{},
		log.Named("crawl"))

	a.Scheduler = scheduler.New(cfg.Scheduler.Config(), orch, scheduler.Options{
		Delay:    delay,
		Backoff:  cfg.Scheduler.Backoff(),
		Logger:   log.Named("scheduler"),
		OnFinish: a.Results.OnFinish,
	})
	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg config.Storage) (storage.Fanout, error) {
	var sinks storage.Fanout
	if cfg.PostgresDSN != "" {
		if err := storage.Migrate(ctx, cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
			return nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "postgres pool")
		}
		a.closers = append(a.closers, pool.Close)
		sinks = append(sinks, storage.New(pool))
	}
	if cfg.MinioEndpoint != "" {
		oc := cfg.Object()
		client, err := storage.NewMinIOClient(oc)
		if err != nil {
			return nil, errors.Wrap(err, "minio client")
		}
		if err := storage.EnsureBucket(ctx, client, oc.Bucket, oc.Region); err != nil {
			return nil, err
		}
		sinks = append(sinks, storage.NewObjectSink(client, oc.Bucket))
	}
	if len(sinks) == 0 {
		a.log.Warn("no storage configured, results stay in memory")
	}
	return sinks, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

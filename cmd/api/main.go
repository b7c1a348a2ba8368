// Command api serves the task API and keeps crawling tasks submitted over
// HTTP or pushed onto the Redis feed.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/farecrawl/internal/api"
	"github.com/SirClappington/farecrawl/internal/app"
	"github.com/SirClappington/farecrawl/internal/config"
	"github.com/SirClappington/farecrawl/internal/feed"
	"github.com/SirClappington/farecrawl/internal/logging"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(a.Scheduler, logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Scheduler.Drive(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if a.Redis != nil {
		src := feed.NewRedisFeed(a.Redis, cfg.Redis.FeedKey, 5*time.Second, logger.Named("feed"))
		g.Go(func() error {
			_, err := feed.Pump(gctx, src, a.Scheduler.Submit, logger.Named("feed"))
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "listen")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/farecrawl/internal/clock"
	"github.com/SirClappington/farecrawl/internal/domain"
)

const (
	minPopRetry = 200 * time.Millisecond
	maxPopRetry = 30 * time.Second
)

type listClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *r.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *r.StringSliceCmd
}

// RedisFeed is a list of JSON encoded parameters. Producers push on the left,
// Next pops from the right, so the feed is FIFO.
type RedisFeed struct {
	rdb   listClient
	key   string
	block time.Duration
	log   *zap.Logger
	clock clock.Clock

	retryMin, retryMax time.Duration
}

func NewRedisFeed(rdb *r.Client, key string, block time.Duration, log *zap.Logger) *RedisFeed {
	if key == "" {
		key = "farecrawl:tasks"
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisFeed{
		rdb:      rdb,
		key:      key,
		block:    block,
		log:      log,
		clock:    clock.Real{},
		retryMin: minPopRetry,
		retryMax: maxPopRetry,
	}
}

func (f *RedisFeed) Push(ctx context.Context, p domain.TaskParameters) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "encode task")
	}
	return errors.Wrap(f.rdb.LPush(ctx, f.key, b).Err(), "push task")
}

// Next blocks until a task arrives or ctx is done. Undecodable payloads are
// dropped. Redis errors are logged and retried with a doubling pause, so only
// ctx ends the feed.
func (f *RedisFeed) Next(ctx context.Context) (domain.TaskParameters, error) {
	pause := f.retryMin
	for {
		if err := ctx.Err(); err != nil {
			return domain.TaskParameters{}, err
		}
		res, err := f.rdb.BRPop(ctx, f.block, f.key).Result()
		if errors.Is(err, r.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return domain.TaskParameters{}, ctx.Err()
			}
			f.log.Warn("pop task failed, retrying",
				zap.String("key", f.key), zap.Duration("pause", pause), zap.Error(err))
			if err := clock.Sleep(ctx, f.clock, pause); err != nil {
				return domain.TaskParameters{}, err
			}
			pause = min(pause*2, f.retryMax)
			continue
		}
		pause = f.retryMin
		if len(res) != 2 {
			continue
		}
		var p domain.TaskParameters
		if err := json.Unmarshal([]byte(res[1]), &p); err != nil {
			f.log.Warn("dropping undecodable task", zap.String("key", f.key), zap.Error(err))
			continue
		}
		return p, nil
	}
}

package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

// scopeTTL bounds how long the key of a scope outlives its last write, so
// keys left behind by stopped processes expire.
const scopeTTL = 24 * time.Hour

// RedisQ keeps delayed retries in a sorted set scored by run time in
// milliseconds. Schedulers claim from their own Scope, a key suffixed with
// the scope name, so they only see ids they scheduled.
type RedisQ struct {
	rdb *r.Client
	key string
}

func NewRedis(rdb *r.Client, key string) *RedisQ {
	if key == "" {
		key = "farecrawl:delay"
	}
	return &RedisQ{rdb: rdb, key: key}
}

// Scope returns a queue on the key suffixed with name.
func (q *RedisQ) Scope(name string) DelayQueue {
	return &RedisQ{rdb: q.rdb, key: q.key + ":" + name}
}

func (q *RedisQ) Schedule(ctx context.Context, taskID string, runAt time.Time) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZAdd(ctx, q.key, r.Z{Score: float64(runAt.UnixMilli()), Member: taskID})
	pipe.Expire(ctx, q.key, scopeTTL)
	_, err := pipe.Exec(ctx)
	return errors.Wrapf(err, "schedule %s", taskID)
}

func (q *RedisQ) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.key, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: limit,
	}).Result()
	if err != nil || len(ids) == 0 {
		return nil, errors.Wrap(err, "range due")
	}

	pipe := q.rdb.TxPipeline()
	removed := make([]*r.IntCmd, len(ids))
	for i, id := range ids {
		removed[i] = pipe.ZRem(ctx, q.key, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.Wrap(err, "claim due")
	}

	// a concurrent Due on the same key may have claimed some of them
	claimed := ids[:0]
	for i, id := range ids {
		if removed[i].Val() == 1 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

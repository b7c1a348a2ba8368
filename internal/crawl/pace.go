package crawl

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/SirClappington/farecrawl/internal/clock"
)

type pacer struct {
	clock clock.Clock
}

func (p pacer) wait(ctx context.Context, lo, hi time.Duration) error {
	return clock.Sleep(ctx, p.clock, jitter(lo, hi))
}

// jitter picks a delay in [lo, hi].
func jitter(lo, hi time.Duration) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

package scheduler

import (
	"math"
	"time"
)

// Backoff returns the delay before the retry that follows the given attempt
// (1-based). Implementations must be non-decreasing in attempt.
type Backoff interface {
	Next(attempt int) time.Duration
}

type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Next(_ int) time.Duration { return b.Delay }

type ExponentialBackoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func NewExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) ExponentialBackoff {
	if multiplier < 1.0 {
		multiplier = 2.0
	}
	return ExponentialBackoff{Base: base, Multiplier: multiplier, Max: max}
}

func (b ExponentialBackoff) Next(attempt int) time.Duration {
	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= b.Multiplier
		if b.Max > 0 && delay >= float64(b.Max) {
			return b.Max
		}
	}
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	result := time.Duration(delay)
	if b.Max > 0 && result > b.Max {
		return b.Max
	}
	return result
}

package pace

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a fixed minimum delay between calls: the first Wait
// returns immediately, each later one waits until delay has passed since
// the previous slot.
type Limiter struct {
	delay time.Duration
	rl    *rate.Limiter
}

// NewLimiter returns a Limiter spacing calls by delay. A non-positive delay
// disables pacing.
func NewLimiter(delay time.Duration) *Limiter {
	if delay <= 0 {
		return &Limiter{rl: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{delay: delay, rl: rate.NewLimiter(rate.Every(delay), 1)}
}

// Wait blocks until the next slot or until ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Delay returns the configured spacing.
func (l *Limiter) Delay() time.Duration { return l.delay }

// Package ratelimit spaces provider calls at a fixed minimum interval.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter admits one call per interval with no burst.
type Limiter struct {
	l *rate.Limiter
}

// PerSecond builds a limiter admitting n calls per second. n <= 0 disables limiting.
func PerSecond(n float64) *Limiter {
	if n <= 0 {
		return &Limiter{l: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Limiter{l: rate.NewLimiter(rate.Limit(n), 1)}
}

// Every builds a limiter admitting one call per interval.
func Every(interval time.Duration) *Limiter {
	return &Limiter{l: rate.NewLimiter(rate.Every(interval), 1)}
}

// Wait blocks until the next call is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.l.Wait(ctx)
}

// Interval is the configured spacing between calls; zero when unlimited.
func (l *Limiter) Interval() time.Duration {
	lim := l.l.Limit()
	if lim == rate.Inf || lim <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(lim))
}

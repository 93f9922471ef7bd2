package provider

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker guards the provider against runs of transport errors and 5xx responses.
// Rate limiting and client errors are neutral: they neither trip nor heal it.
type Breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	cooldown  time.Duration
	reopensAt time.Time
	probing   bool
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Ready reports whether a call would currently be admitted.
func (b *Breaker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return !b.now().Before(b.reopensAt) && !b.probing
	case stateHalfOpen:
		return !b.probing
	}
	return true
}

// ReopensAt is when an open breaker admits its next probe; zero while closed.
func (b *Breaker) ReopensAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateClosed {
		return time.Time{}
	}
	return b.reopensAt
}

// Allow admits a call. After the cooldown exactly one probe goes through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if b.now().Before(b.reopensAt) || b.probing {
			return false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return true
}

// Record settles an admitted call with its outcome.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.failures = 0
		b.state = stateClosed
		b.probing = false
	case countsAsFailure(err):
		if b.state == stateHalfOpen {
			b.trip()
			return
		}
		b.failures++
		if b.failures >= b.threshold {
			b.trip()
		}
	default:
		// a half-open probe that hit a 4xx proved nothing; let the next call probe
		b.probing = false
	}
}

func (b *Breaker) trip() {
	b.state = stateOpen
	b.probing = false
	b.reopensAt = b.now().Add(b.cooldown)
}

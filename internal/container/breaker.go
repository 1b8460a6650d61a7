package container

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// breaker blocks spawns after consecutive failures for
// min(2^failures * base, max).
type breaker struct {
	mu        sync.Mutex
	clock     clockwork.Clock
	base, max time.Duration
	failures  int
	openUntil time.Time
}

func newBreaker(clock clockwork.Clock, base, max time.Duration) *breaker {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 30 * time.Second
	}
	return &breaker{clock: clock, base: base, max: max}
}

// allow returns the remaining open time, or 0 when a spawn may proceed.
func (b *breaker) allow() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return 0
	}
	if wait := b.openUntil.Sub(b.clock.Now()); wait > 0 {
		return wait
	}
	return 0
}

func (b *breaker) success() {
	b.mu.Lock()
	b.failures = 0
	b.openUntil = time.Time{}
	b.mu.Unlock()
}

// failure records a failed spawn and returns the new open window.
func (b *breaker) failure() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	d := b.max
	if b.failures < 31 {
		if exp := b.base << b.failures; exp > 0 && exp < b.max {
			d = exp
		}
	}
	b.openUntil = b.clock.Now().Add(d)
	return d
}

func (b *breaker) state() (failures int, openUntil time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.openUntil
}

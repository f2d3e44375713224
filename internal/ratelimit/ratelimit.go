// Package ratelimit provides a keyed token-bucket limiter for bounding
// per-subject operation rates.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Keyed maintains an independent token bucket per key. Buckets are created
// lazily and retained for the lifetime of the limiter; keys are expected to
// be low-cardinality (sessions, audiences), not unbounded user input.
type Keyed struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	burst    int
}

// NewKeyed creates a keyed limiter allowing one event per interval per key,
// with the given burst
func NewKeyed(interval time.Duration, burst int) *Keyed {
	if burst < 1 {
		burst = 1
	}
	return &Keyed{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		burst:    burst,
	}
}

// Allow reports whether an event for the key may proceed now
func (k *Keyed) Allow(key string) bool {
	return k.limiter(key).Allow()
}

func (k *Keyed) limiter(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(k.interval), k.burst)
		k.limiters[key] = l
	}
	return l
}

// Len returns the number of tracked keys
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

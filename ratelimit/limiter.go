// Package ratelimit spaces outgoing requests per host with one token bucket
// of capacity 1 per key.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnknownSite is returned by Acquire for a key that was never registered.
var ErrUnknownSite = errors.New("ratelimit: unknown site")

// Limiter holds one bucket per key. Buckets are independent, so a waiter on
// one key never delays another. It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// New returns an empty Limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*rate.Limiter)}
}

// Register sets the minimum interval between requests for key. Registering
// an existing key keeps the longer of the two intervals, so sites that share
// a host are spaced by the strictest policy.
func (l *Limiter) Register(key string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := every(interval)
	if b, ok := l.buckets[key]; ok {
		if limit < b.Limit() {
			b.SetLimit(limit)
		}
		return
	}
	l.buckets[key] = rate.NewLimiter(limit, 1)
}

// Interval returns the spacing registered for key.
func (l *Limiter) Interval(key string) (time.Duration, bool) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}
	if b.Limit() == rate.Inf {
		return 0, true
	}
	return time.Duration(float64(time.Second) / float64(b.Limit())), true
}

// Acquire blocks until the next request to key may be issued. Callers for
// the same key are served one at a time. If ctx is done first, Acquire
// returns ctx's error and the slot is released for the next caller.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSite, key)
	}

	if err := b.Wait(ctx); err != nil {
		// Wait fails early when the deadline falls before the next slot;
		// report that the same way as a cancellation.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return context.DeadlineExceeded
	}
	return nil
}

func every(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

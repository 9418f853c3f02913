// Package ratelimit provides keyed fixed-window token buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"grimm.is/warden/internal/clock"
)

// Limiter manages rate limiting for multiple keys
type Limiter struct {
	clk      clock.Clock
	limiters map[string]*bucket
	mu       sync.Mutex
}

// bucket refills to limit once interval has passed since lastFill.
type bucket struct {
	tokens   int
	limit    int
	interval time.Duration
	lastFill time.Time
	mu       sync.Mutex
}

// NewLimiter creates a limiter on clk; nil uses the system clock.
func NewLimiter(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		clk:      clk,
		limiters: make(map[string]*bucket),
	}
}

func (l *Limiter) bucket(key string, limit int, interval time.Duration) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, exists := l.limiters[key]
	if !exists {
		b = &bucket{
			tokens:   limit,
			limit:    limit,
			interval: interval,
			lastFill: l.clk.Now(),
		}
		l.limiters[key] = b
	}
	return b
}

// Allow checks if a request for the given key is allowed.
// limit is the number of requests per interval.
func (l *Limiter) Allow(key string, limit int, interval time.Duration) bool {
	return l.AllowN(key, limit, interval, 1)
}

// AllowN checks if n requests are allowed
func (l *Limiter) AllowN(key string, limit int, interval time.Duration, n int) bool {
	return l.bucket(key, limit, interval).takeN(l.clk.Now(), n)
}

func (b *bucket) refill(now time.Time) {
	if now.Sub(b.lastFill) >= b.interval {
		b.tokens = b.limit
		b.lastFill = now
	}
}

func (b *bucket) takeN(now time.Time, n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < n {
		return false
	}
	b.tokens -= n
	return true
}

// Remaining reports the tokens left for key in the current window.
func (l *Limiter) Remaining(key string) (int, bool) {
	l.mu.Lock()
	b, ok := l.limiters[key]
	l.mu.Unlock()
	if !ok {
		return 0, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.clk.Now())
	return b.tokens, true
}

// Exhaust empties the bucket for key until its window rolls over. Used
// when an upstream reports its own quota is spent.
func (l *Limiter) Exhaust(key string, limit int, interval time.Duration) {
	b := l.bucket(key, limit, interval)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.clk.Now())
	b.tokens = 0
}

// Reset clears rate limit for a specific key
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, key)
}

// CleanupExpired removes buckets not refilled within maxAge.
func (l *Limiter) CleanupExpired(maxAge time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	removed := 0
	for key, b := range l.limiters {
		b.mu.Lock()
		if now.Sub(b.lastFill) > maxAge {
			delete(l.limiters, key)
			removed++
		}
		b.mu.Unlock()
	}
	return removed
}

// StartCleanup removes expired buckets every interval until ctx is done.
func (l *Limiter) StartCleanup(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.CleanupExpired(maxAge)
			}
		}
	}()
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"grimm.is/warden/internal/clock"
)

func newTestLimiter() (*Limiter, *clock.MockClock) {
	clk := clock.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewLimiter(clk), clk
}

func TestLimiter_Allow_Basic(t *testing.T) {
	l, _ := newTestLimiter()

	// First 3 requests should succeed
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("test-key", 3, time.Minute), "request %d", i+1)
	}
	assert.False(t, l.Allow("test-key", 3, time.Minute), "4th request should be denied")
}

func TestLimiter_Allow_DifferentKeys(t *testing.T) {
	l, _ := newTestLimiter()

	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow("key1", 2, time.Minute))
		assert.True(t, l.Allow("key2", 2, time.Minute))
	}
	assert.False(t, l.Allow("key1", 2, time.Minute))
	assert.False(t, l.Allow("key2", 2, time.Minute))
}

func TestLimiter_Allow_Refill(t *testing.T) {
	l, clk := newTestLimiter()

	assert.True(t, l.Allow("k", 1, time.Minute))
	assert.False(t, l.Allow("k", 1, time.Minute))

	clk.Advance(59 * time.Second)
	assert.False(t, l.Allow("k", 1, time.Minute))

	clk.Advance(time.Second)
	assert.True(t, l.Allow("k", 1, time.Minute))
}

func TestLimiter_AllowN(t *testing.T) {
	l, _ := newTestLimiter()

	assert.True(t, l.AllowN("k", 5, time.Minute, 3))
	assert.False(t, l.AllowN("k", 5, time.Minute, 3))
	assert.True(t, l.AllowN("k", 5, time.Minute, 2))
}

func TestLimiter_RemainingAndExhaust(t *testing.T) {
	l, clk := newTestLimiter()

	_, ok := l.Remaining("k")
	assert.False(t, ok)

	l.Allow("k", 45, time.Minute)
	n, ok := l.Remaining("k")
	assert.True(t, ok)
	assert.Equal(t, 44, n)

	l.Exhaust("k", 45, time.Minute)
	assert.False(t, l.Allow("k", 45, time.Minute))

	clk.Advance(time.Minute)
	assert.True(t, l.Allow("k", 45, time.Minute))
}

func TestLimiter_Reset(t *testing.T) {
	l, _ := newTestLimiter()

	l.Allow("k", 1, time.Minute)
	assert.False(t, l.Allow("k", 1, time.Minute))
	l.Reset("k")
	assert.True(t, l.Allow("k", 1, time.Minute))
}

func TestLimiter_CleanupExpired(t *testing.T) {
	l, clk := newTestLimiter()

	l.Allow("old", 1, time.Minute)
	clk.Advance(10 * time.Minute)
	l.Allow("new", 1, time.Minute)

	assert.Equal(t, 1, l.CleanupExpired(5*time.Minute))
	_, ok := l.Remaining("old")
	assert.False(t, ok)
	_, ok = l.Remaining("new")
	assert.True(t, ok)
}

func TestLimiter_StartCleanupStopsWithContext(t *testing.T) {
	l, _ := newTestLimiter()
	ctx, cancel := context.WithCancel(context.Background())
	l.StartCleanup(ctx, time.Millisecond, time.Hour)
	cancel()
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared", 10, time.Minute) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowed.Load())
}

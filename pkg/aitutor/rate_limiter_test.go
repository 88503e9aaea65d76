package aitutor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(config RateLimitConfig, clock *stepClock) *MemoryRateLimiter {
	limiter := NewMemoryRateLimiter(config)
	limiter.now = clock.Now
	return limiter
}

func TestMemoryRateLimiter_TokenBucket(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(RateLimitConfig{Rate: 10, Window: time.Second, Burst: 20}, clock)
	ctx := context.Background()

	allowed, info, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 19, info.Remaining) // Burst - 1
	assert.Equal(t, 10, info.Limit)

	for i := 0; i < 19; i++ {
		allowed, _, err := limiter.Allow(ctx, "user1")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}

	allowed, info, err = limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, clock.Now().Add(100*time.Millisecond), info.ResetTime)

	// other users have their own bucket
	allowed, _, _ = limiter.Allow(ctx, "user2")
	assert.True(t, allowed)

	// one token refills every 100ms
	clock.Advance(100 * time.Millisecond)
	allowed, _, _ = limiter.Allow(ctx, "user1")
	assert.True(t, allowed)
	allowed, _, _ = limiter.Allow(ctx, "user1")
	assert.False(t, allowed)
}

func TestMemoryRateLimiter_SlidingWindow(t *testing.T) {
	clock := &stepClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter := newTestLimiter(RateLimitConfig{Algorithm: AlgorithmSlidingWindow, Rate: 3, Window: time.Minute}, clock)
	ctx := context.Background()
	first := clock.Now()

	for i := 0; i < 3; i++ {
		allowed, info, err := limiter.Allow(ctx, "user1")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 2-i, info.Remaining)
		clock.Advance(10 * time.Second)
	}

	allowed, info, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, first.Add(time.Minute), info.ResetTime)

	clock.Advance(31 * time.Second) // the first request left the window
	allowed, _, _ = limiter.Allow(ctx, "user1")
	assert.True(t, allowed)
}

func TestMemoryRateLimiter_ZeroRate(t *testing.T) {
	clock := &stepClock{now: time.Now()}
	limiter := newTestLimiter(RateLimitConfig{Rate: 0, Window: time.Second}, clock)

	allowed, info, err := limiter.Allow(context.Background(), "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.True(t, info.ResetTime.After(clock.Now()))
}

func TestMemoryRateLimiter_Concurrent(t *testing.T) {
	limiter := NewMemoryRateLimiter(RateLimitConfig{Rate: 10, Window: time.Hour})

	var allowedCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := limiter.Allow(context.Background(), "user1"); ok {
				allowedCount.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), allowedCount.Load())
}

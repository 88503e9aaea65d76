package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

var _ aitutor.RateLimiter = (*RateLimiter)(nil)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRateLimiter(t *testing.T, config aitutor.RateLimitConfig) (*RateLimiter, *fakeClock) {
	t.Helper()
	_, client := setupTestRedis(t)
	limiter, err := NewRateLimiter(client, "", config)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	limiter.now = clock.Now
	return limiter, clock
}

func TestNewRateLimiter(t *testing.T) {
	_, client := setupTestRedis(t)

	_, err := NewRateLimiter(nil, "", aitutor.RateLimitConfig{Rate: 1})
	assert.Error(t, err)

	_, err = NewRateLimiter(client, "", aitutor.RateLimitConfig{Algorithm: "leaky", Rate: 1})
	assert.Error(t, err)

	limiter, err := NewRateLimiter(client, "", aitutor.RateLimitConfig{Rate: 5})
	require.NoError(t, err)
	assert.Equal(t, aitutor.AlgorithmTokenBucket, limiter.config.Algorithm)
	assert.Equal(t, time.Minute, limiter.config.Window)
	assert.Equal(t, 5, limiter.config.Burst)
	assert.Equal(t, "aitutor:", limiter.prefix)
}

func TestRateLimiter_TokenBucket(t *testing.T) {
	limiter, clock := newTestRateLimiter(t, aitutor.RateLimitConfig{Rate: 10, Window: time.Second, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, info, err := limiter.Allow(ctx, "user1")
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, 2-i, info.Remaining)
		assert.Equal(t, 10, info.Limit)
	}

	allowed, info, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.True(t, clock.Now().Add(100*time.Millisecond).Equal(info.ResetTime))

	// other users are unaffected
	allowed, _, err = limiter.Allow(ctx, "user2")
	require.NoError(t, err)
	assert.True(t, allowed)

	clock.Advance(100 * time.Millisecond)
	allowed, _, err = limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, allowed, "one token refilled")
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	limiter, clock := newTestRateLimiter(t, aitutor.RateLimitConfig{
		Algorithm: aitutor.AlgorithmSlidingWindow, Rate: 2, Window: time.Minute,
	})
	ctx := context.Background()
	first := clock.Now()

	// two requests in the same millisecond must both count
	for i := 0; i < 2; i++ {
		allowed, _, err := limiter.Allow(ctx, "user1")
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, info, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.True(t, first.Add(time.Minute).Equal(info.ResetTime))

	clock.Advance(time.Minute + time.Millisecond)
	allowed, info, err = limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, info.Remaining)
}

func TestRateLimiter_DeniedResetIsInFuture(t *testing.T) {
	limiter, _ := newTestRateLimiter(t, aitutor.RateLimitConfig{Rate: 1, Window: time.Hour})
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, info, err := limiter.Allow(ctx, "user1")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, info.ResetTime.Sub(limiter.now()), time.Duration(0))
}

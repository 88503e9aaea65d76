package aitutor

import (
	"context"
	"sync"
	"time"
)

const (
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmSlidingWindow = "sliding_window"
)

// RateLimitConfig configures per-user request throttling
type RateLimitConfig struct {
	// Algorithm is AlgorithmTokenBucket (default) or AlgorithmSlidingWindow
	Algorithm string

	// Rate is the number of requests allowed per Window
	Rate int

	// Window is the refill or sliding window duration
	Window time.Duration

	// Burst is the token bucket capacity (default: Rate)
	Burst int
}

// RateLimitInfo describes the limiter state after a decision
type RateLimitInfo struct {
	Remaining int
	ResetTime time.Time
	Limit     int
}

// RateLimiter throttles requests per user before any quota is reserved.
type RateLimiter interface {
	// Allow reports whether the user may issue another request now.
	// When denied, info.ResetTime is when the next request would be allowed.
	Allow(ctx context.Context, userID string) (bool, *RateLimitInfo, error)
}

// MemoryRateLimiter implements RateLimiter using in-memory state.
// Useful for single-instance deployments.
type MemoryRateLimiter struct {
	config RateLimitConfig
	now    func() time.Time

	mu             sync.Mutex
	tokenBuckets   map[string]*tokenBucketState
	slidingWindows map[string]*slidingWindowState
}

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     int
	lastRefill time.Time
}

type slidingWindowState struct {
	mu         sync.Mutex
	timestamps []time.Time
}

// NewMemoryRateLimiter creates a new in-memory rate limiter
func NewMemoryRateLimiter(config RateLimitConfig) *MemoryRateLimiter {
	if config.Algorithm == "" {
		config.Algorithm = AlgorithmTokenBucket
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	return &MemoryRateLimiter{
		config:         config,
		now:            time.Now,
		tokenBuckets:   make(map[string]*tokenBucketState),
		slidingWindows: make(map[string]*slidingWindowState),
	}
}

// Allow checks if a request is allowed based on the rate limit
func (r *MemoryRateLimiter) Allow(_ context.Context, userID string) (bool, *RateLimitInfo, error) {
	now := r.now().UTC()
	if r.config.Algorithm == AlgorithmSlidingWindow {
		return r.allowSlidingWindow(userID, now)
	}
	return r.allowTokenBucket(userID, now)
}

func (r *MemoryRateLimiter) allowTokenBucket(key string, now time.Time) (bool, *RateLimitInfo, error) {
	cfg := r.config

	r.mu.Lock()
	bucket, exists := r.tokenBuckets[key]
	if !exists {
		bucket = &tokenBucketState{tokens: cfg.Burst, lastRefill: now}
		r.tokenBuckets[key] = bucket
	}
	r.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	// Refill tokens based on elapsed time
	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 && cfg.Rate > 0 {
		tokensToAdd := int(float64(cfg.Rate) * elapsed.Seconds() / cfg.Window.Seconds())
		if tokensToAdd > 0 {
			bucket.tokens = min(bucket.tokens+tokensToAdd, cfg.Burst)
			bucket.lastRefill = now
		}
	}

	if bucket.tokens <= 0 {
		// Zero rate means no tokens ever available
		next := now.Add(cfg.Window)
		if cfg.Rate > 0 {
			next = bucket.lastRefill.Add(cfg.Window / time.Duration(cfg.Rate))
			if !next.After(now) {
				next = now.Add(cfg.Window / time.Duration(cfg.Rate))
			}
		}
		return false, &RateLimitInfo{Remaining: 0, ResetTime: next, Limit: cfg.Rate}, nil
	}

	bucket.tokens--

	resetTime := now
	if missing := cfg.Burst - bucket.tokens; missing > 0 && cfg.Rate > 0 {
		resetTime = now.Add(time.Duration(float64(missing) * float64(cfg.Window) / float64(cfg.Rate)))
	}
	return true, &RateLimitInfo{Remaining: bucket.tokens, ResetTime: resetTime, Limit: cfg.Rate}, nil
}

func (r *MemoryRateLimiter) allowSlidingWindow(key string, now time.Time) (bool, *RateLimitInfo, error) {
	cfg := r.config

	r.mu.Lock()
	window, exists := r.slidingWindows[key]
	if !exists {
		window = &slidingWindowState{}
		r.slidingWindows[key] = window
	}
	r.mu.Unlock()

	window.mu.Lock()
	defer window.mu.Unlock()

	// Drop timestamps outside the window
	cutoff := now.Add(-cfg.Window)
	valid := window.timestamps[:0]
	for _, ts := range window.timestamps {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	window.timestamps = valid

	if len(window.timestamps) >= cfg.Rate {
		resetTime := now.Add(cfg.Window)
		if len(window.timestamps) > 0 {
			resetTime = window.timestamps[0].Add(cfg.Window)
		}
		return false, &RateLimitInfo{Remaining: 0, ResetTime: resetTime, Limit: cfg.Rate}, nil
	}

	window.timestamps = append(window.timestamps, now)
	return true, &RateLimitInfo{
		Remaining: cfg.Rate - len(window.timestamps),
		ResetTime: window.timestamps[0].Add(cfg.Window),
		Limit:     cfg.Rate,
	}, nil
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Token bucket state lives in a hash; timestamps are Unix milliseconds.
var tokenBucketScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local rate = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local burst = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local data = redis.call('HMGET', key, 'tokens', 'lastRefill')
	local tokens = burst
	local lastRefill = now

	if data[1] and data[2] then
		tokens = tonumber(data[1]) or burst
		lastRefill = tonumber(data[2]) or now
	end

	-- Refill tokens based on elapsed time
	local elapsed = now - lastRefill
	if elapsed > 0 and rate > 0 then
		local tokensToAdd = math.floor(rate * elapsed / window)
		if tokensToAdd > 0 then
			tokens = math.min(tokens + tokensToAdd, burst)
			lastRefill = now
		end
	end

	local allowed = 1
	local remaining = tokens
	local resetTime = now

	if tokens <= 0 then
		allowed = 0
		remaining = 0
		if rate > 0 then
			resetTime = lastRefill + math.ceil(window / rate)
			if resetTime <= now then
				resetTime = now + math.ceil(window / rate)
			end
		else
			resetTime = now + window
		end
	else
		tokens = tokens - 1
		remaining = tokens
		if tokens < burst and rate > 0 then
			resetTime = now + math.ceil((burst - tokens) * window / rate)
		end
	end

	redis.call('HSET', key, 'tokens', tokens, 'lastRefill', lastRefill)
	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	end

	return {allowed, remaining, resetTime}
`)

// Sliding window entries are scored by Unix milliseconds with unique members.
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local limit = tonumber(ARGV[2])
	local window = tonumber(ARGV[3])
	local ttl = tonumber(ARGV[4])
	local member = ARGV[5]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)

	local allowed = 1
	local remaining = 0
	local resetTime = now + window

	if count >= limit then
		allowed = 0
	else
		redis.call('ZADD', key, now, member)
		remaining = limit - count - 1
	end

	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest and #oldest >= 2 then
		resetTime = tonumber(oldest[2]) + window
	end

	if ttl > 0 then
		redis.call('PEXPIRE', key, ttl)
	end

	return {allowed, remaining, resetTime}
`)

// RateLimiter implements aitutor.RateLimiter on Redis, so the limit holds
// across every instance sharing the server.
type RateLimiter struct {
	client redis.UniversalClient
	prefix string
	config aitutor.RateLimitConfig
	now    func() time.Time
}

// NewRateLimiter creates a Redis-backed rate limiter. Keys are prefixed with keyPrefix (default: "aitutor:").
func NewRateLimiter(client redis.UniversalClient, keyPrefix string, config aitutor.RateLimitConfig) (*RateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if keyPrefix == "" {
		keyPrefix = "aitutor:"
	}
	if config.Algorithm == "" {
		config.Algorithm = aitutor.AlgorithmTokenBucket
	}
	if config.Algorithm != aitutor.AlgorithmTokenBucket && config.Algorithm != aitutor.AlgorithmSlidingWindow {
		return nil, fmt.Errorf("unknown rate limit algorithm: %s", config.Algorithm)
	}
	if config.Window <= 0 {
		config.Window = time.Minute
	}
	if config.Burst <= 0 {
		config.Burst = config.Rate
	}
	return &RateLimiter{client: client, prefix: keyPrefix, config: config, now: time.Now}, nil
}

// Allow implements aitutor.RateLimiter
func (r *RateLimiter) Allow(ctx context.Context, userID string) (bool, *aitutor.RateLimitInfo, error) {
	cfg := r.config
	key := fmt.Sprintf("%sratelimit:%s", r.prefix, userID)
	now := r.now().UnixMilli()
	window := cfg.Window.Milliseconds()
	ttl := window * 2 // keep state for 2x window to allow cleanup

	var result interface{}
	var err error
	if cfg.Algorithm == aitutor.AlgorithmSlidingWindow {
		result, err = slidingWindowScript.Run(ctx, r.client, []string{key},
			now, cfg.Rate, window, ttl, uuid.NewString()).Result()
	} else {
		result, err = tokenBucketScript.Run(ctx, r.client, []string{key},
			now, cfg.Rate, window, cfg.Burst, ttl).Result()
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to execute rate limit script: %w", err)
	}

	// Parse result: {allowed, remaining, resetTime}
	res, ok := result.([]interface{})
	if !ok || len(res) != 3 {
		return false, nil, fmt.Errorf("unexpected result from rate limit script: %v", result)
	}
	values := make([]int64, 3)
	for i, v := range res {
		n, ok := v.(int64)
		if !ok {
			return false, nil, fmt.Errorf("unexpected value type from rate limit script: %T", v)
		}
		values[i] = n
	}

	return values[0] == 1, &aitutor.RateLimitInfo{
		Remaining: int(values[1]),
		ResetTime: time.UnixMilli(values[2]).UTC(),
		Limit:     cfg.Rate,
	}, nil
}

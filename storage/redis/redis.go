// Package redis provides a Redis implementation of the aitutor.Storage interface.
// This implementation uses atomic operations via Lua scripts for transaction safety.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Storage implements aitutor.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "aitutor:")
	KeyPrefix string

	// EntitlementTTL is the TTL for entitlement keys (0 = no expiration)
	EntitlementTTL time.Duration

	// UsageRetention is how long a usage counter outlives the end of its period (default: 24h)
	UsageRetention time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:      "aitutor:",
		EntitlementTTL: 0,
		UsageRetention: 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "aitutor:"
	}
	if config.UsageRetention <= 0 {
		config.UsageRetention = 24 * time.Hour
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts used for atomic counter updates
func (s *Storage) loadScripts() {
	// Check-and-increment in one round trip. A limit of -1 disables the check.
	s.scripts["consume"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local amount = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local expireAt = tonumber(ARGV[7])

		local current = redis.call('HGET', usageKey, 'used')
		local currentUsed = 0
		if current then
			currentUsed = tonumber(current)
		end
		if currentUsed < 0 then
			currentUsed = 0
		end

		if amount == 0 then
			return {currentUsed, 'ok'}
		end

		local newUsed = currentUsed + amount
		if limit >= 0 and newUsed > limit then
			return {currentUsed, 'quota_exceeded'}
		end

		redis.call('HSET', usageKey,
			'used', newUsed,
			'limit', limit,
			'tier', ARGV[3],
			'start', ARGV[4],
			'end', ARGV[5],
			'updated', ARGV[6])

		if expireAt > 0 then
			redis.call('EXPIREAT', usageKey, expireAt)
		end

		return {newUsed, 'ok'}
	`)

	// Decrement floored at zero; a missing counter stays missing.
	s.scripts["refund"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local amount = tonumber(ARGV[1])

		local current = redis.call('HGET', usageKey, 'used')
		if not current then
			return 0
		end

		local newUsed = tonumber(current) - amount
		if newUsed < 0 then
			newUsed = 0
		end

		redis.call('HSET', usageKey, 'used', newUsed, 'updated', ARGV[2])
		return newUsed
	`)

	// Create the counter only if it does not exist yet.
	s.scripts["seed"] = redis.NewScript(`
		local usageKey = KEYS[1]
		local expireAt = tonumber(ARGV[5])

		if redis.call('EXISTS', usageKey) == 1 then
			return 0
		end

		redis.call('HSET', usageKey,
			'used', ARGV[1],
			'start', ARGV[2],
			'end', ARGV[3],
			'updated', ARGV[4])

		if expireAt > 0 then
			redis.call('EXPIREAT', usageKey, expireAt)
		end
		return 1
	`)
}

// GetEntitlement implements aitutor.Storage
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*aitutor.Entitlement, error) {
	data, err := s.client.Get(ctx, s.entitlementKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, aitutor.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	var ent aitutor.Entitlement
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
	}
	return &ent, nil
}

// SetEntitlement implements aitutor.Storage
func (s *Storage) SetEntitlement(ctx context.Context, ent *aitutor.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	data, err := json.Marshal(ent)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	if err := s.client.Set(ctx, s.entitlementKey(ent.UserID), data, s.config.EntitlementTTL).Err(); err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements aitutor.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, period aitutor.Period) (*aitutor.Usage, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(userID, period)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil // No usage yet
	}

	usage := &aitutor.Usage{UserID: userID, Period: period, Tier: fields["tier"]}
	if usage.Used, err = intField(fields, "used"); err != nil {
		return nil, err
	}
	if usage.Limit, err = intField(fields, "limit"); err != nil {
		return nil, err
	}
	if updated, err := intField(fields, "updated"); err == nil && updated > 0 {
		usage.UpdatedAt = time.Unix(int64(updated), 0).UTC()
	}
	return usage, nil
}

// ConsumeQuota implements aitutor.Storage with atomic consumption via Lua script
func (s *Storage) ConsumeQuota(ctx context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	result, err := s.scripts["consume"].Run(
		ctx,
		s.client,
		[]string{s.usageKey(req.UserID, req.Period)},
		req.Amount,
		req.Limit,
		req.Tier,
		req.Period.Start.Unix(),
		req.Period.End.Unix(),
		time.Now().Unix(),
		s.expireAt(req.Period),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to execute consume script: %w", err)
	}

	used, status, err := parseConsumeResult(result)
	if err != nil {
		return 0, err
	}
	if status == "quota_exceeded" {
		return used, aitutor.ErrQuotaExceeded
	}
	return used, nil
}

// RefundQuota implements aitutor.Storage, flooring usage at zero
func (s *Storage) RefundQuota(ctx context.Context, req *aitutor.RefundRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	used, err := s.scripts["refund"].Run(
		ctx,
		s.client,
		[]string{s.usageKey(req.UserID, req.Period)},
		req.Amount,
		time.Now().Unix(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to execute refund script: %w", err)
	}
	return used, nil
}

// SetUsage implements aitutor.Storage
func (s *Storage) SetUsage(ctx context.Context, userID string, used int, period aitutor.Period) error {
	key := s.usageKey(userID, period)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"used", used,
		"start", period.Start.Unix(),
		"end", period.End.Unix(),
		"updated", time.Now().Unix(),
	)
	if at := s.expireAt(period); at > 0 {
		pipe.ExpireAt(ctx, key, time.Unix(at, 0))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	return nil
}

// SeedUsage implements aitutor.UsageSeeder with an atomic exists-or-create script
func (s *Storage) SeedUsage(ctx context.Context, userID string, used int, period aitutor.Period) (bool, error) {
	if used < 0 {
		return false, aitutor.ErrInvalidAmount
	}

	created, err := s.scripts["seed"].Run(
		ctx,
		s.client,
		[]string{s.usageKey(userID, period)},
		used,
		period.Start.Unix(),
		period.End.Unix(),
		time.Now().Unix(),
		s.expireAt(period),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to execute seed script: %w", err)
	}
	return created == 1, nil
}

// Now implements aitutor.TimeSource using the Redis server clock, so every
// instance sharing the server agrees on period boundaries.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	now, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read server time: %w", err)
	}
	return now.UTC(), nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) expireAt(period aitutor.Period) int64 {
	if period.End.IsZero() {
		return 0
	}
	return period.End.Add(s.config.UsageRetention).Unix()
}

// entitlementKey generates the Redis key for an entitlement
func (s *Storage) entitlementKey(userID string) string {
	return fmt.Sprintf("%sentitlement:%s", s.config.KeyPrefix, userID)
}

// usageKey generates the Redis key for usage tracking
func (s *Storage) usageKey(userID string, period aitutor.Period) string {
	return fmt.Sprintf("%susage:%s:%s:%s", s.config.KeyPrefix, userID, period.Type, period.Key())
}

func parseConsumeResult(result interface{}) (used int, status string, err error) {
	res, ok := result.([]interface{})
	if !ok || len(res) != 2 {
		return 0, "", fmt.Errorf("unexpected result from consume script: %v", result)
	}
	n, ok := res[0].(int64)
	if !ok {
		return 0, "", fmt.Errorf("unexpected usage type from consume script: %T", res[0])
	}
	status, ok = res[1].(string)
	if !ok {
		return 0, "", fmt.Errorf("unexpected status type from consume script: %T", res[1])
	}
	return int(n), status, nil
}

func intField(fields map[string]string, name string) (int, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to parse usage %s: %w", name, err)
	}
	return n, nil
}

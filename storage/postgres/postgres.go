// Package postgres provides a PostgreSQL implementation of the aitutor.Storage interface.
// This implementation uses SQL transactions with SELECT FOR UPDATE for atomic quota operations.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Schema creates the tables used by Storage. Migrate applies it.
//
//go:embed schema.sql
var Schema string

// Storage implements aitutor.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	UsageRetention  time.Duration // How long usage rows outlive their period
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		UsageRetention:  7 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Hour
	}
	if config.UsageRetention <= 0 {
		config.UsageRetention = 7 * 24 * time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntitlement implements aitutor.Storage
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*aitutor.Entitlement, error) {
	var ent aitutor.Entitlement
	var start *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier_id, subscription_start, updated_at
			FROM entitlements WHERE user_id = $1`,
		userID).Scan(&ent.UserID, &ent.Tier, &start, &ent.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, aitutor.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	if start != nil {
		ent.SubscriptionStartDate = start.UTC()
	}
	return &ent, nil
}

// SetEntitlement implements aitutor.Storage
func (s *Storage) SetEntitlement(ctx context.Context, ent *aitutor.Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return fmt.Errorf("invalid entitlement")
	}

	var start *time.Time
	if !ent.SubscriptionStartDate.IsZero() {
		start = &ent.SubscriptionStartDate
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlements (user_id, tier_id, subscription_start, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_id) DO UPDATE SET
				tier_id = EXCLUDED.tier_id,
				subscription_start = EXCLUDED.subscription_start,
				updated_at = EXCLUDED.updated_at`,
		ent.UserID, ent.Tier, start, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set entitlement: %w", err)
	}
	return nil
}

// GetUsage implements aitutor.Storage
func (s *Storage) GetUsage(ctx context.Context, userID string, period aitutor.Period) (*aitutor.Usage, error) {
	usage := aitutor.Usage{UserID: userID, Period: period}

	err := s.pool.QueryRow(ctx,
		`SELECT used, limit_amount, tier, updated_at
			FROM request_usage
			WHERE user_id = $1 AND period_type = $2 AND period_start = $3`,
		userID, string(period.Type), period.Start).Scan(
		&usage.Used,
		&usage.Limit,
		&usage.Tier,
		&usage.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return &usage, nil
}

// SetUsage implements aitutor.Storage
func (s *Storage) SetUsage(ctx context.Context, userID string, used int, period aitutor.Period) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO request_usage (user_id, period_type, period_start, period_end, used, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, period_type, period_start) DO UPDATE SET
				used = EXCLUDED.used,
				updated_at = EXCLUDED.updated_at`,
		userID, string(period.Type), period.Start, period.End, used, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to set usage: %w", err)
	}
	return nil
}

// SeedUsage implements aitutor.UsageSeeder; an existing row is left untouched
func (s *Storage) SeedUsage(ctx context.Context, userID string, used int, period aitutor.Period) (bool, error) {
	if used < 0 {
		return false, aitutor.ErrInvalidAmount
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO request_usage (user_id, period_type, period_start, period_end, used, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, period_type, period_start) DO NOTHING`,
		userID, string(period.Type), period.Start, period.End, used, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed usage: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ConsumeQuota implements aitutor.Storage with atomic consumption via transaction
func (s *Storage) ConsumeQuota(ctx context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure the row exists so the lock below always has something to hold
	_, err = tx.Exec(ctx,
		`INSERT INTO request_usage
				(user_id, period_type, period_start, period_end, used, limit_amount, tier, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7)
			ON CONFLICT (user_id, period_type, period_start) DO NOTHING`,
		req.UserID, string(req.Period.Type), req.Period.Start, req.Period.End,
		req.Limit, req.Tier, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure usage record exists: %w", err)
	}

	var currentUsed int
	err = tx.QueryRow(ctx,
		`SELECT used FROM request_usage
			WHERE user_id = $1 AND period_type = $2 AND period_start = $3
			FOR UPDATE`,
		req.UserID, string(req.Period.Type), req.Period.Start).Scan(&currentUsed)
	if err != nil {
		return 0, fmt.Errorf("failed to get usage for update: %w", err)
	}
	currentUsed = max(currentUsed, 0)

	if req.Amount == 0 {
		return currentUsed, nil
	}

	newUsed := currentUsed + req.Amount
	if req.Limit != aitutor.Unlimited && newUsed > req.Limit {
		return currentUsed, aitutor.ErrQuotaExceeded
	}

	_, err = tx.Exec(ctx,
		`UPDATE request_usage
			SET used = $1, limit_amount = $2, tier = $3, updated_at = NOW()
			WHERE user_id = $4 AND period_type = $5 AND period_start = $6`,
		newUsed, req.Limit, req.Tier, req.UserID, string(req.Period.Type), req.Period.Start)
	if err != nil {
		return 0, fmt.Errorf("failed to update usage: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newUsed, nil
}

// RefundQuota implements aitutor.Storage. A single UPDATE is atomic on its row.
func (s *Storage) RefundQuota(ctx context.Context, req *aitutor.RefundRequest) (int, error) {
	if req.Amount < 0 {
		return 0, aitutor.ErrInvalidAmount
	}

	var used int
	err := s.pool.QueryRow(ctx,
		`UPDATE request_usage
			SET used = GREATEST(used - $1, 0), updated_at = NOW()
			WHERE user_id = $2 AND period_type = $3 AND period_start = $4
			RETURNING used`,
		req.Amount, req.UserID, string(req.Period.Type), req.Period.Start).Scan(&used)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to refund usage: %w", err)
	}
	return used, nil
}

// Now implements aitutor.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("failed to read database time: %w", err)
	}
	return now.UTC(), nil
}

// startCleanup periodically deletes usage rows of long-finished periods.
// It uses a dedicated context that is canceled via Close().
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // the next tick retries
			_, _ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes usage rows whose period ended more than UsageRetention ago
// and returns how many were removed.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.UsageRetention)
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_usage WHERE period_end < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Package tiered provides a Hot/Cold tiered storage adapter that orchestrates
// fast ephemeral storage (Hot) with durable persistent storage (Cold) using
// different data strategies optimized for each operation type.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 storage (e.g., Redis, Memory) enforcing admission.
	// It must implement aitutor.UsageSeeder so Cold usage can be copied in
	// without racing concurrent consumption.
	Hot aitutor.Storage

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) as the source of truth
	Cold aitutor.Storage

	// AsyncUsageSync enables non-blocking synchronization of ConsumeQuota
	// to Cold. If false, writes are synchronous (slower but safer).
	AsyncUsageSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// Logger reports consistency drift between Hot and Cold (default: NoopLogger)
	Logger aitutor.Logger

	// AsyncErrorHandler is called when a Cold sync fails (optional)
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// It orchestrates two storage backends with different strategies per operation type:
// - Read-Through: Entitlements, Usage reads (Hot → Cold)
// - Write-Through: Entitlements, Usage overwrites, Refunds (Cold → Hot)
// - Hot-Primary/Async-Audit: Quota consumption (Hot atomic + Cold sync)
type Storage struct {
	hot    aitutor.Storage
	seeder aitutor.UsageSeeder
	cold   aitutor.Storage
	conf   Config
	logger aitutor.Logger

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, fmt.Errorf("%w: tiered storage needs both hot and cold storage", aitutor.ErrInvalidConfig)
	}
	seeder, ok := config.Hot.(aitutor.UsageSeeder)
	if !ok {
		return nil, fmt.Errorf("%w: hot storage %T does not implement aitutor.UsageSeeder", aitutor.ErrInvalidConfig, config.Hot)
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}
	if config.Logger == nil {
		config.Logger = &aitutor.NoopLogger{}
	}

	s := &Storage{
		hot:       config.Hot,
		seeder:    seeder,
		cold:      config.Cold,
		conf:      config,
		logger:    config.Logger,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncUsageSync {
		s.startWorker()
	}

	return s, nil
}

// Close drains pending Cold writes and stops the async worker (if enabled).
func (s *Storage) Close() error {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially, preserving per-user causal order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportDrift(fmt.Errorf("tiered sync failed: %w", err))
				}
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						if err := job(); err != nil {
							s.reportDrift(fmt.Errorf("tiered sync failed during shutdown: %w", err))
						}
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportDrift(err error) {
	s.logger.Warn("tiered storage drift", aitutor.ErrField(err))
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetEntitlement implements aitutor.Storage with read-through strategy.
func (s *Storage) GetEntitlement(ctx context.Context, userID string) (*aitutor.Entitlement, error) {
	ent, err := s.hot.GetEntitlement(ctx, userID)
	if err == nil {
		return ent, nil
	}

	ent, err = s.cold.GetEntitlement(ctx, userID)
	if err != nil {
		return nil, err
	}

	// Cache fill; Cold stays the source of truth
	_ = s.hot.SetEntitlement(ctx, ent)
	return ent, nil
}

// GetUsage implements aitutor.Storage with read-through strategy.
func (s *Storage) GetUsage(ctx context.Context, userID string, period aitutor.Period) (*aitutor.Usage, error) {
	usage, err := s.hot.GetUsage(ctx, userID, period)
	if err == nil && usage != nil {
		return usage, nil
	}

	usage, err = s.cold.GetUsage(ctx, userID, period)
	if err != nil {
		return nil, err
	}
	if usage != nil {
		// Seeding never overwrites a counter Hot created meanwhile
		_, _ = s.seeder.SeedUsage(ctx, userID, usage.Used, period)
	}
	return usage, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---
// Critical data must be durable first.

// SetEntitlement implements aitutor.Storage with write-through strategy.
func (s *Storage) SetEntitlement(ctx context.Context, ent *aitutor.Entitlement) error {
	if err := s.cold.SetEntitlement(ctx, ent); err != nil {
		return err
	}
	if err := s.hot.SetEntitlement(ctx, ent); err != nil {
		s.reportDrift(fmt.Errorf("hot entitlement write for %s: %w", ent.UserID, err))
	}
	return nil
}

// SetUsage implements aitutor.Storage with write-through strategy.
func (s *Storage) SetUsage(ctx context.Context, userID string, used int, period aitutor.Period) error {
	if err := s.cold.SetUsage(ctx, userID, used, period); err != nil {
		return err
	}
	if err := s.hot.SetUsage(ctx, userID, used, period); err != nil {
		s.reportDrift(fmt.Errorf("hot usage write for %s: %w", userID, err))
	}
	return nil
}

// RefundQuota implements aitutor.Storage. Hot is refunded first since it
// enforces admission; the Cold refund follows the same path as consumption.
func (s *Storage) RefundQuota(ctx context.Context, req *aitutor.RefundRequest) (int, error) {
	newUsed, err := s.hot.RefundQuota(ctx, req)
	if err != nil {
		return newUsed, err
	}

	reqClone := *req
	s.toCold(ctx, func(ctx context.Context) error {
		_, err := s.cold.RefundQuota(ctx, &reqClone)
		return err
	})
	return newUsed, nil
}

// --- Strategy: Hot-Primary / Async Audit ---
// High frequency operations optimized for latency.

// ConsumeQuota implements aitutor.Storage with hot-primary/async-audit
// strategy. Hot enforces the limit atomically; Cold records the increment
// without re-checking it. A period unknown to Hot is first seeded from Cold,
// so a restarted Hot store does not hand out a fresh quota.
func (s *Storage) ConsumeQuota(ctx context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if err := s.warm(ctx, req.UserID, req.Period); err != nil {
		return 0, err
	}

	newUsed, err := s.hot.ConsumeQuota(ctx, req)
	if err != nil {
		return newUsed, err
	}
	if req.Amount == 0 {
		return newUsed, nil
	}

	reqClone := *req
	reqClone.Limit = aitutor.Unlimited
	s.toCold(ctx, func(ctx context.Context) error {
		_, err := s.cold.ConsumeQuota(ctx, &reqClone)
		return err
	})
	return newUsed, nil
}

// warm copies Cold usage into Hot when Hot has no record for the period.
// The copy is create-only: a request that reads a stale Cold snapshot cannot
// overwrite the counter a concurrent request already seeded and incremented.
func (s *Storage) warm(ctx context.Context, userID string, period aitutor.Period) error {
	usage, err := s.hot.GetUsage(ctx, userID, period)
	if err != nil {
		return err
	}
	if usage != nil {
		return nil
	}
	cold, err := s.cold.GetUsage(ctx, userID, period)
	if err != nil || cold == nil || cold.Used == 0 {
		// Cold outages must not block admission; Hot enforces the limit alone
		return nil
	}
	_, err = s.seeder.SeedUsage(ctx, userID, cold.Used, period)
	return err
}

// toCold runs write against Cold, queued when async sync is enabled
func (s *Storage) toCold(ctx context.Context, write func(context.Context) error) {
	if !s.conf.AsyncUsageSync {
		if err := write(ctx); err != nil {
			s.reportDrift(fmt.Errorf("tiered storage: sync cold write failed: %w", err))
		}
		return
	}

	select {
	case s.syncQueue <- func() error {
		// not bound to the request, which may already be done
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return write(ctx)
	}:
	default:
		s.reportDrift(errors.New("tiered storage: sync queue full, dropping cold write"))
	}
}

// --- TimeSource Support ---

// Now uses Hot store time for consistency (usually Redis TIME).
// Falls back to Cold if Hot doesn't support it, then local time.
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	if ts, ok := s.hot.(aitutor.TimeSource); ok {
		return ts.Now(ctx)
	}
	if ts, ok := s.cold.(aitutor.TimeSource); ok {
		return ts.Now(ctx)
	}
	return time.Now().UTC(), nil
}

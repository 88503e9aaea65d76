package aitutor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Ledger tracks per-user, per-period request usage against tier limits.
// Every check-and-increment is delegated to Storage.ConsumeQuota, which
// must run atomically.
type Ledger struct {
	storage    Storage
	config     Config
	classifier *Classifier
	timeSource TimeSource
	logger     Logger
	metrics    Metrics
	now        func() time.Time
}

// NewLedger creates a quota ledger over storage.
func NewLedger(storage Storage, config Config) (*Ledger, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if len(config.Tiers) == 0 {
		return nil, fmt.Errorf("%w: at least one tier is required", ErrInvalidConfig)
	}

	// Set defaults
	if config.DefaultTier == "" {
		if _, ok := config.Tiers["free"]; ok {
			config.DefaultTier = "free"
		}
	}
	if _, ok := config.Tiers[config.DefaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q is not configured", ErrInvalidConfig, config.DefaultTier)
	}
	for name, tier := range config.Tiers {
		if tier.Limit < Unlimited {
			return nil, fmt.Errorf("%w: tier %q has negative limit %d", ErrInvalidConfig, name, tier.Limit)
		}
	}
	if config.Period.Type == "" {
		config.Period.Type = PeriodTypeDaily
	}
	if _, err := periodFor(config.Period, time.Time{}, time.Now()); err != nil {
		return nil, err
	}
	if config.Unit == "" {
		config.Unit = "requests"
	}
	thresholds := append([]float64(nil), config.WarningThresholds...)
	sort.Float64s(thresholds)
	config.WarningThresholds = thresholds
	if config.Classifier == nil {
		config.Classifier = NewClassifier()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}

	timeSource := config.TimeSource
	if timeSource == nil {
		if ts, ok := storage.(TimeSource); ok {
			timeSource = ts
		}
	}

	return &Ledger{
		storage:    storage,
		config:     config,
		classifier: config.Classifier,
		timeSource: timeSource,
		logger:     config.Logger,
		metrics:    config.Metrics,
		now:        time.Now,
	}, nil
}

// TryReserve atomically admits one request for userID. On success used has
// already been incremented; on denial the returned *AIError is QUOTA_EXCEEDED
// and nothing changed.
func (l *Ledger) TryReserve(ctx context.Context, userID string, feature Feature) (*Reservation, error) {
	if userID == "" {
		return nil, l.classifier.ClassifyContext(ctx, ErrUnauthenticated)
	}
	if !feature.Valid() {
		return nil, l.classifier.ClassifyContext(ctx, fmt.Errorf("%w: %q", ErrInvalidFeature, feature))
	}

	tier, limit, period, err := l.resolve(ctx, userID)
	if err != nil {
		return nil, l.classifier.ClassifyContext(ctx, err)
	}

	start := time.Now()
	used, err := l.storage.ConsumeQuota(ctx, &ConsumeRequest{
		UserID:  userID,
		Feature: feature,
		Tier:    tier,
		Period:  period,
		Amount:  1,
		Limit:   limit,
	})
	l.metrics.RecordStorageOperation("consume", time.Since(start), ignoreQuotaExceeded(err))
	if err != nil {
		l.metrics.RecordReservation(feature, tier, false)
		if errors.Is(err, ErrQuotaExceeded) {
			l.logger.Debug("quota reservation denied",
				Field{"userId", userID}, Field{"feature", feature}, Field{"used", used}, Field{"limit", limit})
			return nil, l.classifier.ClassifyContext(ctx, ErrQuotaExceeded)
		}
		l.logger.Error("quota reservation failed",
			Field{"userId", userID}, Field{"feature", feature}, ErrField(err))
		return nil, l.classifier.ClassifyContext(ctx, fmt.Errorf("consume quota: %w", err))
	}
	l.metrics.RecordReservation(feature, tier, true)

	l.checkWarnings(ctx, userID, tier, period, used, limit)

	return &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Feature:   feature,
		Tier:      tier,
		Period:    period,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Release gives a reservation back, decrementing used by one floored at zero.
// Only the first Release of a reservation has an effect.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil || !res.released.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	_, err := l.storage.RefundQuota(ctx, &RefundRequest{
		UserID:        res.UserID,
		Period:        res.Period,
		Amount:        1,
		ReservationID: res.ID,
	})
	l.metrics.RecordStorageOperation("refund", time.Since(start), err)
	if err != nil {
		// allow the caller to retry
		res.released.Store(false)
		l.logger.Error("quota release failed",
			Field{"userId", res.UserID}, Field{"reservationId", res.ID}, ErrField(err))
		return l.classifier.ClassifyContext(ctx, fmt.Errorf("refund quota: %w", err))
	}
	l.metrics.RecordRelease(res.Feature)
	return nil
}

// Status returns the user's quota in the current period. It creates nothing;
// a user without usage reads as used = 0.
func (l *Ledger) Status(ctx context.Context, userID string) (*QuotaStatus, error) {
	if userID == "" {
		return nil, l.classifier.ClassifyContext(ctx, ErrUnauthenticated)
	}

	tier, limit, period, err := l.resolve(ctx, userID)
	if err != nil {
		return nil, l.classifier.ClassifyContext(ctx, err)
	}

	start := time.Now()
	usage, err := l.storage.GetUsage(ctx, userID, period)
	l.metrics.RecordStorageOperation("get_usage", time.Since(start), err)
	if err != nil {
		return nil, l.classifier.ClassifyContext(ctx, fmt.Errorf("get usage: %w", err))
	}

	used := 0
	if usage != nil {
		used = usage.Used
	}
	return l.buildStatus(userID, tier, period, used, limit), nil
}

// SetUsed overwrites the user's usage in the current period. Negative values clamp to 0.
func (l *Ledger) SetUsed(ctx context.Context, userID string, n int) error {
	if userID == "" {
		return l.classifier.ClassifyContext(ctx, ErrUnauthenticated)
	}
	if n < 0 {
		n = 0
	}

	_, _, period, err := l.resolve(ctx, userID)
	if err != nil {
		return l.classifier.ClassifyContext(ctx, err)
	}

	start := time.Now()
	err = l.storage.SetUsage(ctx, userID, n, period)
	l.metrics.RecordStorageOperation("set_usage", time.Since(start), err)
	if err != nil {
		return l.classifier.ClassifyContext(ctx, fmt.Errorf("set usage: %w", err))
	}
	l.logger.Info("quota usage overwritten", Field{"userId", userID}, Field{"used", n})
	return nil
}

// SetEntitlement assigns a user to a tier
func (l *Ledger) SetEntitlement(ctx context.Context, ent *Entitlement) error {
	if ent == nil || ent.UserID == "" {
		return l.classifier.New(ctx, CodeValidationError, fmt.Errorf("%w: entitlement requires a user id", ErrInvalidConfig))
	}
	if _, ok := l.config.Tiers[ent.Tier]; !ok {
		return l.classifier.New(ctx, CodeValidationError, fmt.Errorf("%w: unknown tier %q", ErrInvalidConfig, ent.Tier))
	}
	if ent.UpdatedAt.IsZero() {
		ent.UpdatedAt = time.Now().UTC()
	}
	if err := l.storage.SetEntitlement(ctx, ent); err != nil {
		return l.classifier.ClassifyContext(ctx, fmt.Errorf("set entitlement: %w", err))
	}
	return nil
}

// GetEntitlement retrieves a user's entitlement
func (l *Ledger) GetEntitlement(ctx context.Context, userID string) (*Entitlement, error) {
	return l.storage.GetEntitlement(ctx, userID)
}

// resolve determines the user's tier, limit and current period.
func (l *Ledger) resolve(ctx context.Context, userID string) (string, int, Period, error) {
	tier := l.config.DefaultTier
	var anchor time.Time

	ent, err := l.storage.GetEntitlement(ctx, userID)
	switch {
	case err == nil && ent != nil:
		if _, ok := l.config.Tiers[ent.Tier]; ok {
			tier = ent.Tier
		}
		anchor = ent.SubscriptionStartDate
	case err != nil && !errors.Is(err, ErrEntitlementNotFound):
		return "", 0, Period{}, fmt.Errorf("get entitlement: %w", err)
	}

	period, err := periodFor(l.config.Period, anchor, l.currentTime(ctx))
	if err != nil {
		return "", 0, Period{}, err
	}
	return tier, l.config.Tiers[tier].Limit, period, nil
}

// currentTime prefers the configured or storage time source over the local clock
func (l *Ledger) currentTime(ctx context.Context) time.Time {
	if l.timeSource != nil {
		now, err := l.timeSource.Now(ctx)
		if err == nil {
			return now.UTC()
		}
		l.logger.Warn("time source failed, using local clock", ErrField(err))
	}
	return l.now().UTC()
}

func (l *Ledger) buildStatus(userID, tier string, period Period, used, limit int) *QuotaStatus {
	if used < 0 {
		used = 0
	}
	status := &QuotaStatus{
		UserID:  userID,
		Used:    used,
		Limit:   limit,
		ResetAt: period.End,
		Unit:    l.config.Unit,
		Tier:    tier,
	}
	if limit == Unlimited {
		status.IsUnlimited = true
		status.Remaining = Unlimited
		return status
	}
	if status.Used > limit {
		status.Used = limit
	}
	status.Remaining = limit - status.Used
	return status
}

// checkWarnings reports every threshold crossed by the increment to used.
func (l *Ledger) checkWarnings(ctx context.Context, userID, tier string, period Period, used, limit int) {
	if l.config.WarningHandler == nil || limit <= 0 {
		return
	}
	before := float64(used-1) / float64(limit)
	after := float64(used) / float64(limit)
	for _, threshold := range l.config.WarningThresholds {
		if before < threshold && after >= threshold {
			l.config.WarningHandler.OnWarning(ctx, l.buildStatus(userID, tier, period, used, limit), threshold)
		}
	}
}

func ignoreQuotaExceeded(err error) error {
	if errors.Is(err, ErrQuotaExceeded) {
		return nil
	}
	return err
}

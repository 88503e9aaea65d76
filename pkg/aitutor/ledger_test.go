package aitutor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
	"github.com/mihaimyh/aitutor/storage/memory"
)

func TestNewLedger_Validation(t *testing.T) {
	storage := memory.New()

	_, err := aitutor.NewLedger(nil, testQuotaConfig(5))
	assert.ErrorIs(t, err, aitutor.ErrStorageUnavailable)

	_, err = aitutor.NewLedger(storage, aitutor.Config{})
	assert.ErrorIs(t, err, aitutor.ErrInvalidConfig)

	_, err = aitutor.NewLedger(storage, aitutor.Config{
		DefaultTier: "missing",
		Tiers:       map[string]aitutor.TierConfig{"free": {Limit: 5}},
	})
	assert.ErrorIs(t, err, aitutor.ErrInvalidConfig)

	_, err = aitutor.NewLedger(storage, aitutor.Config{
		DefaultTier: "free",
		Tiers:       map[string]aitutor.TierConfig{"free": {Limit: -7}},
	})
	assert.ErrorIs(t, err, aitutor.ErrInvalidConfig)

	config := testQuotaConfig(5)
	config.Period = aitutor.PeriodConfig{Type: aitutor.PeriodTypeInterval}
	_, err = aitutor.NewLedger(storage, config)
	assert.ErrorIs(t, err, aitutor.ErrInvalidPeriod)

	// "free" is picked when no default tier is named
	_, err = aitutor.NewLedger(storage, aitutor.Config{Tiers: map[string]aitutor.TierConfig{"free": {Limit: 1}}})
	assert.NoError(t, err)
}

func TestLedger_StatusWithoutUsage(t *testing.T) {
	clock := newManualClock(time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC))
	config := testQuotaConfig(30)
	config.TimeSource = clock
	ledger, _ := newTestLedger(t, config)

	status, err := ledger.Status(context.Background(), testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 30, status.Limit)
	assert.Equal(t, 30, status.Remaining)
	assert.False(t, status.IsUnlimited)
	assert.Equal(t, "requests", status.Unit)
	assert.Equal(t, "free", status.Tier)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), status.ResetAt)
	assert.True(t, status.ResetAt.After(clock.now))
}

func TestLedger_Monotonicity(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
		require.NoError(t, err)
		status, err := ledger.Status(ctx, testUser)
		require.NoError(t, err)
		assert.Equal(t, i, status.Used)
		assert.LessOrEqual(t, status.Used, status.Limit)
	}
}

func TestLedger_Boundary(t *testing.T) {
	ctx := context.Background()

	t.Run("at limit minus one", func(t *testing.T) {
		ledger, _ := newTestLedger(t, testQuotaConfig(10))
		require.NoError(t, ledger.SetUsed(ctx, testUser, 9))

		_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureQuestionHint)
		require.NoError(t, err)

		_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureQuestionHint)
		requireCode(t, err, aitutor.CodeQuotaExceeded)
	})

	t.Run("at limit", func(t *testing.T) {
		ledger, _ := newTestLedger(t, testQuotaConfig(10))
		require.NoError(t, ledger.SetUsed(ctx, testUser, 10))

		for i := 0; i < 3; i++ {
			_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureQuestionHint)
			requireCode(t, err, aitutor.CodeQuotaExceeded)
		}
		status, _ := ledger.Status(ctx, testUser)
		assert.Equal(t, 10, status.Used, "denials must not change used")
	})
}

func TestLedger_Limit30Used29(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(30))
	ctx := context.Background()
	require.NoError(t, ledger.SetUsed(ctx, testUser, 29))

	_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureTopicExplanation)
	require.NoError(t, err)
	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, 30, status.Used)
	assert.Equal(t, 0, status.Remaining)

	_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureTopicExplanation)
	aiErr := requireCode(t, err, aitutor.CodeQuotaExceeded)
	assert.False(t, aiErr.Retryable)
	assert.ErrorIs(t, err, aitutor.ErrQuotaExceeded)
}

func TestLedger_ReleaseOnce(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	ctx := context.Background()
	require.NoError(t, ledger.SetUsed(ctx, testUser, 2))

	res, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ledger.Release(ctx, res))
		}()
	}
	wg.Wait()

	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, 2, status.Used, "a reservation is given back at most once")

	assert.NoError(t, ledger.Release(ctx, nil))
}

func TestLedger_ReleaseFloorsAtZero(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)
	require.NoError(t, ledger.SetUsed(ctx, testUser, 0))
	require.NoError(t, ledger.Release(ctx, res))

	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, 0, status.Used)
}

func TestLedger_SetUsedClampsNegative(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	ctx := context.Background()

	require.NoError(t, ledger.SetUsed(ctx, testUser, -4))
	status, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Used)
	assert.Equal(t, 5, status.Remaining)
}

func TestLedger_StatusClampsStoredAnomalies(t *testing.T) {
	ledger, storage := newTestLedger(t, testQuotaConfig(5))
	ctx := context.Background()

	// write through storage directly, bypassing the ledger's clamp
	status, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	period := aitutor.Period{Start: status.ResetAt.Add(-24 * time.Hour), End: status.ResetAt, Type: aitutor.PeriodTypeDaily}

	require.NoError(t, storage.SetUsage(ctx, testUser, -3, period))
	status, _ = ledger.Status(ctx, testUser)
	assert.Equal(t, 0, status.Used)

	require.NoError(t, storage.SetUsage(ctx, testUser, 99, period))
	status, _ = ledger.Status(ctx, testUser)
	assert.Equal(t, 5, status.Used)
	assert.Equal(t, 0, status.Remaining)
}

func TestLedger_Unlimited(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(1))
	ctx := context.Background()
	require.NoError(t, ledger.SetEntitlement(ctx, &aitutor.Entitlement{UserID: testUser, Tier: "unlimited"}))

	for i := 0; i < 50; i++ {
		_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
		require.NoError(t, err)
	}
	status, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	assert.True(t, status.IsUnlimited)
	assert.Equal(t, aitutor.Unlimited, status.Remaining)
	assert.Equal(t, 50, status.Used)
}

func TestLedger_UnknownEntitlementTierFallsBack(t *testing.T) {
	ledger, storage := newTestLedger(t, testQuotaConfig(3))
	ctx := context.Background()

	err := ledger.SetEntitlement(ctx, &aitutor.Entitlement{UserID: testUser, Tier: "gold"})
	requireCode(t, err, aitutor.CodeValidationError)

	// a stale tier written directly to storage resolves to the default tier
	require.NoError(t, storage.SetEntitlement(ctx, &aitutor.Entitlement{UserID: testUser, Tier: "gold"}))
	status, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, "free", status.Tier)
	assert.Equal(t, 3, status.Limit)
}

func TestLedger_InvalidArguments(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(3))
	ctx := context.Background()

	_, err := ledger.TryReserve(ctx, "", aitutor.FeatureStudyPlan)
	requireCode(t, err, aitutor.CodeAuthError)

	_, err = ledger.TryReserve(ctx, testUser, aitutor.Feature("essay_grading"))
	requireCode(t, err, aitutor.CodeValidationError)

	_, err = ledger.Status(ctx, "")
	requireCode(t, err, aitutor.CodeAuthError)
}

func TestLedger_DailyRollover(t *testing.T) {
	clock := newManualClock(time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC))
	config := testQuotaConfig(2)
	config.TimeSource = clock
	ledger, _ := newTestLedger(t, config)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
		require.NoError(t, err)
	}
	_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	requireCode(t, err, aitutor.CodeQuotaExceeded)

	before, _ := ledger.Status(ctx, testUser)
	clock.Advance(time.Minute) // now == resetAt

	after, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, 0, after.Used)
	assert.Equal(t, before.ResetAt.Add(24*time.Hour), after.ResetAt)

	_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	assert.NoError(t, err)
}

func TestLedger_ReleaseAfterRolloverLeavesNewPeriod(t *testing.T) {
	clock := newManualClock(time.Date(2026, 5, 10, 23, 59, 0, 0, time.UTC))
	config := testQuotaConfig(2)
	config.TimeSource = clock
	ledger, _ := newTestLedger(t, config)
	ctx := context.Background()

	res, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)

	require.NoError(t, ledger.Release(ctx, res))
	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, 1, status.Used, "release returns quota to the period it was taken from")
}

func TestLedger_IntervalPeriod(t *testing.T) {
	clock := newManualClock(time.Date(2026, 5, 10, 10, 7, 0, 0, time.UTC))
	config := testQuotaConfig(1)
	config.TimeSource = clock
	config.Period = aitutor.PeriodConfig{Type: aitutor.PeriodTypeInterval, Interval: time.Hour}
	ledger, _ := newTestLedger(t, config)
	ctx := context.Background()

	_, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)
	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, time.Date(2026, 5, 10, 11, 0, 0, 0, time.UTC), status.ResetAt)

	clock.Advance(53 * time.Minute)
	_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	assert.NoError(t, err)
}

func TestLedger_MonthlyAnniversary(t *testing.T) {
	clock := newManualClock(time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC))
	config := testQuotaConfig(3)
	config.TimeSource = clock
	config.Period = aitutor.PeriodConfig{Type: aitutor.PeriodTypeMonthly}
	ledger, _ := newTestLedger(t, config)
	ctx := context.Background()

	require.NoError(t, ledger.SetEntitlement(ctx, &aitutor.Entitlement{
		UserID:                testUser,
		Tier:                  "free",
		SubscriptionStartDate: time.Date(2025, 10, 31, 12, 0, 0, 0, time.UTC),
	}))

	status, err := ledger.Status(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), status.ResetAt)
}

type timeSourceFunc func(ctx context.Context) (time.Time, error)

func (f timeSourceFunc) Now(ctx context.Context) (time.Time, error) { return f(ctx) }

func TestLedger_TimeSourceFailureFallsBackToLocalClock(t *testing.T) {
	config := testQuotaConfig(3)
	config.TimeSource = timeSourceFunc(func(context.Context) (time.Time, error) {
		return time.Time{}, errors.New("clock unavailable")
	})
	ledger, _ := newTestLedger(t, config)

	status, err := ledger.Status(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, status.ResetAt.After(time.Now()))
}

type recordingWarnings struct {
	mu         sync.Mutex
	thresholds []float64
	used       []int
}

func (r *recordingWarnings) OnWarning(_ context.Context, status *aitutor.QuotaStatus, threshold float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = append(r.thresholds, threshold)
	r.used = append(r.used, status.Used)
}

func TestLedger_WarningThresholds(t *testing.T) {
	warnings := &recordingWarnings{}
	config := testQuotaConfig(10)
	config.WarningThresholds = []float64{1.0, 0.5, 0.8}
	config.WarningHandler = warnings
	ledger, _ := newTestLedger(t, config)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		_, _ = ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	}

	assert.Equal(t, []float64{0.5, 0.8, 1.0}, warnings.thresholds)
	assert.Equal(t, []int{5, 8, 10}, warnings.used)
}

type failingStorage struct {
	*memory.Storage
	consumeErr error
	refundErr  error
}

func (s *failingStorage) ConsumeQuota(ctx context.Context, req *aitutor.ConsumeRequest) (int, error) {
	if s.consumeErr != nil {
		return 0, s.consumeErr
	}
	return s.Storage.ConsumeQuota(ctx, req)
}

func (s *failingStorage) RefundQuota(ctx context.Context, req *aitutor.RefundRequest) (int, error) {
	if s.refundErr != nil {
		return 0, s.refundErr
	}
	return s.Storage.RefundQuota(ctx, req)
}

func TestLedger_StorageFailures(t *testing.T) {
	storage := &failingStorage{Storage: memory.New()}
	ledger, err := aitutor.NewLedger(storage, testQuotaConfig(5))
	require.NoError(t, err)
	ctx := context.Background()

	storage.consumeErr = errors.New("connection reset")
	_, err = ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	requireCode(t, err, aitutor.CodeServerError)

	storage.consumeErr = nil
	res, err := ledger.TryReserve(ctx, testUser, aitutor.FeatureStudyPlan)
	require.NoError(t, err)

	storage.refundErr = errors.New("connection reset")
	requireCode(t, ledger.Release(ctx, res), aitutor.CodeServerError)

	// a failed release may be retried
	storage.refundErr = nil
	require.NoError(t, ledger.Release(ctx, res))
	status, _ := ledger.Status(ctx, testUser)
	assert.Equal(t, 0, status.Used)
}

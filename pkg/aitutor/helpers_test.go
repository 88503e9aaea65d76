package aitutor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
	"github.com/mihaimyh/aitutor/provider/fake"
	"github.com/mihaimyh/aitutor/storage/memory"
)

const testUser = "student_1"

// manualClock is a TimeSource under test control
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{now: t}
}

func (c *manualClock) Now(_ context.Context) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now, nil
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testQuotaConfig(limit int) aitutor.Config {
	return aitutor.Config{
		DefaultTier: "free",
		Tiers: map[string]aitutor.TierConfig{
			"free":      {Name: "free", Limit: limit},
			"unlimited": {Name: "unlimited", Limit: aitutor.Unlimited},
		},
	}
}

// newTestLedger creates a ledger over fresh in-memory storage
func newTestLedger(t *testing.T, config aitutor.Config) (*aitutor.Ledger, *memory.Storage) {
	t.Helper()
	storage := memory.New()
	ledger, err := aitutor.NewLedger(storage, config)
	require.NoError(t, err)
	return ledger, storage
}

// newTestCore wires a core over in-memory storage with a daily limit
func newTestCore(t *testing.T, limit int, provider aitutor.Provider) *aitutor.Core {
	t.Helper()
	return newTestCoreWith(t, memory.New(), limit, provider)
}

func newTestCoreWith(t *testing.T, storage aitutor.Storage, limit int, provider aitutor.Provider) *aitutor.Core {
	t.Helper()
	core, err := aitutor.NewCore(aitutor.CoreConfig{
		Storage:         storage,
		Provider:        provider,
		Quota:           testQuotaConfig(limit),
		ProviderTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return core
}

func userCtx() context.Context {
	return aitutor.WithUserID(context.Background(), testUser)
}

func requireCode(t *testing.T, err error, code aitutor.ErrorCode) *aitutor.AIError {
	t.Helper()
	require.Error(t, err)
	aiErr, ok := aitutor.AsAIError(err)
	require.True(t, ok, "expected *AIError, got %T: %v", err, err)
	require.Equal(t, code, aiErr.Code, "unexpected code for %v", err)
	require.NotEmpty(t, aiErr.UserMessage)
	return aiErr
}

func usedOf(t *testing.T, core *aitutor.Core) int {
	t.Helper()
	status, err := core.GetQuota(context.Background(), testUser)
	require.NoError(t, err)
	return status.Used
}

var _ aitutor.Provider = (*fake.Provider)(nil)

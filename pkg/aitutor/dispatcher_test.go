package aitutor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
	"github.com/mihaimyh/aitutor/provider/fake"
	"github.com/mihaimyh/aitutor/storage/memory"
)

func TestNewDispatcher_Validation(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(1))

	_, err := aitutor.NewDispatcher(aitutor.DispatcherConfig{Ledger: ledger})
	assert.ErrorIs(t, err, aitutor.ErrProviderUnavailable)

	_, err = aitutor.NewDispatcher(aitutor.DispatcherConfig{Provider: fake.New()})
	assert.ErrorIs(t, err, aitutor.ErrInvalidConfig)
}

func TestDispatcher_Send(t *testing.T) {
	provider := fake.New().WithReply(aitutor.FeatureTopicExplanation, "  Photosynthesis turns light into sugar.\n")
	core := newTestCore(t, 5, provider)

	msg, err := core.Send(userCtx(), aitutor.FeatureTopicExplanation, "photosynthesis",
		aitutor.RequestContext{TopicID: "bio-3"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, aitutor.RoleAssistant, msg.Role)
	assert.Equal(t, "Photosynthesis turns light into sugar.", msg.Content)
	assert.Equal(t, aitutor.FeatureTopicExplanation, msg.Feature)
	assert.Equal(t, string(aitutor.FeatureTopicExplanation), msg.Metadata[aitutor.MetadataFeature])
	assert.Equal(t, "fake", msg.Metadata["provider"])
	assert.False(t, msg.Timestamp.IsZero())
	assert.Equal(t, 1, usedOf(t, core))
}

func TestDispatcher_SendAssignsFreshIDs(t *testing.T) {
	core := newTestCore(t, 10, fake.New())

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		msg, err := core.Send(userCtx(), aitutor.FeatureMotivationMessage, "go", aitutor.RequestContext{})
		require.NoError(t, err)
		assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
		seen[msg.ID] = true
	}
}

func TestDispatcher_Validation(t *testing.T) {
	provider := fake.New()
	core := newTestCore(t, 5, provider)

	_, err := core.Send(userCtx(), aitutor.Feature("homework_solver"), "x", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeValidationError)

	_, err = core.Send(userCtx(), aitutor.FeatureStudyPlan, "   ", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeValidationError)

	assert.Equal(t, 0, provider.Calls())
	assert.Equal(t, 0, usedOf(t, core), "rejected requests reserve nothing")
}

func TestDispatcher_RequiresIdentity(t *testing.T) {
	provider := fake.New()
	core := newTestCore(t, 5, provider)

	_, err := core.Send(context.Background(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	aiErr := requireCode(t, err, aitutor.CodeAuthError)
	assert.False(t, aiErr.Retryable)
	assert.ErrorIs(t, err, aitutor.ErrUnauthenticated)
	assert.Equal(t, 0, provider.Calls())
}

func TestDispatcher_DenialSkipsProvider(t *testing.T) {
	provider := fake.New()
	core := newTestCore(t, 3, provider)
	require.NoError(t, core.Ledger().SetUsed(context.Background(), testUser, 3))

	_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeQuotaExceeded)
	assert.Equal(t, 0, provider.Calls())
}

func TestDispatcher_ReleaseOnProviderFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want aitutor.ErrorCode
	}{
		{"server error", &aitutor.ProviderError{StatusCode: 502, Message: "bad gateway"}, aitutor.CodeServerError},
		{"throttled", &aitutor.ProviderError{StatusCode: 429, RetryAfter: 7 * time.Second}, aitutor.CodeRateLimited},
		{"filtered", aitutor.ErrContentFiltered, aitutor.CodeContentFiltered},
		{"network", aitutor.ErrNetwork, aitutor.CodeNetworkError},
		{"unknown", errors.New("kaboom"), aitutor.CodeServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core := newTestCore(t, 30, fake.New().WithError(tt.err))
			require.NoError(t, core.Ledger().SetUsed(context.Background(), testUser, 12))

			_, err := core.Send(userCtx(), aitutor.FeatureAnswerEvaluation, "42", aitutor.RequestContext{})
			requireCode(t, err, tt.want)
			assert.Equal(t, 12, usedOf(t, core), "failed request must be net zero")
		})
	}
}

func TestDispatcher_RateLimitedCarriesProviderRetryAfter(t *testing.T) {
	core := newTestCore(t, 30, fake.New().WithError(&aitutor.ProviderError{StatusCode: 429, RetryAfter: 7 * time.Second}))

	_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	aiErr := requireCode(t, err, aitutor.CodeRateLimited)
	assert.True(t, aiErr.Retryable)
	assert.Equal(t, 7, aiErr.RetryAfterSeconds())
}

func TestDispatcher_EmptyCompletion(t *testing.T) {
	core := newTestCore(t, 30, fake.New().WithDefaultReply(" \n\t "))

	_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeServerError)
	assert.ErrorIs(t, err, aitutor.ErrEmptyCompletion)
	assert.Equal(t, 0, usedOf(t, core))
}

func TestDispatcher_TimeoutReleases(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	dispatcher, err := aitutor.NewDispatcher(aitutor.DispatcherConfig{
		Provider: fake.New().WithGate(make(chan struct{})),
		Ledger:   ledger,
		Timeout:  20 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = dispatcher.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	aiErr := requireCode(t, err, aitutor.CodeNetworkError)
	assert.True(t, aiErr.Retryable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, _ := ledger.Status(context.Background(), testUser)
	assert.Equal(t, 0, status.Used)
}

func TestDispatcher_CallerCancellationReleases(t *testing.T) {
	core := newTestCore(t, 5, fake.New().WithGate(make(chan struct{})))

	ctx, cancel := context.WithCancel(userCtx())
	time.AfterFunc(10*time.Millisecond, cancel)

	_, err := core.Send(ctx, aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeNetworkError)
	assert.Equal(t, 0, usedOf(t, core))
}

func TestDispatcher_Hint(t *testing.T) {
	provider := fake.New()
	core := newTestCore(t, 5, provider)

	text, err := core.Hint(userCtx(), "q-17", 2, aitutor.RequestContext{LessonID: "l-1"})
	require.NoError(t, err)
	assert.Equal(t, "Hint 2 for q-17.", text)
	assert.Equal(t, 1, usedOf(t, core))

	for _, level := range []int{0, 4, -1} {
		_, err := core.Hint(userCtx(), "q-17", level, aitutor.RequestContext{})
		requireCode(t, err, aitutor.CodeValidationError)
	}
	_, err = core.Hint(userCtx(), "", 1, aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeValidationError)

	assert.Equal(t, 1, provider.Calls())
	assert.Equal(t, 1, usedOf(t, core))
}

type capturingProvider struct {
	*fake.Provider
	last *aitutor.Request
}

func (p *capturingProvider) Complete(ctx context.Context, req *aitutor.Request) (*aitutor.Completion, error) {
	p.last = req
	return p.Provider.Complete(ctx, req)
}

func TestDispatcher_PassesRequestContextThrough(t *testing.T) {
	provider := &capturingProvider{Provider: fake.New()}
	core := newTestCore(t, 5, provider)

	rc := aitutor.RequestContext{LessonID: "l", ExamID: "e", Extra: map[string]string{"k": "v"}}
	_, err := core.Send(userCtx(), aitutor.FeaturePerformanceAnalysis, "exam", rc)
	require.NoError(t, err)
	require.NotNil(t, provider.last)
	assert.Equal(t, rc, provider.last.Context)
	assert.Equal(t, testUser, provider.last.UserID)

	_, err = core.Hint(userCtx(), "q-9", 3, rc)
	require.NoError(t, err)
	assert.Equal(t, "q-9", provider.last.Context.QuestionID)
	assert.Equal(t, 3, provider.last.HintLevel)
	assert.Equal(t, aitutor.FeatureQuestionHint, provider.last.Feature)
}

func TestDispatcher_RateLimiter(t *testing.T) {
	provider := fake.New()
	core, err := aitutor.NewCore(aitutor.CoreConfig{
		Storage:   memory.New(),
		Provider:  provider,
		Quota:     testQuotaConfig(100),
		RateLimit: aitutor.RateLimitConfig{Rate: 2, Window: time.Minute},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
		require.NoError(t, err)
	}
	_, err = core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	aiErr := requireCode(t, err, aitutor.CodeRateLimited)
	assert.Greater(t, aiErr.RetryAfter, time.Duration(0))
	assert.Equal(t, 2, provider.Calls())
	assert.Equal(t, 2, usedOf(t, core), "throttled requests reserve nothing")
}

func TestDispatcher_CircuitBreakerOpens(t *testing.T) {
	provider := fake.New().WithError(&aitutor.ProviderError{StatusCode: 503})
	core, err := aitutor.NewCore(aitutor.CoreConfig{
		Storage:        memory.New(),
		Provider:       provider,
		Quota:          testQuotaConfig(100),
		CircuitBreaker: aitutor.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
		requireCode(t, err, aitutor.CodeServerError)
	}
	require.Equal(t, 2, provider.Calls())

	_, err = core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	requireCode(t, err, aitutor.CodeServerError)
	assert.ErrorIs(t, err, aitutor.ErrCircuitOpen)
	assert.Equal(t, 2, provider.Calls(), "open circuit skips the provider")
	assert.Equal(t, 0, usedOf(t, core))
	assert.False(t, core.CheckHealth(context.Background()))
}

func TestDispatcher_UserErrorsDoNotTripBreaker(t *testing.T) {
	provider := fake.New().WithError(aitutor.ErrContentFiltered)
	core, err := aitutor.NewCore(aitutor.CoreConfig{
		Storage:        memory.New(),
		Provider:       provider,
		Quota:          testQuotaConfig(100),
		CircuitBreaker: aitutor.CircuitBreakerConfig{FailureThreshold: 1},
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := core.Send(userCtx(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
		requireCode(t, err, aitutor.CodeContentFiltered)
	}
	assert.Equal(t, 3, provider.Calls())
}

func TestDispatcher_CustomIdentity(t *testing.T) {
	ledger, _ := newTestLedger(t, testQuotaConfig(5))
	dispatcher, err := aitutor.NewDispatcher(aitutor.DispatcherConfig{
		Provider: fake.New(),
		Ledger:   ledger,
		Identity: aitutor.IdentityFunc(func(context.Context) (string, error) { return "session-user", nil }),
		NewID:    func() string { return "msg-1" },
	})
	require.NoError(t, err)

	msg, err := dispatcher.Send(context.Background(), aitutor.FeatureStudyPlan, "x", aitutor.RequestContext{})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", msg.ID)

	record, ok := dispatcher.Responses().Lookup("msg-1")
	require.True(t, ok)
	assert.Equal(t, "session-user", record.UserID)
}

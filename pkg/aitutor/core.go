package aitutor

import (
	"context"
	"fmt"
	"time"
)

// CoreConfig wires the dispatch core.
type CoreConfig struct {
	// Storage persists quota usage and entitlements (required)
	Storage Storage

	// Provider answers requests (required)
	Provider Provider

	// Quota configures the ledger
	Quota Config

	// Identity resolves the caller (default: ContextIdentity)
	Identity Identity

	// Locale selects the default language of user messages (default: "en")
	Locale string

	// RateLimit enables per-user throttling when Rate > 0
	RateLimit RateLimitConfig

	// RateLimiter overrides the limiter built from RateLimit (optional)
	RateLimiter RateLimiter

	// CircuitBreaker configures the provider circuit breaker
	CircuitBreaker CircuitBreakerConfig

	// ProviderTimeout bounds each provider call (default: DefaultProviderTimeout)
	ProviderTimeout time.Duration

	// HealthTimeout bounds a provider health probe (default: DefaultHealthTimeout)
	HealthTimeout time.Duration

	// ResponseCacheSize and ResponseTTL bound the feedback response registry
	ResponseCacheSize int
	ResponseTTL       time.Duration

	// FeedbackSink receives accepted feedback (optional)
	FeedbackSink FeedbackSink

	Metrics Metrics
	Logger  Logger
}

// Core exposes the dispatch operations over a single wired set of components.
type Core struct {
	ledger     *Ledger
	dispatcher *Dispatcher
	feedback   *FeedbackRecorder
	health     *HealthMonitor
	identity   Identity
	classifier *Classifier
}

// NewCore builds every component from config.
func NewCore(config CoreConfig) (*Core, error) {
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Identity == nil {
		config.Identity = ContextIdentity{}
	}
	if config.Locale == "" {
		config.Locale = DefaultLocale
	}
	classifier := NewLocalizedClassifier(config.Locale)

	quota := config.Quota
	if quota.Classifier == nil {
		quota.Classifier = classifier
	}
	if quota.Metrics == nil {
		quota.Metrics = config.Metrics
	}
	if quota.Logger == nil {
		quota.Logger = config.Logger
	}
	ledger, err := NewLedger(config.Storage, quota)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	limiter := config.RateLimiter
	if limiter == nil && config.RateLimit.Rate > 0 {
		limiter = NewMemoryRateLimiter(config.RateLimit)
	}

	cbConfig := config.CircuitBreaker
	if cbConfig.OnStateChange == nil {
		metrics, logger := config.Metrics, config.Logger
		cbConfig.OnStateChange = func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("provider circuit breaker state changed", Field{"state", state})
		}
	}
	breaker := NewDefaultCircuitBreaker(cbConfig)

	responses := NewResponseRegistry(config.ResponseCacheSize, config.ResponseTTL)

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Provider:       config.Provider,
		Ledger:         ledger,
		Identity:       config.Identity,
		Classifier:     classifier,
		RateLimiter:    limiter,
		CircuitBreaker: breaker,
		Responses:      responses,
		Timeout:        config.ProviderTimeout,
		Metrics:        config.Metrics,
		Logger:         config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}

	feedback, err := NewFeedbackRecorder(FeedbackRecorderConfig{
		Responses:  responses,
		Identity:   config.Identity,
		Sink:       config.FeedbackSink,
		Classifier: classifier,
		Metrics:    config.Metrics,
		Logger:     config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("feedback: %w", err)
	}

	return &Core{
		ledger:     ledger,
		dispatcher: dispatcher,
		feedback:   feedback,
		health:     NewHealthMonitor(config.Provider, breaker, config.HealthTimeout, config.Logger),
		identity:   config.Identity,
		classifier: classifier,
	}, nil
}

// Send dispatches a single-shot request
func (c *Core) Send(ctx context.Context, feature Feature, content string, rc RequestContext) (*Message, error) {
	return c.dispatcher.Send(ctx, feature, content, rc)
}

// Stream starts a streamed request
func (c *Core) Stream(ctx context.Context, feature Feature, content string, rc RequestContext) (*Stream, error) {
	return c.dispatcher.Stream(ctx, feature, content, rc)
}

// StreamTo streams a request into onChunk and returns the final message
func (c *Core) StreamTo(ctx context.Context, feature Feature, content string, rc RequestContext,
	onChunk func(string)) (*Message, error) {
	return c.dispatcher.StreamTo(ctx, feature, content, rc, onChunk)
}

// Hint returns a hint of the given level for questionID
func (c *Core) Hint(ctx context.Context, questionID string, level int, rc RequestContext) (string, error) {
	return c.dispatcher.Hint(ctx, questionID, level, rc)
}

// GetQuota returns the quota status of userID
func (c *Core) GetQuota(ctx context.Context, userID string) (*QuotaStatus, error) {
	return c.ledger.Status(ctx, userID)
}

// GetCallerQuota returns the quota status of the caller resolved by Identity
func (c *Core) GetCallerQuota(ctx context.Context) (*QuotaStatus, error) {
	userID, err := c.identity.UserID(ctx)
	if err != nil || userID == "" {
		if err == nil {
			err = ErrUnauthenticated
		}
		return nil, c.classifier.New(ctx, CodeAuthError, err)
	}
	return c.ledger.Status(ctx, userID)
}

// SubmitFeedback records feedback on a previously returned response
func (c *Core) SubmitFeedback(ctx context.Context, entry FeedbackEntry) error {
	return c.feedback.Submit(ctx, entry)
}

// CheckHealth reports provider liveness
func (c *Core) CheckHealth(ctx context.Context) bool {
	return c.health.CheckHealth(ctx)
}

// Ledger returns the quota ledger, e.g. for administrative SetUsed calls
func (c *Core) Ledger() *Ledger {
	return c.ledger
}

// Classifier returns the classifier used for every AIError
func (c *Core) Classifier() *Classifier {
	return c.classifier
}

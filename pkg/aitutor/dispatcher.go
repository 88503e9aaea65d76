package aitutor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestState is the lifecycle position of a dispatched request.
// Terminal states are Rejected, Succeeded and Failed; nothing re-enters
// Reserving automatically.
type RequestState string

const (
	RequestIdle        RequestState = "idle"
	RequestReserving   RequestState = "reserving"
	RequestRejected    RequestState = "rejected"
	RequestDispatching RequestState = "dispatching"
	RequestSucceeded   RequestState = "succeeded"
	RequestFailed      RequestState = "failed"
)

// Hint levels accepted by Dispatcher.Hint
const (
	MinHintLevel = 1
	MaxHintLevel = 3
)

// DefaultProviderTimeout bounds a provider call when DispatcherConfig.Timeout is unset
const DefaultProviderTimeout = 60 * time.Second

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	// Provider answers requests (required)
	Provider Provider

	// Ledger admits requests against the user's quota (required)
	Ledger *Ledger

	// Identity resolves the caller (default: ContextIdentity)
	Identity Identity

	// Classifier turns failures into AIErrors (default: English classifier)
	Classifier *Classifier

	// RateLimiter throttles users before quota is reserved (optional)
	RateLimiter RateLimiter

	// CircuitBreaker guards provider calls (default: DefaultCircuitBreaker)
	CircuitBreaker CircuitBreaker

	// Responses records returned messages for feedback (default: 10000 entries, 24h)
	Responses *ResponseRegistry

	// Timeout bounds each provider call (default: DefaultProviderTimeout)
	Timeout time.Duration

	// Metrics is used for tracking dispatch outcomes (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// NewID generates message ids (default: uuid.NewString)
	NewID func() string
}

// Dispatcher validates feature requests, reserves quota, calls the provider
// and normalizes the outcome into a Message or an *AIError.
type Dispatcher struct {
	provider   Provider
	ledger     *Ledger
	identity   Identity
	classifier *Classifier
	limiter    RateLimiter
	breaker    CircuitBreaker
	responses  *ResponseRegistry
	timeout    time.Duration
	metrics    Metrics
	logger     Logger
	newID      func() string
	now        func() time.Time
}

// NewDispatcher creates a dispatcher from config
func NewDispatcher(config DispatcherConfig) (*Dispatcher, error) {
	if config.Provider == nil {
		return nil, ErrProviderUnavailable
	}
	if config.Ledger == nil {
		return nil, fmt.Errorf("%w: ledger is required", ErrInvalidConfig)
	}

	// Set defaults
	if config.Identity == nil {
		config.Identity = ContextIdentity{}
	}
	if config.Classifier == nil {
		config.Classifier = NewClassifier()
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.CircuitBreaker == nil {
		metrics := config.Metrics
		config.CircuitBreaker = NewDefaultCircuitBreaker(CircuitBreakerConfig{
			OnStateChange: func(state CircuitBreakerState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
			},
		})
	}
	if config.Responses == nil {
		config.Responses = NewResponseRegistry(0, 0)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultProviderTimeout
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}

	return &Dispatcher{
		provider:   config.Provider,
		ledger:     config.Ledger,
		identity:   config.Identity,
		classifier: config.Classifier,
		limiter:    config.RateLimiter,
		breaker:    config.CircuitBreaker,
		responses:  config.Responses,
		timeout:    config.Timeout,
		metrics:    config.Metrics,
		logger:     config.Logger,
		newID:      config.NewID,
		now:        time.Now,
	}, nil
}

// Send dispatches a single-shot request for feature.
func (d *Dispatcher) Send(ctx context.Context, feature Feature, content string, rc RequestContext) (*Message, error) {
	return d.send(ctx, &Request{Feature: feature, Content: content, Context: rc})
}

// Hint asks for a hint of the given level (1..3) on questionID and returns its text.
func (d *Dispatcher) Hint(ctx context.Context, questionID string, level int, rc RequestContext) (string, error) {
	if level < MinHintLevel || level > MaxHintLevel {
		return "", d.classifier.ClassifyContext(ctx, fmt.Errorf("%w: %d", ErrInvalidHintLevel, level))
	}
	rc.QuestionID = questionID
	msg, err := d.send(ctx, &Request{
		Feature:   FeatureQuestionHint,
		Content:   questionID,
		Context:   rc,
		HintLevel: level,
	})
	if err != nil {
		return "", err
	}
	return msg.Content, nil
}

func (d *Dispatcher) send(ctx context.Context, req *Request) (*Message, error) {
	res, err := d.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	var completion *Completion
	err = d.breaker.Execute(callCtx, func() error {
		var callErr error
		completion, callErr = d.provider.Complete(callCtx, req)
		return callErr
	})
	d.metrics.RecordProviderLatency(req.Feature, false, d.now().Sub(start))

	if err == nil && (completion == nil || strings.TrimSpace(completion.Content) == "") {
		err = ErrEmptyCompletion
	}
	if err != nil {
		return nil, d.fail(ctx, req, res, err)
	}

	return d.succeed(req, strings.TrimSpace(completion.Content), completion.Metadata), nil
}

// admit runs identity, validation, rate limiting and the quota reservation,
// in that order. Any failure is returned already classified.
func (d *Dispatcher) admit(ctx context.Context, req *Request) (*Reservation, error) {
	userID, err := d.identity.UserID(ctx)
	if err != nil || userID == "" {
		if err == nil {
			err = ErrUnauthenticated
		}
		d.record(req, RequestRejected, CodeAuthError)
		return nil, d.classifier.New(ctx, CodeAuthError, err)
	}
	req.UserID = userID

	if !req.Feature.Valid() {
		d.record(req, RequestRejected, CodeValidationError)
		return nil, d.classifier.ClassifyContext(ctx, fmt.Errorf("%w: %q", ErrInvalidFeature, req.Feature))
	}
	if strings.TrimSpace(req.Content) == "" {
		d.record(req, RequestRejected, CodeValidationError)
		return nil, d.classifier.ClassifyContext(ctx, ErrInvalidContent)
	}

	if d.limiter != nil {
		allowed, info, err := d.limiter.Allow(ctx, userID)
		switch {
		case err != nil:
			// the limiter is advisory, quota still protects the provider
			d.logger.Warn("rate limiter failed, allowing request",
				Field{"userId", userID}, ErrField(err))
		case !allowed:
			d.record(req, RequestRejected, CodeRateLimited)
			var retryAfter time.Duration
			if info != nil {
				retryAfter = info.ResetTime.Sub(d.now())
			}
			return nil, d.classifier.RateLimited(ctx, retryAfter, ErrRateLimited)
		}
	}

	d.logger.Debug("reserving quota", Field{"userId", userID}, Field{"feature", req.Feature},
		Field{"state", RequestReserving})
	res, err := d.ledger.TryReserve(ctx, userID, req.Feature)
	if err != nil {
		aiErr := d.classifier.ClassifyContext(ctx, err)
		d.record(req, RequestRejected, aiErr.Code)
		return nil, aiErr
	}
	d.logger.Debug("dispatching", Field{"userId", userID}, Field{"feature", req.Feature},
		Field{"state", RequestDispatching}, Field{"reservationId", res.ID})
	return res, nil
}

// fail classifies err and gives the reservation back.
func (d *Dispatcher) fail(ctx context.Context, req *Request, res *Reservation, err error) *AIError {
	aiErr := d.classifier.ClassifyContext(ctx, err)

	// the caller's context may already be cancelled
	if relErr := d.ledger.Release(context.WithoutCancel(ctx), res); relErr != nil {
		d.logger.Error("failed to release reservation",
			Field{"userId", req.UserID}, Field{"reservationId", res.ID}, ErrField(relErr))
	}

	d.record(req, RequestFailed, aiErr.Code)
	d.logger.Warn("request failed",
		Field{"userId", req.UserID}, Field{"feature", req.Feature},
		Field{"state", RequestFailed}, Field{"code", aiErr.Code}, ErrField(err))
	return aiErr
}

// succeed builds the assistant message and registers it for feedback.
func (d *Dispatcher) succeed(req *Request, content string, metadata map[string]string) *Message {
	meta := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		meta[k] = v
	}
	meta[MetadataFeature] = string(req.Feature)

	msg := &Message{
		ID:        d.newID(),
		Role:      RoleAssistant,
		Content:   content,
		Timestamp: d.now().UTC(),
		Feature:   req.Feature,
		Metadata:  meta,
	}
	d.responses.Register(msg, req.UserID)

	d.record(req, RequestSucceeded, "")
	d.logger.Info("request succeeded",
		Field{"userId", req.UserID}, Field{"feature", req.Feature},
		Field{"state", RequestSucceeded}, Field{"messageId", msg.ID})
	return msg
}

func (d *Dispatcher) record(req *Request, state RequestState, code ErrorCode) {
	d.metrics.RecordDispatch(req.Feature, state, code)
	if state == RequestRejected {
		d.logger.Debug("request rejected",
			Field{"userId", req.UserID}, Field{"feature", req.Feature},
			Field{"state", state}, Field{"code", code})
	}
}

// Responses returns the registry of messages returned by this dispatcher
func (d *Dispatcher) Responses() *ResponseRegistry {
	return d.responses
}

// CircuitBreaker returns the breaker guarding provider calls
func (d *Dispatcher) CircuitBreaker() CircuitBreaker {
	return d.breaker
}

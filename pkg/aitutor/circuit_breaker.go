package aitutor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker guards provider calls.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// Success records a successful execution.
	Success()
	// Failure records a failed execution.
	Failure(err error)
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
}

// CircuitBreakerConfig configures DefaultCircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call (default: 30s)
	ResetTimeout time.Duration

	// IsFailure decides whether an error counts against the breaker.
	// Default: transient upstream faults (NETWORK_ERROR, SERVER_ERROR) only.
	IsFailure func(err error) bool

	// OnStateChange is called on every transition (optional)
	OnStateChange func(state CircuitBreakerState)
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	isFailure     func(err error) bool
	onStateChange func(state CircuitBreakerState)
	now           func() time.Time
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
func NewDefaultCircuitBreaker(cfg CircuitBreakerConfig) *DefaultCircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		classifier := NewClassifier()
		cfg.IsFailure = func(err error) bool {
			switch classifier.Classify(err).Code {
			case CodeNetworkError, CodeServerError:
				return !errors.Is(err, context.Canceled)
			default:
				return false
			}
		}
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		isFailure:        cfg.IsFailure,
		onStateChange:    cfg.OnStateChange,
		now:              time.Now,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil {
		cb.Failure(err)
		return err
	}

	cb.Success()
	return nil
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

// Failure records err. Errors rejected by IsFailure leave the breaker
// untouched; they are caller or policy outcomes, not upstream faults.
func (cb *DefaultCircuitBreaker) Failure(err error) {
	if err != nil && !cb.isFailure(err) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	halfOpen := cb.currentState() == StateHalfOpen
	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch {
	case halfOpen:
		// trial call failed, the timer restarted above
		if cb.onStateChange != nil {
			cb.onStateChange(StateOpen)
		}
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

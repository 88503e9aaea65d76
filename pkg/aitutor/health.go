package aitutor

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultHealthTimeout bounds a provider health probe
const DefaultHealthTimeout = 5 * time.Second

// HealthMonitor reports provider liveness. It never touches the ledger.
type HealthMonitor struct {
	provider Provider
	breaker  CircuitBreaker
	timeout  time.Duration
	logger   Logger
	group    singleflight.Group
}

// NewHealthMonitor creates a monitor for provider. breaker may be nil.
func NewHealthMonitor(provider Provider, breaker CircuitBreaker, timeout time.Duration, logger Logger) *HealthMonitor {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &HealthMonitor{
		provider: provider,
		breaker:  breaker,
		timeout:  timeout,
		logger:   logger,
	}
}

// CheckHealth reports whether the provider is usable. An open circuit is
// unhealthy; otherwise providers implementing HealthChecker are probed once,
// with concurrent callers sharing the probe. Providers without a probe are
// healthy.
func (h *HealthMonitor) CheckHealth(ctx context.Context) bool {
	if h.provider == nil {
		return false
	}
	if h.breaker != nil && h.breaker.State() == StateOpen {
		return false
	}
	checker, ok := h.provider.(HealthChecker)
	if !ok {
		return true
	}

	ch := h.group.DoChan("health", func() (interface{}, error) {
		// shared by all waiters, so not bound to any single caller's context
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.timeout)
		defer cancel()
		return nil, checker.HealthCheck(probeCtx)
	})

	select {
	case <-ctx.Done():
		return false
	case result := <-ch:
		if result.Err != nil {
			h.logger.Warn("provider health check failed", ErrField(result.Err))
			return false
		}
		return true
	}
}

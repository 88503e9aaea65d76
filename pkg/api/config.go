package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
	httpmw "github.com/mihaimyh/aitutor/middleware/http"
)

// DefaultMaxBodyBytes bounds request bodies when Config.MaxBodyBytes is zero
const DefaultMaxBodyBytes = 64 << 10

// Config holds configuration for the tutoring API handler
type Config struct {
	// Core is the dispatch core serving every endpoint (required)
	Core *aitutor.Core

	// Identity scopes requests to a caller. If nil, the middleware/http
	// default is used: X-User-ID header, Accept-Language locale and
	// X-Quota-* headers from Core.
	Identity func(http.Handler) http.Handler

	// MaxBodyBytes bounds JSON request bodies (default: DefaultMaxBodyBytes)
	MaxBodyBytes int64

	// Logger is used for structured logging (default: NoopLogger)
	Logger aitutor.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Core == nil {
		return fmt.Errorf("core is required")
	}
	if c.MaxBodyBytes < 0 {
		return fmt.Errorf("maxBodyBytes must not be negative")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", aitutor.ErrInvalidConfig, err)
	}
	if config.Identity == nil {
		config.Identity = httpmw.Middleware(httpmw.Config{
			Classifier: config.Core.Classifier(),
			Quota:      config.Core,
		})
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = &aitutor.NoopLogger{}
	}
	return &Handler{
		core:       config.Core,
		classifier: config.Core.Classifier(),
		identity:   config.Identity,
		maxBody:    config.MaxBodyBytes,
		logger:     config.Logger,
	}, nil
}

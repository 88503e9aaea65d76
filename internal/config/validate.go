package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

var (
	storageBackends   = []string{"memory", "redis", "postgres", "firestore", "tiered"}
	providerNames     = []string{"fake", "openai"}
	feedbackSinks     = []string{"none", "nats", "firestore"}
	rateLimitBackends = []string{"memory", "redis"}
	logFormats        = []string{"json", "console"}
)

// Validate checks Config for problems that would fail at startup.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("AITUTOR_SERVER_PORT must be 1-65535, got %d", c.Server.Port)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("AITUTOR_LOG_LEVEL %q is not a log level", c.Log.Level)
	}
	if !slices.Contains(logFormats, c.Log.Format) {
		add("AITUTOR_LOG_FORMAT must be one of %v, got %q", logFormats, c.Log.Format)
	}

	if !slices.Contains(storageBackends, c.Storage.Backend) {
		add("AITUTOR_STORAGE_BACKEND must be one of %v, got %q", storageBackends, c.Storage.Backend)
	}
	if (c.Storage.Backend == "postgres" || c.Storage.Backend == "tiered") && c.Postgres.DSN == "" {
		add("AITUTOR_POSTGRES_DSN is required for the %s backend", c.Storage.Backend)
	}
	if c.Storage.SyncBufferSize < 0 {
		add("AITUTOR_STORAGE_SYNC_BUFFER_SIZE must not be negative")
	}
	if c.usesFirestore() && c.Firestore.ProjectID == "" {
		add("AITUTOR_FIRESTORE_PROJECT_ID is required for firestore storage or feedback")
	}

	if !slices.Contains(providerNames, c.Provider.Name) {
		add("AITUTOR_PROVIDER_NAME must be one of %v, got %q", providerNames, c.Provider.Name)
	}
	if c.Provider.Name == "openai" && c.Provider.APIKey == "" {
		add("AITUTOR_PROVIDER_API_KEY is required for the openai provider")
	}
	if c.Provider.Timeout < 0 {
		add("AITUTOR_PROVIDER_TIMEOUT must not be negative")
	}

	if ledger, err := c.Quota.Ledger(); err != nil {
		add("AITUTOR_QUOTA: %w", err)
	} else if _, ok := ledger.Tiers[c.Quota.DefaultTier]; !ok {
		add("AITUTOR_QUOTA_DEFAULT_TIER %q is not among the configured tiers", c.Quota.DefaultTier)
	}
	switch aitutor.PeriodType(c.Quota.Period) {
	case aitutor.PeriodTypeDaily, aitutor.PeriodTypeMonthly:
	case aitutor.PeriodTypeInterval:
		if c.Quota.Interval <= 0 {
			add("AITUTOR_QUOTA_INTERVAL must be positive for the interval period")
		}
	default:
		add("AITUTOR_QUOTA_PERIOD must be daily, monthly or interval, got %q", c.Quota.Period)
	}

	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		add("AITUTOR_RATE_LIMIT_RATE and AITUTOR_RATE_LIMIT_BURST must not be negative")
	}
	if c.RateLimit.Algorithm != aitutor.AlgorithmTokenBucket && c.RateLimit.Algorithm != aitutor.AlgorithmSlidingWindow {
		add("AITUTOR_RATE_LIMIT_ALGORITHM must be %s or %s, got %q",
			aitutor.AlgorithmTokenBucket, aitutor.AlgorithmSlidingWindow, c.RateLimit.Algorithm)
	}
	if !slices.Contains(rateLimitBackends, c.RateLimit.Backend) {
		add("AITUTOR_RATE_LIMIT_BACKEND must be one of %v, got %q", rateLimitBackends, c.RateLimit.Backend)
	}

	if !slices.Contains(feedbackSinks, c.Feedback.Sink) {
		add("AITUTOR_FEEDBACK_SINK must be one of %v, got %q", feedbackSinks, c.Feedback.Sink)
	}
	if c.Feedback.Sink == "nats" && c.NATS.URL == "" {
		add("AITUTOR_NATS_URL is required for the nats feedback sink")
	}

	if !slices.Contains(aitutor.NewMessages().Locales(), c.Locale) {
		add("AITUTOR_LOCALE %q has no message catalog", c.Locale)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) usesFirestore() bool {
	return c.Storage.Backend == "firestore" || c.Feedback.Sink == "firestore"
}

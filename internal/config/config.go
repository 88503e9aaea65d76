// Package config loads the tutord service configuration from a .env file
// and the environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mihaimyh/aitutor/pkg/aitutor"
)

// EnvPrefix prefixes every environment variable read by Load
const EnvPrefix = "AITUTOR_"

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Metrics   MetricsConfig
	Storage   StorageConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Firestore FirestoreConfig
	Provider  ProviderConfig
	Quota     QuotaConfig
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Feedback  FeedbackConfig
	NATS      NATSConfig
	Locale    string
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level  string
	Format string // "json" or "console"
}

type MetricsConfig struct {
	Enabled   bool
	Namespace string
	Path      string
}

type StorageConfig struct {
	Backend string // "memory", "redis", "postgres", "firestore" or "tiered"

	// AsyncSync queues cold writes of the tiered backend instead of blocking
	AsyncSync      bool
	SyncBufferSize int
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	KeyPrefix      string
	UsageRetention time.Duration
}

type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	Migrate        bool
	UsageRetention time.Duration
}

type FirestoreConfig struct {
	ProjectID string
}

type ProviderConfig struct {
	Name         string // "fake" or "openai"
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Timeout      time.Duration
}

type QuotaConfig struct {
	Period            string // "daily", "monthly" or "interval"
	Interval          time.Duration
	DefaultTier       string
	Tiers             string // "free=20,premium=200,staff=-1"
	Unit              string
	WarningThresholds string // "0.8,0.95"
}

type RateLimitConfig struct {
	Backend   string // "memory" or "redis"
	Algorithm string
	Rate      int
	Window    time.Duration
	Burst     int
}

type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

type FeedbackConfig struct {
	Sink        string // "none", "nats" or "firestore"
	CacheSize   int
	ResponseTTL time.Duration
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

// Load reads path as a .env file if it exists, then the AITUTOR_ environment
// variables, which override it. AITUTOR_PROVIDER_API_KEY becomes the key
// "provider.api.key".
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	k := koanf.New(".")

	// Load .env file if it exists (ignore error if missing)
	_ = k.Load(file.Provider(path), dotenv.ParserEnv(EnvPrefix, ".", envKey))

	// Load environment variables (override .env)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            k.String("server.host"),
			Port:            k.Int("server.port"),
			ShutdownTimeout: k.Duration("server.shutdown.timeout"),
		},
		Log: LogConfig{
			Level:  k.String("log.level"),
			Format: k.String("log.format"),
		},
		Metrics: MetricsConfig{
			Enabled:   !k.Exists("metrics.enabled") || k.Bool("metrics.enabled"),
			Namespace: k.String("metrics.namespace"),
			Path:      k.String("metrics.path"),
		},
		Storage: StorageConfig{
			Backend:        k.String("storage.backend"),
			AsyncSync:      k.Bool("storage.async.sync"),
			SyncBufferSize: k.Int("storage.sync.buffer.size"),
		},
		Redis: RedisConfig{
			Addr:           k.String("redis.addr"),
			Password:       k.String("redis.password"),
			DB:             k.Int("redis.db"),
			KeyPrefix:      k.String("redis.key.prefix"),
			UsageRetention: k.Duration("redis.usage.retention"),
		},
		Postgres: PostgresConfig{
			DSN:            k.String("postgres.dsn"),
			MaxConns:       int32(k.Int("postgres.max.conns")),
			Migrate:        k.Bool("postgres.migrate"),
			UsageRetention: k.Duration("postgres.usage.retention"),
		},
		Firestore: FirestoreConfig{
			ProjectID: k.String("firestore.project.id"),
		},
		Provider: ProviderConfig{
			Name:         k.String("provider.name"),
			BaseURL:      k.String("provider.base.url"),
			APIKey:       k.String("provider.api.key"),
			Model:        k.String("provider.model"),
			SystemPrompt: k.String("provider.system.prompt"),
			MaxTokens:    k.Int("provider.max.tokens"),
			Timeout:      k.Duration("provider.timeout"),
		},
		Quota: QuotaConfig{
			Period:            k.String("quota.period"),
			Interval:          k.Duration("quota.interval"),
			DefaultTier:       k.String("quota.default.tier"),
			Tiers:             k.String("quota.tiers"),
			Unit:              k.String("quota.unit"),
			WarningThresholds: k.String("quota.warning.thresholds"),
		},
		RateLimit: RateLimitConfig{
			Backend:   k.String("rate.limit.backend"),
			Algorithm: k.String("rate.limit.algorithm"),
			Rate:      k.Int("rate.limit.rate"),
			Window:    k.Duration("rate.limit.window"),
			Burst:     k.Int("rate.limit.burst"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: k.Int("breaker.failure.threshold"),
			ResetTimeout:     k.Duration("breaker.reset.timeout"),
		},
		Feedback: FeedbackConfig{
			Sink:        k.String("feedback.sink"),
			CacheSize:   k.Int("feedback.cache.size"),
			ResponseTTL: k.Duration("feedback.response.ttl"),
		},
		NATS: NATSConfig{
			URL:           k.String("nats.url"),
			SubjectPrefix: k.String("nats.subject.prefix"),
		},
		Locale: k.String("locale"),
	}
	cfg.applyDefaults()
	return cfg, nil
}

// envKey maps AITUTOR_RATE_LIMIT_RATE to "rate.limit.rate"
func envKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(s, EnvPrefix), "_", "."))
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "aitutor"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "fake"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = aitutor.DefaultProviderTimeout
	}
	if c.Quota.Period == "" {
		c.Quota.Period = string(aitutor.PeriodTypeDaily)
	}
	if c.Quota.DefaultTier == "" {
		c.Quota.DefaultTier = "free"
	}
	if c.Quota.Tiers == "" {
		c.Quota.Tiers = "free=20,premium=-1"
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Algorithm == "" {
		c.RateLimit.Algorithm = aitutor.AlgorithmTokenBucket
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.Feedback.Sink == "" {
		c.Feedback.Sink = "none"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.Locale == "" {
		c.Locale = aitutor.DefaultLocale
	}
}

// TierConfigs parses Quota.Tiers, e.g. "free=20,premium=-1"
func (c QuotaConfig) TierConfigs() (map[string]aitutor.TierConfig, error) {
	tiers := make(map[string]aitutor.TierConfig)
	for _, part := range strings.Split(c.Tiers, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, limit, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("tier %q: want name=limit", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(limit))
		if err != nil {
			return nil, fmt.Errorf("tier %q: %w", name, err)
		}
		if n < aitutor.Unlimited {
			return nil, fmt.Errorf("tier %q: limit must be >= -1, got %d", name, n)
		}
		tiers[name] = aitutor.TierConfig{Name: name, Limit: n}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers configured")
	}
	return tiers, nil
}

// Thresholds parses Quota.WarningThresholds, e.g. "0.8,0.95"
func (c QuotaConfig) Thresholds() ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(c.WarningThresholds, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("warning threshold %q: %w", part, err)
		}
		if f <= 0 || f > 1 {
			return nil, fmt.Errorf("warning threshold %v must be in (0, 1]", f)
		}
		out = append(out, f)
	}
	return out, nil
}

// Ledger builds the ledger configuration. Validate reports its parse errors.
func (c QuotaConfig) Ledger() (aitutor.Config, error) {
	tiers, err := c.TierConfigs()
	if err != nil {
		return aitutor.Config{}, err
	}
	thresholds, err := c.Thresholds()
	if err != nil {
		return aitutor.Config{}, err
	}
	return aitutor.Config{
		Tiers:             tiers,
		DefaultTier:       c.DefaultTier,
		Period:            aitutor.PeriodConfig{Type: aitutor.PeriodType(c.Period), Interval: c.Interval},
		Unit:              c.Unit,
		WarningThresholds: thresholds,
	}, nil
}

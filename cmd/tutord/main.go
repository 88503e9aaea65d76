// Command tutord serves the AI tutoring dispatch core over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/aitutor/feedback/nats"
	"github.com/mihaimyh/aitutor/internal/config"
	"github.com/mihaimyh/aitutor/pkg/aitutor"
	zerologadapter "github.com/mihaimyh/aitutor/pkg/aitutor/logger/zerolog"
	prommetrics "github.com/mihaimyh/aitutor/pkg/aitutor/metrics/prometheus"
	"github.com/mihaimyh/aitutor/pkg/api"
	"github.com/mihaimyh/aitutor/provider/fake"
	"github.com/mihaimyh/aitutor/provider/openai"
	firestorestorage "github.com/mihaimyh/aitutor/storage/firestore"
	"github.com/mihaimyh/aitutor/storage/memory"
	"github.com/mihaimyh/aitutor/storage/postgres"
	redisstorage "github.com/mihaimyh/aitutor/storage/redis"
	"github.com/mihaimyh/aitutor/storage/tiered"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "loading config:", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	zlog := newZerolog(cfg.Log)
	if err := run(cfg, zlog); err != nil {
		zlog.Error().Err(err).Msg("tutord stopped")
		os.Exit(1)
	}
}

func newZerolog(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var zlog zerolog.Logger
	if cfg.Format == "console" {
		zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		zlog = zerolog.New(os.Stdout)
	}
	return zlog.Level(level).With().Timestamp().Str("service", "tutord").Logger()
}

// closers runs registered shutdown hooks in reverse order
type closers []func()

func (c *closers) add(f func()) { *c = append(*c, f) }

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg *config.Config, zlog zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := zerologadapter.NewLogger(zlog)

	var metrics aitutor.Metrics = &aitutor.NoopMetrics{}
	if cfg.Metrics.Enabled {
		metrics = prommetrics.NewMetrics(prometheus.DefaultRegisterer, cfg.Metrics.Namespace)
	}

	var cleanup closers
	defer cleanup.run()

	deps := &dependencies{cfg: cfg, logger: logger, cleanup: &cleanup}

	storage, err := deps.storage(ctx)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	provider, err := newProvider(cfg.Provider)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	limiter, err := deps.rateLimiter(ctx)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	sink, err := deps.feedbackSink(ctx)
	if err != nil {
		return fmt.Errorf("feedback sink: %w", err)
	}
	quota, err := cfg.Quota.Ledger()
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	quota.WarningHandler = warningLogger{logger: logger}

	core, err := aitutor.NewCore(aitutor.CoreConfig{
		Storage:  storage,
		Provider: provider,
		Quota:    quota,
		Locale:   cfg.Locale,
		RateLimit: aitutor.RateLimitConfig{
			Algorithm: cfg.RateLimit.Algorithm,
			Rate:      cfg.RateLimit.Rate,
			Window:    cfg.RateLimit.Window,
			Burst:     cfg.RateLimit.Burst,
		},
		RateLimiter: limiter,
		CircuitBreaker: aitutor.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			ResetTimeout:     cfg.Breaker.ResetTimeout,
		},
		ProviderTimeout:   cfg.Provider.Timeout,
		ResponseCacheSize: cfg.Feedback.CacheSize,
		ResponseTTL:       cfg.Feedback.ResponseTTL,
		FeedbackSink:      sink,
		Metrics:           metrics,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	handler, err := api.NewHandler(api.Config{Core: core, Logger: logger})
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}

	root := chi.NewRouter()
	if cfg.Metrics.Enabled {
		root.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	root.Mount("/", handler.Routes())

	// no WriteTimeout: streamed responses are bounded by the provider timeout
	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			aitutor.Field{Key: "addr", Value: srv.Addr},
			aitutor.Field{Key: "storage", Value: cfg.Storage.Backend},
			aitutor.Field{Key: "provider", Value: cfg.Provider.Name},
			aitutor.Field{Key: "feedbackSink", Value: cfg.Feedback.Sink})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// dependencies opens shared backend clients at most once
type dependencies struct {
	cfg     *config.Config
	logger  aitutor.Logger
	cleanup *closers

	redis     goredis.UniversalClient
	firestore *firestorestorage.Storage
}

func (d *dependencies) redisClient(ctx context.Context) (goredis.UniversalClient, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     d.cfg.Redis.Addr,
		Password: d.cfg.Redis.Password,
		DB:       d.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", d.cfg.Redis.Addr, err)
	}
	d.cleanup.add(func() { _ = client.Close() })
	d.redis = client
	return client, nil
}

func (d *dependencies) firestoreStorage(ctx context.Context) (*firestorestorage.Storage, error) {
	if d.firestore != nil {
		return d.firestore, nil
	}
	client, err := firestore.NewClient(ctx, d.cfg.Firestore.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}
	d.cleanup.add(func() { _ = client.Close() })
	storage, err := firestorestorage.New(client, firestorestorage.Config{})
	if err != nil {
		return nil, err
	}
	d.firestore = storage
	return storage, nil
}

func (d *dependencies) storage(ctx context.Context) (aitutor.Storage, error) {
	switch d.cfg.Storage.Backend {
	case "redis":
		return d.redisStorage(ctx)
	case "postgres":
		return d.postgresStorage(ctx)
	case "firestore":
		return d.firestoreStorage(ctx)
	case "tiered":
		hot, err := d.redisStorage(ctx)
		if err != nil {
			return nil, err
		}
		cold, err := d.postgresStorage(ctx)
		if err != nil {
			return nil, err
		}
		storage, err := tiered.New(tiered.Config{
			Hot:            hot,
			Cold:           cold,
			AsyncUsageSync: d.cfg.Storage.AsyncSync,
			SyncBufferSize: d.cfg.Storage.SyncBufferSize,
			Logger:         d.logger,
		})
		if err != nil {
			return nil, err
		}
		// registered after postgres so pending cold writes drain before the pool closes
		d.cleanup.add(func() { _ = storage.Close() })
		return storage, nil
	default:
		return memory.New(), nil
	}
}

func (d *dependencies) redisStorage(ctx context.Context) (*redisstorage.Storage, error) {
	client, err := d.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	rcfg := redisstorage.DefaultConfig()
	if d.cfg.Redis.KeyPrefix != "" {
		rcfg.KeyPrefix = d.cfg.Redis.KeyPrefix
	}
	if d.cfg.Redis.UsageRetention > 0 {
		rcfg.UsageRetention = d.cfg.Redis.UsageRetention
	}
	return redisstorage.New(client, rcfg)
}

func (d *dependencies) postgresStorage(ctx context.Context) (*postgres.Storage, error) {
	pcfg := postgres.DefaultConfig()
	pcfg.ConnectionString = d.cfg.Postgres.DSN
	pcfg.MaxConns = d.cfg.Postgres.MaxConns
	if d.cfg.Postgres.UsageRetention > 0 {
		pcfg.UsageRetention = d.cfg.Postgres.UsageRetention
	}
	storage, err := postgres.New(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	d.cleanup.add(storage.Close)
	if d.cfg.Postgres.Migrate {
		if err := storage.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating schema: %w", err)
		}
		d.logger.Info("postgres schema applied")
	}
	return storage, nil
}

func (d *dependencies) rateLimiter(ctx context.Context) (aitutor.RateLimiter, error) {
	rl := d.cfg.RateLimit
	if rl.Rate <= 0 || rl.Backend != "redis" {
		// NewCore builds the in-memory limiter when Rate > 0
		return nil, nil
	}
	client, err := d.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	prefix := d.cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = redisstorage.DefaultConfig().KeyPrefix
	}
	return redisstorage.NewRateLimiter(client, prefix, aitutor.RateLimitConfig{
		Algorithm: rl.Algorithm,
		Rate:      rl.Rate,
		Window:    rl.Window,
		Burst:     rl.Burst,
	})
}

func (d *dependencies) feedbackSink(ctx context.Context) (aitutor.FeedbackSink, error) {
	switch d.cfg.Feedback.Sink {
	case "nats":
		client, err := nats.Connect(ctx, d.cfg.NATS.URL, d.cfg.NATS.SubjectPrefix, d.logger)
		if err != nil {
			return nil, err
		}
		d.cleanup.add(func() { _ = client.Close() })
		return nats.NewSink(client.JetStream(), nats.Config{
			SubjectPrefix: d.cfg.NATS.SubjectPrefix,
			Logger:        d.logger,
		})

	case "firestore":
		storage, err := d.firestoreStorage(ctx)
		if err != nil {
			return nil, err
		}
		return firestorestorage.NewFeedbackSink(storage), nil

	default:
		return nil, nil
	}
}

func newProvider(cfg config.ProviderConfig) (aitutor.Provider, error) {
	switch cfg.Name {
	case "openai":
		return openai.New(openai.Config{
			BaseURL:      cfg.BaseURL,
			APIKey:       cfg.APIKey,
			Model:        cfg.Model,
			SystemPrompt: cfg.SystemPrompt,
			MaxTokens:    cfg.MaxTokens,
		})
	default:
		return fake.New(), nil
	}
}

// warningLogger reports quota threshold crossings in the service log
type warningLogger struct {
	logger aitutor.Logger
}

func (w warningLogger) OnWarning(_ context.Context, status *aitutor.QuotaStatus, threshold float64) {
	w.logger.Warn("quota warning threshold crossed",
		aitutor.Field{Key: "userId", Value: status.UserID},
		aitutor.Field{Key: "tier", Value: status.Tier},
		aitutor.Field{Key: "used", Value: status.Used},
		aitutor.Field{Key: "limit", Value: status.Limit},
		aitutor.Field{Key: "threshold", Value: threshold})
}

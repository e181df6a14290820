// Package app builds the long-lived clients shared by the api and worker
// binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/generate"
	"github.com/dunamismax/genflow/internal/materialize"
	"github.com/dunamismax/genflow/internal/models"
	"github.com/dunamismax/genflow/internal/provider"
	"github.com/dunamismax/genflow/internal/ratelimit"
	"github.com/dunamismax/genflow/internal/storage"
	"github.com/dunamismax/genflow/internal/store"
	"github.com/dunamismax/genflow/internal/telemetry"
	"github.com/dunamismax/genflow/internal/webhook"
	"github.com/dunamismax/genflow/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// OpenStore returns the configured job store and a close func.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (store.JobStore, func() error, error) {
	switch cfg.Driver {
	case config.StoreDriverPostgres:
		pg, err := store.NewPostgresJobStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		logger.Info().Msg("using postgres job store")
		return pg, pg.Close, nil
	case config.StoreDriverMemory, "":
		logger.Warn().Msg("using in-memory job store; jobs are lost on restart")
		return store.NewMemoryJobStore(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// OpenStorage returns nil when object storage is disabled.
func OpenStorage(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*storage.Client, error) {
	if !cfg.Enabled {
		logger.Warn().Msg("object storage disabled; provider urls are stored as returned")
		return nil, nil
	}

	client, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		Region:   cfg.Region,
		UseSSL:   cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	if err := client.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", cfg.Bucket).Msg("object storage ready")
	return client, nil
}

// NewSubmitLimiter returns nil when no submit limit is configured.
func NewSubmitLimiter(cfg config.Config, redisClient redis.UniversalClient) (ratelimit.Limiter, error) {
	if cfg.API.SubmitPerMinute <= 0 {
		return nil, nil
	}
	if redisClient != nil {
		return ratelimit.NewRedisTokenBucket(redisClient, cfg.API.SubmitPerMinute, time.Minute, "genflow:submit")
	}
	return ratelimit.NewLocalLimiter(cfg.API.SubmitPerMinute, time.Minute)
}

func newThrottle(cfg config.ProviderConfig, redisClient redis.UniversalClient) (generate.Throttle, error) {
	if cfg.RatePerMinute <= 0 {
		return nil, nil
	}
	if redisClient != nil {
		return ratelimit.NewRedisTokenBucket(redisClient, cfg.RatePerMinute, time.Minute, "")
	}
	return ratelimit.NewLocalLimiter(cfg.RatePerMinute, time.Minute)
}

// NewRedisClient returns nil unless jobs are dispatched through redis.
func NewRedisClient(cfg config.Config) redis.UniversalClient {
	if cfg.Worker.DispatchMode != config.DispatchModeDurable {
		return nil
	}
	return redis.NewClient(cfg.Queue.RedisOptions())
}

func newProviders(cfg config.ProviderConfig, logger zerolog.Logger) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)
	httpClient := telemetry.HTTPClient(0)

	if cfg.ReplicateToken != "" {
		rep, err := provider.NewReplicate(provider.ReplicateConfig{
			Token:        cfg.ReplicateToken,
			BaseURL:      cfg.ReplicateBaseURL,
			PollInterval: cfg.PollInterval,
			HTTPClient:   httpClient,
		})
		if err != nil {
			return nil, err
		}
		providers[models.BackendReplicate] = rep
	}
	if cfg.GeminiAPIKey != "" {
		gem, err := provider.NewGemini(provider.GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			BaseURL:    cfg.GeminiBaseURL,
			HTTPClient: httpClient,
		})
		if err != nil {
			return nil, err
		}
		providers[models.BackendGemini] = gem
	}
	if len(providers) == 0 {
		logger.Warn().Msg("no provider credentials configured; every job will fail")
	}
	return providers, nil
}

// NewRunner wires the generation pipeline. storageClient and redisClient may
// be nil.
func NewRunner(cfg config.Config, logger zerolog.Logger, registry *prometheus.Registry, jobStore store.JobStore, storageClient *storage.Client, redisClient redis.UniversalClient) (*worker.Runner, error) {
	providers, err := newProviders(cfg.Provider, logger)
	if err != nil {
		return nil, fmt.Errorf("configure providers: %w", err)
	}
	throttle, err := newThrottle(cfg.Provider, redisClient)
	if err != nil {
		return nil, fmt.Errorf("configure provider throttle: %w", err)
	}

	modelRegistry := models.Default()
	invoker := generate.NewInvoker(modelRegistry, providers, generate.Options{
		CallTimeout: cfg.Provider.CallTimeout,
		Throttle:    throttle,
		HTTPClient:  telemetry.HTTPClient(cfg.Provider.CallTimeout),
		Logger:      logger,
	})

	runnerCfg := worker.RunnerConfig{
		Store:   jobStore,
		Invoker: invoker,
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
			HTTPClient:     telemetry.HTTPClient(cfg.Webhook.Timeout),
		}),
		Metrics: worker.NewMetrics(registry),
		Models:  modelRegistry,
		Logger:  logger,
		Retry: generate.RetryPolicy{
			MaxRetries:  cfg.Provider.MaxRetries,
			BaseBackoff: cfg.Provider.BaseBackoff,
		},
		FanOut: generate.FanOutOptions{
			Workers: cfg.Provider.FanOutWorkers,
			Stagger: cfg.Provider.FanOutStagger,
		},
		DefaultModel:   cfg.Provider.DefaultModel,
		ModelVersion:   cfg.Provider.ModelVersion,
		LocalOutputDir: cfg.Worker.LocalOutputDir,
		LocalInputRoot: cfg.Worker.LocalInputRoot,
		InputURLTTL:    cfg.Storage.ResultTTL,
	}

	if storageClient != nil {
		m, err := materialize.New(storageClient, materialize.Config{
			URLTTL:         cfg.Storage.ResultTTL,
			UploadAttempts: cfg.Provider.MaterializeTries,
			HTTPClient:     telemetry.HTTPClient(cfg.Provider.CallTimeout),
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		runnerCfg.Materializer = m
		runnerCfg.Staging = storageClient
	}
	return worker.NewRunner(runnerCfg)
}

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/dunamismax/genflow/internal/app"
	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/materialize"
	"github.com/dunamismax/genflow/internal/telemetry"
	"github.com/dunamismax/genflow/internal/worker"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel, "worker")
	ctx := context.Background()

	if cfg.Worker.DispatchMode != config.DispatchModeDurable {
		logger.Fatal().Str("dispatch_mode", cfg.Worker.DispatchMode).Msg("the worker only consumes the durable queue; set DISPATCH_MODE=durable")
	}

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "genflow-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Environment:  cfg.Env,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown error")
		}
	}()

	if err := materialize.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("image runtime startup failed")
	}
	defer materialize.Shutdown()

	registry := telemetry.NewRegistry()

	jobStore, closeStore, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store")
	}
	defer closeStore()

	storageClient, err := app.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open object storage")
	}

	redisClient := redis.NewClient(cfg.Queue.RedisOptions())
	defer redisClient.Close()

	runner, err := app.NewRunner(cfg, logger, registry, jobStore, storageClient, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("build runner")
	}

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, runner)
	if err != nil {
		logger.Fatal().Err(err).Msg("build worker server")
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", telemetry.MetricsHandler(registry))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	logger.Info().
		Int("concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.Name).
		Str("redis", cfg.Queue.RedisAddr).
		Str("metrics_addr", cfg.Worker.MetricsAddr).
		Msg("starting worker")

	// Run blocks until SIGINT or SIGTERM.
	if err := srv.Run(); err != nil {
		logger.Error().Err(err).Msg("worker failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
}

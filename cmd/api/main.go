package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/genflow/internal/api"
	"github.com/dunamismax/genflow/internal/app"
	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/jobs"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/materialize"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/dunamismax/genflow/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel, "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "genflow-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
		Environment:  cfg.Env,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	registry := telemetry.NewRegistry()

	jobStore, closeStore, err := app.OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open job store")
	}
	storageClient, err := app.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open object storage")
	}
	redisClient := app.NewRedisClient(cfg)

	var dispatcher queue.Dispatcher
	switch cfg.Worker.DispatchMode {
	case config.DispatchModeDurable:
		dispatcher = queue.NewAsynqDispatcher(cfg.Queue.RedisClientOpt(), queue.AsynqConfig{
			Queue:    cfg.Queue.Name,
			MaxRetry: cfg.Queue.MaxRetry,
			Timeout:  cfg.Queue.TaskTimeout,
		})
		logger.Info().Str("queue", cfg.Queue.Name).Str("redis", cfg.Queue.RedisAddr).Msg("dispatching to asynq")
	default:
		if err := materialize.Startup(); err != nil {
			logger.Fatal().Err(err).Msg("image runtime startup failed")
		}
		defer materialize.Shutdown()

		runner, err := app.NewRunner(cfg, logger, registry, jobStore, storageClient, redisClient)
		if err != nil {
			logger.Fatal().Err(err).Msg("build runner")
		}
		dispatcher, err = queue.NewLocalDispatcher(cfg.Worker.PoolSize, runner.Handle, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("build local dispatcher")
		}
		logger.Info().Int("pool_size", cfg.Worker.PoolSize).Msg("dispatching in process")
	}

	jobsCfg := jobs.Config{Store: jobStore, Dispatcher: dispatcher, Logger: logger}
	apiOpts := api.Options{
		Logger:        logger,
		UploadTTL:     cfg.Storage.UploadTTL,
		OwnerIDHeader: cfg.API.OwnerIDHeader,
		Registry:      registry,
	}
	if storageClient != nil {
		jobsCfg.Storage = storageClient
		apiOpts.Storage = storageClient
	}

	svc, err := jobs.NewService(jobsCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("build job service")
	}
	apiOpts.Jobs = svc

	limiter, err := app.NewSubmitLimiter(cfg, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("build submit limiter")
	}
	if limiter != nil {
		apiOpts.RateLimiter = limiter
	}

	srv, err := api.NewServer(apiOpts)
	if err != nil {
		logger.Fatal().Err(err).Msg("build api server")
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := dispatcher.Close(); err != nil {
		logger.Error().Err(err).Msg("dispatcher close error")
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := closeStore(); err != nil {
		logger.Error().Err(err).Msg("job store close error")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown error")
	}
}

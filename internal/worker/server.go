package worker

import (
	"context"
	"fmt"

	"github.com/dunamismax/genflow/internal/config"
	"github.com/dunamismax/genflow/internal/logging"
	"github.com/dunamismax/genflow/internal/queue"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Server consumes generation tasks from asynq and hands them to a Runner.
type Server struct {
	logger zerolog.Logger
	server *asynq.Server
	runner *Runner
}

func NewServer(logger zerolog.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, runner *Runner) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	s := &Server{
		logger: logger,
		runner: runner,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				Logger:   logging.AsynqLogger{Logger: logger},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Warn().
						Str("task_type", task.Type()).
						Int("retry", retried).
						Int("max_retry", maxRetry).
						Err(err).
						Msg("task failed")
				}),
			},
		),
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunGeneration, s.handleRunGeneration)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleRunGeneration(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseGenerationPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	status, err := s.runner.Execute(ctx, payload)
	if err != nil {
		if IsPermanent(err) {
			return fmt.Errorf("run generation: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("run generation: %w", err)
	}

	s.logger.Debug().Str("job_id", payload.JobID).Str("status", string(status)).Msg("task handled")
	return nil
}

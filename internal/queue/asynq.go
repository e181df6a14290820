package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type taskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

type AsynqConfig struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

// AsynqDispatcher publishes payloads to a redis-backed asynq queue.
type AsynqDispatcher struct {
	client   taskEnqueuer
	queue    string
	maxRetry int
	timeout  time.Duration
}

func NewAsynqDispatcher(redisOpt asynq.RedisClientOpt, cfg AsynqConfig) *AsynqDispatcher {
	return newAsynqDispatcher(asynq.NewClient(redisOpt), cfg)
}

func newAsynqDispatcher(client taskEnqueuer, cfg AsynqConfig) *AsynqDispatcher {
	if cfg.Queue == "" {
		cfg.Queue = "generation"
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Minute
	}
	return &AsynqDispatcher{
		client:   client,
		queue:    cfg.Queue,
		maxRetry: cfg.MaxRetry,
		timeout:  cfg.Timeout,
	}
}

func (d *AsynqDispatcher) Queue() string {
	return d.queue
}

// Enqueue returns only publish errors. A task that is already queued for the
// same job is not an error.
func (d *AsynqDispatcher) Enqueue(ctx context.Context, payload GenerationPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	task, err := NewGenerationTask(payload)
	if err != nil {
		return err
	}

	_, err = d.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(d.queue),
		asynq.MaxRetry(d.maxRetry),
		asynq.Timeout(d.timeout),
		asynq.TaskID(payload.OwnerID+":"+payload.JobID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue generation task: %w", err)
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

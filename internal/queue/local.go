package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

var ErrDispatcherClosed = errors.New("dispatcher is closed")

// LocalDispatcher runs payloads on a bounded in-process pool.
type LocalDispatcher struct {
	handler Handler
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewLocalDispatcher(size int, handler Handler, logger zerolog.Logger) (*LocalDispatcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if size < 1 {
		size = 1
	}

	return &LocalDispatcher{
		handler: handler,
		sem:     semaphore.NewWeighted(int64(size)),
		logger:  logger,
	}, nil
}

// Enqueue returns as soon as the payload is scheduled. The run does not
// inherit ctx cancellation, only its values.
func (d *LocalDispatcher) Enqueue(ctx context.Context, payload GenerationPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(runCtx, 1); err != nil {
			return
		}
		defer d.sem.Release(1)
		d.run(runCtx, payload)
	}()
	return nil
}

func (d *LocalDispatcher) run(ctx context.Context, payload GenerationPayload) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().
				Str("job_id", payload.JobID).
				Str("owner_id", payload.OwnerID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("generation handler panicked")
		}
	}()
	d.handler(ctx, payload)
}

// Close stops accepting work and waits for in-flight runs to finish.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

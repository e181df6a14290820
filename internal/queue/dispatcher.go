package queue

import "context"

// Dispatcher schedules a generation run. Delivery is at-least-once and
// unordered across jobs.
type Dispatcher interface {
	Enqueue(ctx context.Context, payload GenerationPayload) error
	Close() error
}

// Handler executes one delivered payload.
type Handler func(ctx context.Context, payload GenerationPayload)

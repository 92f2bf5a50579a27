package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/queue"
)

// Sender enqueues worker messages.
type Sender interface {
	Dispatch(ctx context.Context, msg Message, delay time.Duration) error
}

// Dispatcher sends messages to the worker queue through the delayed queue,
// grouped by tenant.
type Dispatcher struct {
	delayed        *queue.DelayedQueue
	workerQueueURL string
	logger         *slog.Logger
}

func NewDispatcher(logger *slog.Logger, delayed *queue.DelayedQueue, workerQueueURL string) *Dispatcher {
	return &Dispatcher{
		delayed:        delayed,
		workerQueueURL: workerQueueURL,
		logger:         logger.With("module", "dispatcher"),
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, delay time.Duration) error {
	err := msg.Validate()
	if err != nil {
		return err
	}

	body, err := Encode(msg)
	if err != nil {
		return err
	}

	err = d.delayed.Send(ctx, d.workerQueueURL, msg.Tenant(), body, delay)
	if err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", msg.Kind(), err)
	}

	d.logger.DebugContext(ctx, "Dispatched message", "type", msg.Kind(), "tenant_id", msg.Tenant(), "delay", delay)

	return nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Relay drains the delay queue, re-delaying messages that still have time
// remaining and forwarding the rest to their target queue.
type Relay struct {
	delayed      *DelayedQueue
	queue        Queue
	logger       *slog.Logger
	batchSize    int
	wait         time.Duration
	pollInterval time.Duration
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithReceiveWait sets the long-poll wait per receive.
func WithReceiveWait(wait time.Duration) RelayOption {
	return func(r *Relay) { r.wait = wait }
}

func NewRelay(logger *slog.Logger, q Queue, delayed *DelayedQueue, pollInterval time.Duration, opts ...RelayOption) *Relay {
	r := &Relay{
		delayed:      delayed,
		queue:        q,
		logger:       logger.With("module", "delay_relay", "queue", delayed.DelayQueueURL()),
		batchSize:    10,
		wait:         20 * time.Second,
		pollInterval: pollInterval,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "Starting delay relay")

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "Delay relay stopped")

			return nil
		default:
		}

		err := r.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "Error polling delay queue", "error", err)

			select {
			case <-ctx.Done():
			case <-time.After(r.pollInterval):
			}
		}
	}
}

// Poll receives one batch and handles every message in it.
func (r *Relay) Poll(ctx context.Context) (err error) {
	messages, err := r.queue.Receive(ctx, r.delayed.DelayQueueURL(), r.batchSize, r.wait)
	if err != nil {
		return fmt.Errorf("failed to receive from delay queue: %w", err)
	}

	if len(messages) == 0 && r.pollInterval > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(r.pollInterval):
		}

		return nil
	}

	for _, msg := range messages {
		if herr := r.Handle(ctx, msg); herr != nil {
			r.logger.ErrorContext(ctx, "Failed to relay message", "message_id", msg.ID, "error", herr)
			err = errors.Join(err, herr)
		}
	}

	return err
}

// Handle relays one message. The relay copy is deleted only after the forward succeeded.
func (r *Relay) Handle(ctx context.Context, msg *Message) error {
	target := msg.StringAttr(AttrTargetQueueURL)
	if target == "" {
		r.logger.ErrorContext(ctx, "Dropping relay message without target", "message_id", msg.ID)

		return r.queue.Delete(ctx, r.delayed.DelayQueueURL(), msg.ReceiptHandle)
	}

	tenantID := msg.StringAttr(AttrTenantID)
	remaining := msg.IntAttr(AttrRemainingDelaySeconds)

	var err error
	if remaining > 0 {
		err = r.delayed.Send(ctx, target, tenantID, msg.Body, time.Duration(remaining)*time.Second)
	} else {
		err = r.delayed.SendNow(ctx, target, tenantID, msg.Body)
	}

	if err != nil {
		return fmt.Errorf("failed to relay message %s: %w", msg.ID, err)
	}

	err = r.queue.Delete(ctx, r.delayed.DelayQueueURL(), msg.ReceiptHandle)
	if err != nil {
		return fmt.Errorf("failed to delete relayed message %s: %w", msg.ID, err)
	}

	r.logger.DebugContext(ctx, "Relayed message", "message_id", msg.ID, "target", target, "remaining_seconds", remaining)

	return nil
}

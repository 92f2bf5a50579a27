package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"
)

// Relay message attributes.
const (
	AttrTenantID              = "tenantId"
	AttrTargetQueueURL        = "targetQueueUrl"
	AttrRemainingDelaySeconds = "remainingDelaySeconds"
)

// DelayedQueue delivers messages after arbitrary delays by chaining native
// delays through a relay queue.
type DelayedQueue struct {
	queue         Queue
	delayQueueURL string
	ceiling       time.Duration
	now           func() time.Time
	logger        *slog.Logger
	sent          atomic.Int64
}

// DelayedOption configures a DelayedQueue.
type DelayedOption func(*DelayedQueue)

// WithCeiling caps the native delay requested per hop.
func WithCeiling(ceiling time.Duration) DelayedOption {
	return func(d *DelayedQueue) { d.ceiling = ceiling }
}

// WithClock sets the time source used for deduplication IDs.
func WithClock(now func() time.Time) DelayedOption {
	return func(d *DelayedQueue) { d.now = now }
}

func NewDelayedQueue(logger *slog.Logger, q Queue, delayQueueURL string, opts ...DelayedOption) *DelayedQueue {
	d := &DelayedQueue{
		queue:         q,
		delayQueueURL: delayQueueURL,
		ceiling:       MaxNativeDelay,
		now:           time.Now,
		logger:        logger.With("module", "delayed_queue"),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.ceiling < time.Second || d.ceiling > MaxNativeDelay {
		d.logger.Warn("Native delay ceiling out of range, using the maximum", "ceiling", d.ceiling, "max", MaxNativeDelay)
		d.ceiling = MaxNativeDelay
	}

	return d
}

// Send delivers body to targetURL once delay has elapsed.
func (d *DelayedQueue) Send(ctx context.Context, targetURL, tenantID, body string, delay time.Duration) error {
	seconds := int64(math.Ceil(delay.Seconds()))

	if seconds <= 0 {
		return d.SendNow(ctx, targetURL, tenantID, body)
	}

	ceiling := int64(d.ceiling.Seconds())
	attributes := map[string]Attribute{
		AttrTenantID:       StringAttribute(tenantID),
		AttrTargetQueueURL: StringAttribute(targetURL),
	}

	native := seconds
	if seconds > ceiling {
		native = ceiling
		attributes[AttrRemainingDelaySeconds] = NumberAttribute(seconds - ceiling)
	}

	d.logger.DebugContext(ctx, "Scheduling delayed message",
		"target", targetURL, "delay_seconds", seconds, "native_seconds", native)

	err := d.queue.Send(ctx, &OutgoingMessage{
		QueueURL:     d.delayQueueURL,
		Body:         body,
		DelaySeconds: int32(native),
		Attributes:   attributes,
	})
	if err != nil {
		return fmt.Errorf("failed to send to delay queue: %w", err)
	}

	return nil
}

// SendNow delivers body to targetURL immediately, grouped by tenant.
func (d *DelayedQueue) SendNow(ctx context.Context, targetURL, tenantID, body string) error {
	err := d.queue.Send(ctx, &OutgoingMessage{
		QueueURL:        targetURL,
		Body:            body,
		GroupID:         tenantID,
		DeduplicationID: fmt.Sprintf("%s-%d-%d", tenantID, d.now().UnixNano(), d.sent.Add(1)),
	})
	if err != nil {
		return fmt.Errorf("failed to send to %s: %w", targetURL, err)
	}

	return nil
}

// DelayQueueURL returns the relay queue this sender writes into.
func (d *DelayedQueue) DelayQueueURL() string {
	return d.delayQueueURL
}

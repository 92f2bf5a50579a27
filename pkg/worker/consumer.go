package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxInFlight = 3

// BodyHandler processes one raw message body.
type BodyHandler interface {
	RouteBody(ctx context.Context, body string) error
}

// Consumer pulls messages from the worker queue and processes a bounded number at a time.
// Messages are removed from the queue before processing; state checks make redelivery harmless
// and the watchdog recovers work lost to a crash.
type Consumer struct {
	queue        queue.Queue
	queueURL     string
	logger       *slog.Logger
	tracer       trace.Tracer
	maxInFlight  int
	wait         time.Duration
	pollInterval time.Duration

	exiting  atomic.Bool
	inFlight sync.WaitGroup
}

type ConsumerOption func(*Consumer)

func WithMaxInFlight(n int) ConsumerOption {
	return func(c *Consumer) { c.maxInFlight = n }
}

// WithPolling sets the long-poll wait per receive and the pause after a receive error.
func WithPolling(wait, pollInterval time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.wait = wait
		c.pollInterval = pollInterval
	}
}

func WithConsumerTracer(tracer trace.Tracer) ConsumerOption {
	return func(c *Consumer) { c.tracer = tracer }
}

func NewConsumer(logger *slog.Logger, q queue.Queue, queueURL string, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:        q,
		queueURL:     queueURL,
		logger:       logger.With("module", "consumer", "queue", queueURL),
		tracer:       otelhelper.NoopTracer(),
		maxInFlight:  DefaultMaxInFlight,
		wait:         20 * time.Second,
		pollInterval: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.maxInFlight < 1 {
		c.maxInFlight = 1
	}

	return c
}

// Exiting reports whether the consumer stopped taking new messages.
func (c *Consumer) Exiting() bool {
	return c.exiting.Load()
}

// Run consumes until ctx is cancelled, then waits for in-flight messages to finish.
func (c *Consumer) Run(ctx context.Context, handler BodyHandler) error {
	c.logger.InfoContext(ctx, "Starting consumer", "max_in_flight", c.maxInFlight)

	slots := make(chan struct{}, c.maxInFlight)

	defer func() {
		c.exiting.Store(true)
		c.logger.Info("Consumer exiting, waiting for in-flight messages")
		c.inFlight.Wait()
		c.logger.Info("Consumer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		msg, err := c.receive(ctx)
		if err != nil || msg == nil {
			<-slots

			if ctx.Err() != nil {
				return nil
			}

			if err != nil {
				c.logger.ErrorContext(ctx, "Failed to receive message", "error", err)
				c.pause(ctx)
			}

			continue
		}

		c.inFlight.Add(1)

		go func() {
			defer c.inFlight.Done()
			defer func() { <-slots }()

			c.handle(context.WithoutCancel(ctx), handler, msg)
		}()
	}
}

func (c *Consumer) receive(ctx context.Context) (*queue.Message, error) {
	messages, err := c.queue.Receive(ctx, c.queueURL, 1, c.wait)
	if err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		return nil, nil
	}

	msg := messages[0]

	err = c.queue.Delete(ctx, c.queueURL, msg.ReceiptHandle)
	if err != nil {
		c.logger.WarnContext(ctx, "Failed to delete message before processing", "message_id", msg.ID, "error", err)
	}

	return msg, nil
}

func (c *Consumer) handle(ctx context.Context, handler BodyHandler, msg *queue.Message) {
	ctx, span := c.tracer.Start(ctx, "worker.handle_message")
	defer span.End()

	span.SetAttributes(attribute.String(otelhelper.MessageIDKey, msg.ID))

	start := time.Now()
	logger := c.logger.With("message_id", msg.ID)

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling message: %v", r)
			otelhelper.SetError(span, err)
			logger.ErrorContext(ctx, "Message handler panicked", "error", err)
		}
	}()

	err := handler.RouteBody(ctx, msg.Body)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.ErrorContext(ctx, "Failed to process message", "error", err, "duration", time.Since(start))

		return
	}

	logger.DebugContext(ctx, "Processed message", "duration", time.Since(start))
}

func (c *Consumer) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}

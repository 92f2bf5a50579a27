// Package worker consumes dispatch messages and drives runs and webhooks through their handlers.
package worker

import (
	"context"
	"time"

	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxRetries          = 5
	DefaultWebhookMaxRetries   = 5
	DefaultOnboardingExitDelay = 3 * time.Minute
	DefaultRetryDelay          = time.Minute
	DefaultRateLimitGrace      = 30 * time.Second
	DefaultWebhookRateLimitPad = 5 * time.Second
)

// Resolver finds the handler of a platform or microservice type.
type Resolver interface {
	Integration(platform string) (protocol.Integration, error)
}

// Config holds the processing limits shared by both processors.
type Config struct {
	MaxRetries          int
	WebhookMaxRetries   int
	OnboardingExitDelay time.Duration
	RetryDelay          time.Duration
	RateLimitGrace      time.Duration
	WebhookRateLimitPad time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:          DefaultMaxRetries,
		WebhookMaxRetries:   DefaultWebhookMaxRetries,
		OnboardingExitDelay: DefaultOnboardingExitDelay,
		RetryDelay:          DefaultRetryDelay,
		RateLimitGrace:      DefaultRateLimitGrace,
		WebhookRateLimitPad: DefaultWebhookRateLimitPad,
	}
}

type options struct {
	cfg     Config
	now     func() time.Time
	exiting func() bool
	tracer  trace.Tracer
}

type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithExiting makes processors stop between streams once exiting reports true.
func WithExiting(exiting func() bool) Option {
	return func(o *options) { o.exiting = exiting }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func newOptions(opts []Option) options {
	o := options{
		cfg:     DefaultConfig(),
		now:     time.Now,
		exiting: func() bool { return false },
		tracer:  otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// nolint:spancheck
func (o options) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otelhelper.StartSpan(ctx, o.tracer, name, attrs...)
}

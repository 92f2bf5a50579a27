// Package watchdog repairs runs, integrations and webhooks left behind by crashed or stalled workers.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultStuckThreshold    = time.Hour
	DefaultRedispatchDelay   = time.Second
	DefaultMaxRetries        = 5
	DefaultWebhookMaxRetries = 5
	DefaultPageSize          = 10
	DefaultWebhookPageSize   = 20
)

type Config struct {
	// StuckThreshold is how long a run or stream may go without an update before it is inspected.
	StuckThreshold time.Duration
	// RedispatchDelay is the delay put on repaired runs so the scheduler's delayed pass picks them up.
	RedispatchDelay   time.Duration
	MaxRetries        int
	WebhookMaxRetries int
	PageSize          int
	WebhookPageSize   int
}

func DefaultConfig() Config {
	return Config{
		StuckThreshold:    DefaultStuckThreshold,
		RedispatchDelay:   DefaultRedispatchDelay,
		MaxRetries:        DefaultMaxRetries,
		WebhookMaxRetries: DefaultWebhookMaxRetries,
		PageSize:          DefaultPageSize,
		WebhookPageSize:   DefaultWebhookPageSize,
	}
}

// Report counts the repairs of one watchdog pass.
type Report struct {
	RunsInspected         int
	RunsFlagged           int
	StreamsReset          int
	RunsResynced          int
	RunsUnresolved        int
	IntegrationsRestarted int
	WebhooksRequeued      int
	WebhooksDispatched    int
}

// Watchdog runs the three repair sweeps. At most one pass runs at a time per instance.
type Watchdog struct {
	store  persistence.Persistence
	sender dispatch.Sender
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	cfg    Config

	running atomic.Bool
}

type Option func(*Watchdog)

func WithConfig(cfg Config) Option {
	return func(w *Watchdog) { w.cfg = cfg }
}

func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(w *Watchdog) { w.tracer = tracer }
}

func New(logger *slog.Logger, store persistence.Persistence, sender dispatch.Sender, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:  store,
		sender: sender,
		logger: logger.With("module", "watchdog"),
		tracer: otelhelper.NoopTracer(),
		now:    time.Now,
		cfg:    DefaultConfig(),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run performs one pass with the three sweeps in parallel. It reports false
// without doing anything when a pass is already running on this instance.
func (w *Watchdog) Run(ctx context.Context) (Report, bool) {
	if !w.running.CompareAndSwap(false, true) {
		w.logger.InfoContext(ctx, "Watchdog already running, skipping")

		return Report{}, false
	}
	defer w.running.Store(false)

	ctx, span := w.tracer.Start(ctx, "watchdog.run")
	defer span.End()

	var (
		report Report
		wg     sync.WaitGroup
	)

	sweeps := map[string]func(context.Context, *Report) error{
		"runs":         w.sweepRuns,
		"integrations": w.sweepIntegrations,
		"webhooks":     w.sweepWebhooks,
	}

	for name, sweep := range sweeps {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := w.guard(ctx, name, sweep, &report)
			if err != nil {
				otelhelper.SetError(span, err)
				w.logger.ErrorContext(ctx, "Sweep failed", "sweep", name, "error", err)
			}
		}()
	}

	wg.Wait()

	w.logger.InfoContext(ctx, "Watchdog finished",
		"runs_inspected", report.RunsInspected,
		"runs_flagged", report.RunsFlagged,
		"streams_reset", report.StreamsReset,
		"runs_unresolved", report.RunsUnresolved,
		"integrations_restarted", report.IntegrationsRestarted,
		"webhooks_dispatched", report.WebhooksDispatched,
	)

	return report, true
}

func (w *Watchdog) guard(ctx context.Context, name string, sweep func(context.Context, *Report) error, report *Report) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s sweep: %v", name, r)
		}
	}()

	return sweep(ctx, report)
}

// Running reports whether a pass is in progress.
func (w *Watchdog) Running() bool {
	return w.running.Load()
}

// Package retention purges finished runs and webhooks past their retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMonths = 3

// Result counts the rows removed by one cleanup.
type Result struct {
	Runs             int64
	Webhooks         int64
	OrphanedWebhooks int64
	Failed           int
}

type Cleaner struct {
	store  persistence.Persistence
	months int
	now    func() time.Time
	logger *slog.Logger
	tracer trace.Tracer
}

type Option func(*Cleaner)

func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) { c.now = now }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Cleaner) { c.tracer = tracer }
}

// NewCleaner keeps months of history. Values below one fall back to DefaultMonths.
func NewCleaner(logger *slog.Logger, store persistence.Persistence, months int, opts ...Option) *Cleaner {
	if months < 1 {
		months = DefaultMonths
	}

	c := &Cleaner{
		store:  store,
		months: months,
		now:    time.Now,
		logger: logger.With("module", "retention"),
		tracer: otelhelper.NoopTracer(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Cutoff is the creation time before which processed rows are removed.
func (c *Cleaner) Cutoff() time.Time {
	return c.now().AddDate(0, -c.months, 0)
}

// Run performs every cleanup. Each step is independent and failures are logged.
func (c *Cleaner) Run(ctx context.Context) Result {
	ctx, span := c.tracer.Start(ctx, "retention.run")
	defer span.End()

	cutoff := c.Cutoff()
	logger := c.logger.With("cutoff", cutoff)

	var result Result

	steps := []struct {
		name  string
		count *int64
		fn    func() (int64, error)
	}{
		{"runs", &result.Runs, func() (int64, error) { return c.store.Runs().CleanupOldRuns(ctx, cutoff) }},
		{"webhooks", &result.Webhooks, func() (int64, error) { return c.store.Webhooks().CleanUpOldWebhooks(ctx, cutoff) }},
		{"orphaned_webhooks", &result.OrphanedWebhooks, func() (int64, error) { return c.store.Webhooks().CleanUpOrphanedWebhooks(ctx) }},
	}

	for _, step := range steps {
		n, err := step.fn()
		if err != nil {
			result.Failed++
			otelhelper.SetError(span, err)
			logger.ErrorContext(ctx, "Cleanup step failed", "step", step.name, "error", err)

			continue
		}

		*step.count = n
	}

	logger.InfoContext(ctx, "Retention cleanup finished",
		"runs", result.Runs,
		"webhooks", result.Webhooks,
		"orphaned_webhooks", result.OrphanedWebhooks,
	)

	return result
}

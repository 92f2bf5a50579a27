// Package scheduler creates runs on a per-type cadence and wakes delayed runs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/services"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultPageSize = 100

// TargetKind tells whether a schedule applies to integrations or microservices.
type TargetKind string

const (
	KindIntegration  TargetKind = "integration"
	KindMicroservice TargetKind = "microservice"
)

// TypeSchedule is the check cadence of one integration platform or microservice type.
type TypeSchedule struct {
	Kind TargetKind
	Type string
	// TicksBetweenChecks below zero disables the type, zero checks every tick.
	TicksBetweenChecks int
	// JitterBuckets above one spreads new runs over JitterSpan.
	JitterBuckets int
	JitterSpan    time.Duration
}

func (s TypeSchedule) key() string {
	return string(s.Kind) + ":" + s.Type
}

// Jitter returns the delay of a bucket.
func (s TypeSchedule) Jitter(bucket int) time.Duration {
	if s.JitterBuckets <= 1 {
		return 0
	}

	return s.JitterSpan * time.Duration(bucket) / time.Duration(s.JitterBuckets)
}

// Trigger creates a run for a target.
type Trigger interface {
	Trigger(ctx context.Context, req services.TriggerRequest) (*models.Run, error)
}

// TickStats summarizes one tick.
type TickStats struct {
	Checked   []string
	Triggered int
	Skipped   int
	Failed    int
	Woken     int
}

// TickProcessor runs the check pass and the delayed pass once per tick.
type TickProcessor struct {
	store   persistence.Persistence
	trigger Trigger
	sender  dispatch.Sender
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	bucket  func(n int) int
	perPage int

	mu       sync.Mutex
	types    []TypeSchedule
	counters map[string]int
}

type TickOption func(*TickProcessor)

func WithTickClock(now func() time.Time) TickOption {
	return func(p *TickProcessor) { p.now = now }
}

// WithBucketPicker replaces the uniform random jitter bucket choice.
func WithBucketPicker(pick func(n int) int) TickOption {
	return func(p *TickProcessor) { p.bucket = pick }
}

func WithPageSize(n int) TickOption {
	return func(p *TickProcessor) { p.perPage = n }
}

func WithTickTracer(tracer trace.Tracer) TickOption {
	return func(p *TickProcessor) { p.tracer = tracer }
}

func NewTickProcessor(logger *slog.Logger, store persistence.Persistence, trigger Trigger, sender dispatch.Sender, types []TypeSchedule, opts ...TickOption) *TickProcessor {
	p := &TickProcessor{
		store:    store,
		trigger:  trigger,
		sender:   sender,
		logger:   logger.With("module", "tick_processor"),
		tracer:   otelhelper.NoopTracer(),
		now:      time.Now,
		bucket:   rand.IntN,
		perPage:  DefaultPageSize,
		counters: make(map[string]int),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.SetTypes(types)

	return p
}

// SetTypes replaces the schedules. Counters of types present before and after are kept.
func (p *TickProcessor) SetTypes(types []TypeSchedule) {
	p.mu.Lock()
	defer p.mu.Unlock()

	counters := make(map[string]int, len(types))
	for _, t := range types {
		counters[t.key()] = p.counters[t.key()]
	}

	p.types = append([]TypeSchedule(nil), types...)
	p.counters = counters
}

// Counter returns the ticks counted since the last check of a type.
func (p *TickProcessor) Counter(kind TargetKind, typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.counters[TypeSchedule{Kind: kind, Type: typ}.key()]
}

// Tick runs one check pass over the due types and then the delayed pass. It never fails.
func (p *TickProcessor) Tick(ctx context.Context) TickStats {
	ctx, span := p.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	var stats TickStats

	for _, schedule := range p.due() {
		stats.Checked = append(stats.Checked, schedule.key())

		err := p.check(ctx, schedule, &stats)
		if err != nil {
			otelhelper.SetError(span, err)
			p.logger.ErrorContext(ctx, "Check pass failed", "kind", schedule.Kind, "type", schedule.Type, "error", err)
		}
	}

	woken, err := p.wakeDelayed(ctx)
	if err != nil {
		otelhelper.SetError(span, err)
		p.logger.ErrorContext(ctx, "Delayed pass failed", "error", err)
	}

	stats.Woken = woken

	span.SetAttributes(
		attribute.Int("ingest.tick.triggered", stats.Triggered),
		attribute.Int("ingest.tick.woken", stats.Woken),
	)

	p.logger.InfoContext(ctx, "Tick finished",
		"checked", len(stats.Checked),
		"triggered", stats.Triggered,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"woken", stats.Woken,
	)

	return stats
}

// due advances the counters and returns the types to check on this tick.
func (p *TickProcessor) due() []TypeSchedule {
	p.mu.Lock()
	defer p.mu.Unlock()

	var due []TypeSchedule

	for _, t := range p.types {
		switch {
		case t.TicksBetweenChecks < 0:
			continue
		case t.TicksBetweenChecks == 0:
			due = append(due, t)
		default:
			key := t.key()
			p.counters[key]++

			if p.counters[key] >= t.TicksBetweenChecks {
				p.counters[key] = 0
				due = append(due, t)
			}
		}
	}

	return due
}

func (p *TickProcessor) check(ctx context.Context, schedule TypeSchedule, stats *TickStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in check pass: %v", r)
		}
	}()

	logger := p.logger.With("kind", schedule.Kind, "type", schedule.Type)

	switch schedule.Kind {
	case KindMicroservice:
		return persistence.ProcessPaginated(ctx, p.perPage,
			func(ctx context.Context, page, perPage int) ([]*models.Microservice, error) {
				return p.store.Microservices().FindAllByType(ctx, schedule.Type, page, perPage)
			},
			func(ctx context.Context, m *models.Microservice) error {
				p.start(ctx, logger, schedule, m.TenantID, models.RunTarget{MicroserviceID: m.ID}, stats)

				return nil
			})
	default:
		return persistence.ProcessPaginated(ctx, p.perPage,
			func(ctx context.Context, page, perPage int) ([]*models.Integration, error) {
				return p.store.Integrations().FindAllActive(ctx, schedule.Type, page, perPage)
			},
			func(ctx context.Context, i *models.Integration) error {
				p.start(ctx, logger, schedule, i.TenantID, models.RunTarget{IntegrationID: i.ID}, stats)

				return nil
			})
	}
}

func (p *TickProcessor) start(ctx context.Context, logger *slog.Logger, schedule TypeSchedule, tenantID string, target models.RunTarget, stats *TickStats) {
	logger = logger.With("tenant_id", tenantID, "target", target.String())

	active, err := p.store.Runs().FindActiveRun(ctx, target, "")
	if err != nil {
		stats.Failed++
		logger.WarnContext(ctx, "Failed to check for active run", "error", err)

		return
	}

	if active != nil {
		stats.Skipped++
		logger.DebugContext(ctx, "Skipping target with active run", "run_id", active.ID)

		return
	}

	req := services.TriggerRequest{TenantID: tenantID, Target: target}
	if schedule.JitterBuckets > 1 {
		req.Delay = schedule.Jitter(p.bucket(schedule.JitterBuckets))
	}

	run, err := p.trigger.Trigger(ctx, req)

	switch {
	case services.IsConflictError(err):
		stats.Skipped++
	case err != nil:
		stats.Failed++
		logger.WarnContext(ctx, "Failed to trigger run", "error", err)
	default:
		stats.Triggered++
		logger.DebugContext(ctx, "Triggered run", "run_id", run.ID, "delay", req.Delay)
	}
}

// wakeDelayed dispatches every delayed run whose delay elapsed. The worker restarts it on receipt.
func (p *TickProcessor) wakeDelayed(ctx context.Context) (int, error) {
	now := p.now()
	woken := 0

	err := persistence.ProcessPaginated(ctx, p.perPage,
		func(ctx context.Context, page, perPage int) ([]*models.Run, error) {
			return p.store.Runs().FindDelayedRuns(ctx, now, page, perPage)
		},
		func(ctx context.Context, run *models.Run) error {
			err := p.sender.Dispatch(ctx, &dispatch.ProcessRun{TenantID: run.TenantID, RunID: run.ID}, 0)
			if err != nil {
				p.logger.WarnContext(ctx, "Failed to dispatch delayed run", "run_id", run.ID, "error", err)

				return nil
			}

			woken++

			return nil
		})

	return woken, err
}

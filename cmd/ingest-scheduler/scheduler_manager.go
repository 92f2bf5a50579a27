package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/config"
	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/retention"
	"github.com/dukex/ingest/pkg/scheduler"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/watchdog"
	"go.opentelemetry.io/otel/trace"
)

const stopTimeout = 30 * time.Second

// Specs are the cron specs of the three scheduled jobs.
type Specs struct {
	Tick      string
	Watchdog  string
	Retention string
}

type SchedulerManager struct {
	logger   *slog.Logger
	tick     *scheduler.TickProcessor
	watchdog *watchdog.Watchdog
	cleaner  *retention.Cleaner
	runner   *scheduler.Runner
}

func NewSchedulerManager(
	logger *slog.Logger,
	cfg *config.Config,
	store persistence.Persistence,
	backend *cmd.QueueBackend,
	tracer trace.Tracer,
	specs Specs,
) *SchedulerManager {
	delayed := queue.NewDelayedQueue(logger, backend.Queue, backend.URL(cfg.Queue.DelayQueue),
		queue.WithCeiling(cfg.Queue.NativeDelayCeiling))
	sender := dispatch.NewDispatcher(logger, delayed, backend.URL(cfg.Queue.WorkerQueue))
	runs := services.NewRuns(logger, store, sender)

	m := &SchedulerManager{
		logger:   logger,
		tick:     scheduler.NewTickProcessor(logger, store, runs, sender, cfg.Schedules(), scheduler.WithTickTracer(tracer)),
		watchdog: watchdog.New(logger, store, sender, watchdog.WithConfig(cfg.WatchdogOptions()), watchdog.WithTracer(tracer)),
		cleaner:  retention.NewCleaner(logger, store, cfg.Processing.RetentionMonths, retention.WithTracer(tracer)),
	}

	m.runner = scheduler.NewRunner(logger,
		scheduler.Job{Name: "tick", Spec: specs.Tick, Run: m.runTick},
		scheduler.Job{Name: "watchdog", Spec: specs.Watchdog, Run: m.runWatchdog},
		scheduler.Job{Name: "retention", Spec: specs.Retention, Run: m.runRetention},
	)

	return m
}

func (m *SchedulerManager) runTick(ctx context.Context) {
	stats := m.tick.Tick(ctx)

	m.logger.InfoContext(ctx, "Tick finished",
		"checked", stats.Checked,
		"triggered", stats.Triggered,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"woken", stats.Woken)
}

func (m *SchedulerManager) runWatchdog(ctx context.Context) {
	report, ran := m.watchdog.Run(ctx)
	if !ran {
		m.logger.WarnContext(ctx, "Watchdog pass still running, skipping")

		return
	}

	m.logger.InfoContext(ctx, "Watchdog finished", "report", report)
}

func (m *SchedulerManager) runRetention(ctx context.Context) {
	result := m.cleaner.Run(ctx)

	m.logger.InfoContext(ctx, "Retention finished",
		"runs", result.Runs,
		"webhooks", result.Webhooks,
		"orphaned_webhooks", result.OrphanedWebhooks,
		"failed", result.Failed)
}

// applyConfig swaps the tick types after a config reload.
func (m *SchedulerManager) applyConfig(cfg *config.Config) {
	m.tick.SetTypes(cfg.Schedules())
}

// Start runs the jobs until SIGINT or SIGTERM. A non-empty configPath is watched for changes.
func (m *SchedulerManager) Start(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if configPath != "" {
		watcher := config.NewWatcher(m.logger, configPath, m.applyConfig)

		go func() {
			err := watcher.Run(ctx)
			if err != nil {
				m.logger.ErrorContext(ctx, "Config watcher stopped", "error", err)
			}
		}()
	}

	err := m.runner.Start(ctx)
	if err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "Scheduler started")

	<-ctx.Done()
	m.logger.Info("Shutting down scheduler...")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()

	return m.runner.Stop(stopCtx)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/config"
	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/eventbus"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/worker"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

type WorkerManager struct {
	logger   *slog.Logger
	consumer *worker.Consumer
	router   *dispatch.Router
	relay    *queue.Relay
}

func NewWorkerManager(
	logger *slog.Logger,
	cfg *config.Config,
	store persistence.Persistence,
	backend *cmd.QueueBackend,
	eventBus eventbus.EventBus,
	resolver worker.Resolver,
	tracer trace.Tracer,
) (*WorkerManager, error) {
	workerQueueURL := backend.URL(cfg.Queue.WorkerQueue)

	delayed := queue.NewDelayedQueue(logger, backend.Queue, backend.URL(cfg.Queue.DelayQueue),
		queue.WithCeiling(cfg.Queue.NativeDelayCeiling))
	sender := dispatch.NewDispatcher(logger, delayed, workerQueueURL)

	consumer := worker.NewConsumer(logger, backend.Queue, workerQueueURL,
		worker.WithMaxInFlight(cfg.Worker.MaxInFlight),
		worker.WithConsumerTracer(tracer))

	opts := []worker.Option{
		worker.WithConfig(cfg.WorkerOptions()),
		worker.WithExiting(consumer.Exiting),
		worker.WithTracer(tracer),
	}

	runs := worker.NewRunProcessor(logger, store, resolver, eventBus, opts...)
	webhooks := worker.NewWebhookProcessor(logger, store, resolver, sender, eventBus, opts...)

	router, err := dispatch.NewRouter(dispatch.Handlers{
		ProcessRun:     runs.Process,
		ProcessWebhook: webhooks.Process,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build router: %w", err)
	}

	return &WorkerManager{
		logger:   logger,
		consumer: consumer,
		router:   router,
		relay:    queue.NewRelay(logger, backend.Queue, delayed, cfg.Queue.RelayPollInterval),
	}, nil
}

// Start consumes until SIGINT or SIGTERM, then waits for in-flight messages.
func (w *WorkerManager) Start(ctx context.Context, withRelay bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.InfoContext(ctx, "Starting worker manager", "relay", withRelay)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return w.consumer.Run(ctx, w.router)
	})

	if withRelay {
		group.Go(func() error {
			return w.relay.Run(ctx)
		})
	}

	err := group.Wait()

	w.logger.Info("Worker stopped")

	return err
}

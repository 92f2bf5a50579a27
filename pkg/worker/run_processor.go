package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/eventbus"
	"github.com/dukex/ingest/pkg/events"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type runOutcome int

const (
	// outcomeDrained means no eligible stream is left for this pass.
	outcomeDrained runOutcome = iota
	outcomeDelayed
	outcomeStopped
)

type runJob struct {
	run     *models.Run
	sc      *protocol.StepContext
	handler protocol.Integration
	fire    bool
	logger  *slog.Logger
}

// RunProcessor claims a run and processes its streams one at a time until none is eligible.
type RunProcessor struct {
	options

	store    persistence.Persistence
	resolver Resolver
	events   eventbus.EventPublisher
	logger   *slog.Logger
}

func NewRunProcessor(logger *slog.Logger, store persistence.Persistence, resolver Resolver, publisher eventbus.EventPublisher, opts ...Option) *RunProcessor {
	return &RunProcessor{
		options:  newOptions(opts),
		store:    store,
		resolver: resolver,
		events:   publisher,
		logger:   logger.With("module", "run_processor"),
	}
}

func (p *RunProcessor) Process(ctx context.Context, msg *dispatch.ProcessRun) error {
	ctx, span := p.startSpan(ctx, "worker.process_run",
		attribute.String(otelhelper.RunIDKey, msg.RunID),
		attribute.String(otelhelper.TenantIDKey, msg.TenantID),
	)
	defer span.End()

	logger := p.logger.With("run_id", msg.RunID, "tenant_id", msg.TenantID)

	run, err := p.store.Runs().FindByID(ctx, msg.RunID)
	if persistence.IsNotFound(err) {
		logger.WarnContext(ctx, "Skipping message for missing run")

		return nil
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return fmt.Errorf("failed to load run %s: %w", msg.RunID, err)
	}

	job := &runJob{run: run, fire: msg.ShouldFireWebhooks(), logger: logger.With("target", run.Target.String())}

	err = p.resolve(ctx, job)
	if err != nil {
		return p.fail(ctx, job, ErrorPointResolve, err)
	}

	var forced *models.Stream

	if msg.StreamID != "" {
		forced, err = p.claimStream(ctx, job, msg.StreamID)
	} else {
		var claimed bool

		claimed, err = p.claimRun(ctx, job)
		if err == nil && !claimed {
			return nil
		}
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	p.markIntegration(ctx, job, models.IntegrationStatusInProgress)

	err = job.handler.Preprocess(ctx, job.sc)
	if err != nil {
		return p.failOrDelay(ctx, job, ErrorPointPreprocess, err)
	}

	err = p.ensureStreams(ctx, job)
	if err != nil {
		return p.failOrDelay(ctx, job, ErrorPointGetStreams, err)
	}

	outcome, err := p.processStreams(ctx, job, forced)
	if err != nil {
		job.logger.ErrorContext(ctx, "Stream loop aborted", "error", err)
		otelhelper.SetError(span, err)
	}

	if outcome == outcomeDrained && err == nil {
		perr := job.handler.Postprocess(ctx, job.sc)
		if perr != nil {
			return p.fail(ctx, job, ErrorPointPostprocess, perr)
		}
	}

	p.finalize(ctx, job)

	return err
}

func (p *RunProcessor) resolve(ctx context.Context, job *runJob) error {
	run := job.run
	sc := &protocol.StepContext{Run: run, Logger: job.logger, Exiting: p.exiting}

	var key string

	span := trace.SpanFromContext(ctx)

	if run.Target.IsMicroservice() {
		microservice, err := p.store.Microservices().FindByID(ctx, run.Target.MicroserviceID)
		if err != nil {
			return err
		}

		sc.Microservice = microservice
		key = microservice.Type

		span.SetAttributes(attribute.String(otelhelper.MicroserviceIDKey, microservice.ID))
	} else {
		integration, err := p.store.Integrations().FindByID(ctx, run.Target.IntegrationID)
		if err != nil {
			return err
		}

		sc.Integration = integration
		key = integration.Platform

		span.SetAttributes(attribute.String(otelhelper.IntegrationIDKey, integration.ID))
	}

	handler, err := p.resolver.Integration(key)
	if err != nil {
		return err
	}

	span.SetAttributes(attribute.String(otelhelper.PlatformKey, key))

	job.sc = sc
	job.handler = handler
	job.logger = job.logger.With("platform", key)
	sc.Logger = job.logger

	return nil
}

// claimRun moves the run to processing. It reports false when the message should be dropped.
func (p *RunProcessor) claimRun(ctx context.Context, job *runJob) (bool, error) {
	run := job.run
	runs := p.store.Runs()

	switch run.State {
	case models.RunStateProcessed:
		job.logger.InfoContext(ctx, "Run already processed")

		return false, nil
	case models.RunStateProcessing:
		return false, fmt.Errorf("%w: run %s is already processing", persistence.ErrInvalidTransition, run.ID)
	case models.RunStateDelayed:
		if run.DelayedUntil != nil && p.now().Before(*run.DelayedUntil) {
			job.logger.InfoContext(ctx, "Ignoring early message for delayed run", "delayed_until", *run.DelayedUntil)

			return false, nil
		}

		err := runs.Restart(ctx, run.ID)
		if persistence.IsInvalidTransition(err) {
			job.logger.InfoContext(ctx, "Delayed run was picked up elsewhere")

			return false, nil
		}

		if err != nil {
			return false, fmt.Errorf("failed to restart delayed run: %w", err)
		}
	}

	active, err := runs.FindActiveRun(ctx, run.Target, run.ID)
	if err != nil {
		return false, fmt.Errorf("failed to check for active runs: %w", err)
	}

	if active != nil {
		return false, p.fail(ctx, job, ErrorPointCheckExistingRun, fmt.Errorf("%w: %s", ErrRunActive, active.ID))
	}

	err = runs.MarkProcessing(ctx, run.ID)
	if persistence.IsInvalidTransition(err) {
		job.logger.InfoContext(ctx, "Run claimed by another worker")

		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to mark run processing: %w", err)
	}

	run.State = models.RunStateProcessing

	return true, nil
}

// claimStream prepares a run for re-processing one specific stream.
func (p *RunProcessor) claimStream(ctx context.Context, job *runJob, streamID string) (*models.Stream, error) {
	run := job.run

	stream, err := p.store.Streams().FindByID(ctx, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}

	if stream.RunID != run.ID {
		return nil, fmt.Errorf("stream %s does not belong to run %s", streamID, run.ID)
	}

	if run.State != models.RunStateProcessing {
		if run.State != models.RunStatePending {
			err = p.store.Runs().Restart(ctx, run.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to restart run: %w", err)
			}
		}

		err = p.store.Runs().MarkProcessing(ctx, run.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark run processing: %w", err)
		}

		run.State = models.RunStateProcessing
	}

	if stream.State == models.StreamStateProcessing || stream.State == models.StreamStateProcessed {
		err = p.store.Streams().Reset(ctx, stream.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reset stream: %w", err)
		}

		stream.State = models.StreamStatePending
	}

	return stream, nil
}

func (p *RunProcessor) ensureStreams(ctx context.Context, job *runJob) error {
	existing, err := p.store.Streams().FindByRunID(ctx, job.run.ID, persistence.StreamFilter{}, 1, 1)
	if err != nil {
		return fmt.Errorf("failed to list streams: %w", err)
	}

	if len(existing) > 0 {
		return nil
	}

	specs, err := job.handler.GetStreams(ctx, job.sc)
	if err != nil {
		return err
	}

	if len(specs) > 0 {
		_, err = p.store.Streams().BulkCreate(ctx, job.run, specs)
		if err != nil {
			return fmt.Errorf("failed to create streams: %w", err)
		}
	}

	job.logger.InfoContext(ctx, "Detected streams", "count", len(specs))
	p.touch(ctx, job)

	return nil
}

func (p *RunProcessor) processStreams(ctx context.Context, job *runJob, forced *models.Stream) (runOutcome, error) {
	next := forced

	if next == nil {
		var err error

		next, err = p.store.Streams().NextEligible(ctx, job.run.ID, p.now())
		if err != nil {
			return outcomeStopped, fmt.Errorf("failed to select next stream: %w", err)
		}
	}

	for next != nil {
		if p.exiting() {
			return p.exit(ctx, job)
		}

		outcome, err := p.processStream(ctx, job, next)
		if err != nil || outcome != outcomeDrained || forced != nil {
			return outcome, err
		}

		next, err = p.store.Streams().NextEligible(ctx, job.run.ID, p.now())
		if err != nil {
			return outcomeStopped, fmt.Errorf("failed to select next stream: %w", err)
		}
	}

	return outcomeDrained, nil
}

func (p *RunProcessor) processStream(ctx context.Context, job *runJob, stream *models.Stream) (runOutcome, error) {
	ctx, span := p.startSpan(ctx, "worker.process_stream",
		attribute.String(otelhelper.StreamIDKey, stream.ID),
		attribute.String(otelhelper.StreamNameKey, stream.Name),
	)
	defer span.End()

	logger := job.logger.With("stream_id", stream.ID, "stream", stream.Name)
	streams := p.store.Streams()

	err := streams.MarkProcessing(ctx, stream.ID)
	if persistence.IsInvalidTransition(err) {
		logger.InfoContext(ctx, "Stream claimed elsewhere")

		return outcomeDrained, nil
	}

	if err != nil {
		return outcomeStopped, fmt.Errorf("failed to claim stream %s: %w", stream.ID, err)
	}

	p.touch(ctx, job)

	result, perr := job.handler.ProcessStream(ctx, job.sc, stream)
	if perr == nil {
		perr = p.applyResult(ctx, job, stream, result)
	}

	var rl *protocol.RateLimitError

	switch {
	case errors.As(perr, &rl):
		logger.WarnContext(ctx, "Rate limited by platform", "reset_seconds", rl.ResetSeconds)

		err = streams.Reset(ctx, stream.ID)
		if err != nil {
			return outcomeStopped, fmt.Errorf("failed to reset rate limited stream: %w", err)
		}

		return outcomeDelayed, p.delay(ctx, job, rl.Reset()+p.cfg.RateLimitGrace)
	case perr != nil:
		otelhelper.SetErrorPoint(span, ErrorPointStream, perr)

		retries, err := streams.MarkError(ctx, stream.ID, encodeError(ErrorPointStream, perr))
		if err != nil {
			return outcomeStopped, fmt.Errorf("failed to mark stream error: %w", err)
		}

		logger.WarnContext(ctx, "Stream failed", "retries", retries, "error", perr)
		p.touch(ctx, job)

		if retries >= p.cfg.MaxRetries {
			p.notifyStream(ctx, job, stream.ID)
		}

		return outcomeDrained, nil
	}

	err = streams.MarkProcessed(ctx, stream.ID)
	if err != nil {
		return outcomeStopped, fmt.Errorf("failed to mark stream processed: %w", err)
	}

	p.touch(ctx, job)
	p.notifyStream(ctx, job, stream.ID)

	if result != nil && result.Sleep > 0 {
		logger.InfoContext(ctx, "Handler asked to sleep", "sleep", result.Sleep)

		return outcomeDelayed, p.delay(ctx, job, result.Sleep)
	}

	return outcomeDrained, nil
}

func (p *RunProcessor) applyResult(ctx context.Context, job *runJob, stream *models.Stream, result *protocol.StreamResult) error {
	if result == nil {
		return nil
	}

	if len(result.Records) > 0 {
		event := events.RecordsFetched{
			BaseEvent: events.NewBaseEvent(events.RecordsFetchedEvent, job.run.TenantID),
			RunID:     job.run.ID,
			StreamID:  stream.ID,
			Platform:  job.handler.Platform(),
			Records:   result.Records,
		}

		err := p.events.Publish(ctx, job.run.TenantID, event)
		if err != nil {
			return fmt.Errorf("failed to publish records: %w", err)
		}
	}

	if len(result.NewStreams) > 0 {
		_, err := p.store.Streams().BulkCreate(ctx, job.run, result.NewStreams)
		if err != nil {
			return fmt.Errorf("failed to create follow-on streams: %w", err)
		}
	}

	if result.NextPageStream != nil {
		_, err := p.store.Streams().Create(ctx, job.run, *result.NextPageStream)
		if err != nil {
			return fmt.Errorf("failed to create next page stream: %w", err)
		}
	}

	return nil
}

func (p *RunProcessor) exit(ctx context.Context, job *runJob) (runOutcome, error) {
	if job.run.Onboarding {
		job.logger.InfoContext(ctx, "Worker exiting, delaying onboarding run", "delay", p.cfg.OnboardingExitDelay)

		return outcomeDelayed, p.delay(ctx, job, p.cfg.OnboardingExitDelay)
	}

	job.logger.InfoContext(ctx, "Worker exiting, leaving run for redispatch")

	return outcomeStopped, nil
}

// finalize derives the run state from its streams and reacts to the result.
func (p *RunProcessor) finalize(ctx context.Context, job *runJob) {
	state, err := p.store.Runs().TouchState(ctx, job.run.ID)
	if err != nil {
		job.logger.ErrorContext(ctx, "Failed to touch run state", "error", err)

		return
	}

	job.run.State = state

	switch {
	case state.IsTerminal():
		status := models.IntegrationStatusDone
		if state == models.RunStateError {
			status = models.IntegrationStatusError
		}

		job.logger.InfoContext(ctx, "Run finished", "state", state)
		p.markIntegration(ctx, job, status)
		p.notifyRun(ctx, job)
	case state == models.RunStateProcessing:
		left, err := p.store.Streams().FindByRunID(ctx, job.run.ID, persistence.StreamFilter{NonTerminal: true}, 1, 1)
		if err != nil {
			job.logger.ErrorContext(ctx, "Failed to list remaining streams", "error", err)

			return
		}

		if len(left) == 0 {
			return
		}

		err = p.delay(ctx, job, p.cfg.RetryDelay)
		if err != nil {
			job.logger.ErrorContext(ctx, "Failed to delay run with retryable streams", "error", err)
		}
	}
}

// failOrDelay delays the run past a platform rate limit and fails it on any other error.
func (p *RunProcessor) failOrDelay(ctx context.Context, job *runJob, point string, cause error) error {
	var rl *protocol.RateLimitError
	if !errors.As(cause, &rl) {
		return p.fail(ctx, job, point, cause)
	}

	job.logger.WarnContext(ctx, "Rate limited by platform", "error_point", point, "reset_seconds", rl.ResetSeconds)

	return p.delay(ctx, job, rl.Reset()+p.cfg.RateLimitGrace)
}

// fail marks the run errored. It only returns an error when that write itself failed.
func (p *RunProcessor) fail(ctx context.Context, job *runJob, point string, cause error) error {
	job.logger.ErrorContext(ctx, "Run failed", "error_point", point, "error", cause)

	err := p.store.Runs().MarkError(ctx, job.run.ID, encodeError(point, cause))
	if err != nil {
		return fmt.Errorf("failed to mark run %s as errored: %w", job.run.ID, err)
	}

	job.run.State = models.RunStateError

	if point != ErrorPointCheckExistingRun {
		p.markIntegration(ctx, job, models.IntegrationStatusError)
	}

	p.notifyRun(ctx, job)

	return nil
}

func (p *RunProcessor) delay(ctx context.Context, job *runJob, d time.Duration) error {
	until := p.now().Add(d)

	err := p.store.Runs().Delay(ctx, job.run.ID, until)
	if err != nil {
		return fmt.Errorf("failed to delay run: %w", err)
	}

	job.run.State = models.RunStateDelayed
	job.run.DelayedUntil = &until

	return nil
}

func (p *RunProcessor) touch(ctx context.Context, job *runJob) {
	err := p.store.Runs().Touch(ctx, job.run.ID)
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to touch run", "error", err)
	}
}

func (p *RunProcessor) markIntegration(ctx context.Context, job *runJob, status models.IntegrationStatus) {
	if job.run.Target.IsMicroservice() {
		return
	}

	err := p.store.Integrations().UpdateStatus(ctx, job.run.Target.IntegrationID, status)
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to update integration status", "status", status, "error", err)
	}
}

func (p *RunProcessor) notifyRun(ctx context.Context, job *runJob) {
	if !job.fire {
		return
	}

	run, err := p.store.Runs().FindByID(ctx, job.run.ID)
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to reload run for notification", "error", err)

		return
	}

	err = p.events.Publish(ctx, run.TenantID, events.NewRunCompleted(run))
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to publish run completion", "error", err)
	}
}

func (p *RunProcessor) notifyStream(ctx context.Context, job *runJob, streamID string) {
	if !job.fire {
		return
	}

	stream, err := p.store.Streams().FindByID(ctx, streamID)
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to reload stream for notification", "error", err)

		return
	}

	err = p.events.Publish(ctx, stream.TenantID, events.NewStreamCompleted(stream))
	if err != nil {
		job.logger.WarnContext(ctx, "Failed to publish stream completion", "error", err)
	}
}

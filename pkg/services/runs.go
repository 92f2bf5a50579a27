package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// TriggerRequest asks for a new run of one integration or microservice.
type TriggerRequest struct {
	TenantID   string
	Target     models.RunTarget
	Onboarding bool
	// FireWebhooks is nil for the default of notifying on completion.
	FireWebhooks *bool
	// Delay postpones the first pass. The run is parked as delayed and woken by the scheduler's delayed pass.
	Delay time.Duration
}

// Runs creates and re-drives runs.
type Runs struct {
	store  persistence.Persistence
	sender dispatch.Sender
	now    func() time.Time
	logger *slog.Logger
}

type RunsOption func(*Runs)

func WithClock(now func() time.Time) RunsOption {
	return func(r *Runs) { r.now = now }
}

func NewRuns(logger *slog.Logger, store persistence.Persistence, sender dispatch.Sender, opts ...RunsOption) *Runs {
	r := &Runs{
		store:  store,
		sender: sender,
		now:    time.Now,
		logger: logger.With("module", "runs"),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Trigger creates a run unless one is already active for the target and dispatches it.
func (r *Runs) Trigger(ctx context.Context, req TriggerRequest) (*models.Run, error) {
	if !req.Target.Valid() {
		return nil, NewValidationError("Trigger", "missing_target", "exactly one of integration or microservice is required", ErrInvalidRequest)
	}

	err := r.checkTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	runs := r.store.Runs()

	active, err := runs.FindActiveRun(ctx, req.Target, "")
	if err != nil {
		return nil, fmt.Errorf("failed to check for active runs: %w", err)
	}

	if active != nil {
		return active, &ServiceError{Op: "Trigger", Code: "active_run", Message: "run " + active.ID + " is active", Err: ErrActiveRunExists}
	}

	run := &models.Run{TenantID: req.TenantID, Target: req.Target, Onboarding: req.Onboarding}

	err = runs.Create(ctx, run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	logger := r.logger.With("run_id", run.ID, "tenant_id", run.TenantID, "target", run.Target.String())

	if req.Delay > 0 {
		until := r.now().Add(req.Delay)

		err = runs.Delay(ctx, run.ID, until)
		if err != nil {
			return nil, fmt.Errorf("failed to delay new run: %w", err)
		}

		logger.InfoContext(ctx, "Created delayed run", "delayed_until", until)

		return runs.FindByID(ctx, run.ID)
	}

	err = r.sender.Dispatch(ctx, &dispatch.ProcessRun{TenantID: run.TenantID, RunID: run.ID, FireWebhooks: req.FireWebhooks}, 0)
	if err != nil {
		return run, fmt.Errorf("failed to dispatch run %s: %w", run.ID, err)
	}

	logger.InfoContext(ctx, "Created run", "onboarding", run.Onboarding)

	return run, nil
}

func (r *Runs) checkTarget(ctx context.Context, req TriggerRequest) error {
	var tenantID string

	if req.Target.IsMicroservice() {
		microservice, err := r.store.Microservices().FindByID(ctx, req.Target.MicroserviceID)
		if err != nil {
			return err
		}

		tenantID = microservice.TenantID
	} else {
		integration, err := r.store.Integrations().FindByID(ctx, req.Target.IntegrationID)
		if err != nil {
			return err
		}

		if integration.DeletedAt != nil {
			return NewValidationError("Trigger", "deleted", "integration "+integration.ID+" is deleted", ErrTargetDeleted)
		}

		tenantID = integration.TenantID
	}

	if tenantID != req.TenantID {
		return NewValidationError("Trigger", "tenant_mismatch", "target belongs to another tenant", ErrTenantMismatch)
	}

	return nil
}

func (r *Runs) FetchByID(ctx context.Context, runID string) (*models.Run, error) {
	return r.store.Runs().FindByID(ctx, runID)
}

// Continue re-dispatches a run so a worker picks its next eligible stream.
func (r *Runs) Continue(ctx context.Context, runID string) (*models.Run, error) {
	run, err := r.store.Runs().FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	err = r.sender.Dispatch(ctx, &dispatch.ProcessRun{TenantID: run.TenantID, RunID: run.ID}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch run %s: %w", run.ID, err)
	}

	r.logger.InfoContext(ctx, "Re-dispatched run", "run_id", run.ID, "state", run.State)

	return run, nil
}

// ProcessStream re-dispatches one stream of a run. The worker resets the stream before processing it.
func (r *Runs) ProcessStream(ctx context.Context, runID, streamID string) (*models.Stream, error) {
	run, err := r.store.Runs().FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	stream, err := r.store.Streams().FindByID(ctx, streamID)
	if err != nil {
		return nil, err
	}

	if stream.RunID != run.ID {
		return nil, NewValidationError("ProcessStream", "stream_not_in_run", "stream "+stream.ID+" belongs to run "+stream.RunID, ErrStreamNotInRun)
	}

	msg := &dispatch.ProcessRun{TenantID: run.TenantID, RunID: run.ID, StreamID: stream.ID}

	err = r.sender.Dispatch(ctx, msg, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch stream %s: %w", stream.ID, err)
	}

	r.logger.InfoContext(ctx, "Re-dispatched stream", "run_id", run.ID, "stream_id", stream.ID, "state", stream.State)

	return stream, nil
}

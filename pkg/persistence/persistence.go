// Package persistence provides the data storage abstraction for runs, streams and webhooks.
package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/ingest/pkg/models"
)

// DefaultBatchSize is the number of rows written per statement in bulk inserts.
const DefaultBatchSize = 999

type Persistence interface {
	Runs() RunRepository
	Streams() StreamRepository
	Webhooks() WebhookRepository
	Integrations() IntegrationRepository
	Microservices() MicroserviceRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// RunCursor is a keyset position in a created_at descending listing.
type RunCursor struct {
	CreatedAt time.Time
	ID        string
}

// NewRunCursor returns the cursor positioned after run.
func NewRunCursor(run *models.Run) *RunCursor {
	return &RunCursor{CreatedAt: run.CreatedAt, ID: run.ID}
}

// RunRepository stores runs. State changes are conditional on the allowed source states
// and return a *models.TransitionError when the row is in any other state.
type RunRepository interface {
	Create(ctx context.Context, run *models.Run) error
	FindByID(ctx context.Context, id string) (*models.Run, error)

	MarkProcessing(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Delay(ctx context.Context, id string, until time.Time) error
	MarkError(ctx context.Context, id string, cause json.RawMessage) error

	// Touch bumps updated_at so the watchdog sees the run as alive.
	Touch(ctx context.Context, id string) error
	// TouchState recomputes the run state from its streams and returns the new state.
	TouchState(ctx context.Context, id string) (models.RunState, error)

	// FindDelayedRuns returns delayed runs whose delay has elapsed, newest first.
	FindDelayedRuns(ctx context.Context, now time.Time, page, perPage int) ([]*models.Run, error)
	// FindByState lists runs newest first, strictly after before when given.
	FindByState(ctx context.Context, states []models.RunState, page, perPage int, before *RunCursor) ([]*models.Run, error)
	// FindLastRun returns nil, nil when the target never ran.
	FindLastRun(ctx context.Context, target models.RunTarget) (*models.Run, error)
	// FindActiveRun returns nil, nil when no pending, processing or delayed run exists.
	FindActiveRun(ctx context.Context, target models.RunTarget, excludeID string) (*models.Run, error)

	// CleanupOldRuns deletes runs processed before the cutoff along with their streams.
	CleanupOldRuns(ctx context.Context, olderThan time.Time) (int64, error)
}

// StreamSpec describes a stream to create.
type StreamSpec struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StreamFilter narrows FindByRunID. Zero values match everything.
type StreamFilter struct {
	States        []models.StreamState
	UpdatedBefore *time.Time
	// NonTerminal restricts to pending, processing and retryable errors.
	NonTerminal bool
}

type StreamRepository interface {
	// BulkCreate inserts all streams of a run atomically.
	BulkCreate(ctx context.Context, run *models.Run, specs []StreamSpec) ([]*models.Stream, error)
	Create(ctx context.Context, run *models.Run, spec StreamSpec) (*models.Stream, error)
	FindByID(ctx context.Context, id string) (*models.Stream, error)
	FindByRunID(ctx context.Context, runID string, filter StreamFilter, page, perPage int) ([]*models.Stream, error)

	// NextEligible returns the oldest pending stream or the oldest errored stream past its backoff,
	// or nil when none is eligible.
	NextEligible(ctx context.Context, runID string, now time.Time) (*models.Stream, error)

	MarkProcessing(ctx context.Context, id string) error
	MarkProcessed(ctx context.Context, id string) error
	// MarkError stores the cause and returns the incremented retry count.
	MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error)
	// Reset puts the stream back to pending and clears error and retries.
	Reset(ctx context.Context, id string) error
}

type WebhookRepository interface {
	Create(ctx context.Context, webhook *models.IncomingWebhook) error
	FindByID(ctx context.Context, id string) (*models.IncomingWebhook, error)

	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkPending(ctx context.Context, id string) error
	MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error)
	// MarkAllPending moves every listed webhook to pending in one transaction.
	MarkAllPending(ctx context.Context, ids []string) error

	// FindError lists errored webhooks with retries below the limit, oldest first.
	FindError(ctx context.Context, page, perPage, retryLimit int) ([]*models.IncomingWebhook, error)
	// FindPending lists pending webhooks not updated since before, oldest first.
	FindPending(ctx context.Context, before time.Time, page, perPage int) ([]*models.IncomingWebhook, error)

	CleanUpOldWebhooks(ctx context.Context, olderThan time.Time) (int64, error)
	// CleanUpOrphanedWebhooks deletes webhooks whose integration is gone or soft-deleted.
	CleanUpOrphanedWebhooks(ctx context.Context) (int64, error)
}

type IntegrationRepository interface {
	Save(ctx context.Context, integration *models.Integration) error
	FindByID(ctx context.Context, id string) (*models.Integration, error)
	// FindAllActive lists integrations of a platform whose last sync is done, ordered by id.
	FindAllActive(ctx context.Context, platform string, page, perPage int) ([]*models.Integration, error)
	FindByStatus(ctx context.Context, status models.IntegrationStatus, page, perPage int) ([]*models.Integration, error)
	UpdateStatus(ctx context.Context, id string, status models.IntegrationStatus) error
}

type MicroserviceRepository interface {
	Save(ctx context.Context, microservice *models.Microservice) error
	FindByID(ctx context.Context, id string) (*models.Microservice, error)
	FindAllByType(ctx context.Context, kind string, page, perPage int) ([]*models.Microservice, error)
}

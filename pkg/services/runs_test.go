package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*memory.Persistence, *testutil.Clock, *testutil.Sender, *services.Runs) {
	t.Helper()

	clock := testutil.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	sender := &testutil.Sender{}

	return store, clock, sender, services.NewRuns(log.Discard(), store, sender, services.WithClock(clock.Now))
}

func TestRuns_TriggerCreatesAndDispatches(t *testing.T) {
	store, _, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)

	run, err := runs.Trigger(context.Background(), services.TriggerRequest{
		TenantID:   integration.TenantID,
		Target:     models.RunTarget{IntegrationID: integration.ID},
		Onboarding: true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStatePending, run.State)
	assert.True(t, run.Onboarding)
	assert.Equal(t, []string{run.ID}, sender.Runs())
	assert.Zero(t, sender.Sent()[0].Delay)
}

func TestRuns_TriggerSkipsActiveTarget(t *testing.T) {
	store, _, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)
	existing := testutil.SeedRun(t, store, integration, false)

	run, err := runs.Trigger(context.Background(), services.TriggerRequest{
		TenantID: integration.TenantID,
		Target:   models.RunTarget{IntegrationID: integration.ID},
	})
	require.ErrorIs(t, err, services.ErrActiveRunExists)
	assert.True(t, services.IsConflictError(err))
	assert.Equal(t, existing.ID, run.ID)
	assert.Empty(t, sender.Sent())
}

func TestRuns_TriggerWithDelayParksRun(t *testing.T) {
	store, clock, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)

	run, err := runs.Trigger(context.Background(), services.TriggerRequest{
		TenantID: integration.TenantID,
		Target:   models.RunTarget{IntegrationID: integration.ID},
		Delay:    30 * time.Minute,
	})
	require.NoError(t, err)

	assert.Equal(t, models.RunStateDelayed, run.State)
	require.NotNil(t, run.DelayedUntil)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *run.DelayedUntil)
	assert.Empty(t, sender.Sent())
}

func TestRuns_TriggerValidation(t *testing.T) {
	store, _, _, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)

	deleted := testutil.SeedIntegration(t, store, func(i *models.Integration) {
		at := time.Now()
		i.DeletedAt = &at
	})

	tests := []struct {
		name    string
		req     services.TriggerRequest
		wantErr error
	}{
		{
			name:    "no target",
			req:     services.TriggerRequest{TenantID: "tenant-1"},
			wantErr: services.ErrInvalidRequest,
		},
		{
			name:    "both targets",
			req:     services.TriggerRequest{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: "a", MicroserviceID: "b"}},
			wantErr: services.ErrInvalidRequest,
		},
		{
			name:    "other tenant",
			req:     services.TriggerRequest{TenantID: "tenant-2", Target: models.RunTarget{IntegrationID: integration.ID}},
			wantErr: services.ErrTenantMismatch,
		},
		{
			name:    "deleted integration",
			req:     services.TriggerRequest{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: deleted.ID}},
			wantErr: services.ErrTargetDeleted,
		},
		{
			name:    "unknown integration",
			req:     services.TriggerRequest{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: "missing"}},
			wantErr: persistence.ErrIntegrationNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runs.Trigger(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRuns_TriggerMicroservice(t *testing.T) {
	store, _, sender, runs := setup(t)

	microservice := &models.Microservice{TenantID: "tenant-1", Type: "twitter_followers"}
	require.NoError(t, store.Microservices().Save(context.Background(), microservice))

	run, err := runs.Trigger(context.Background(), services.TriggerRequest{
		TenantID:     "tenant-1",
		Target:       models.RunTarget{MicroserviceID: microservice.ID},
		FireWebhooks: dispatch.Bool(false),
	})
	require.NoError(t, err)

	msg := sender.Sent()[0].Message.(*dispatch.ProcessRun)
	assert.Equal(t, run.ID, msg.RunID)
	assert.False(t, msg.ShouldFireWebhooks())
}

func TestRuns_TriggerReportsDispatchFailure(t *testing.T) {
	store, _, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)
	sender.Err = errors.New("queue down")

	run, err := runs.Trigger(context.Background(), services.TriggerRequest{
		TenantID: integration.TenantID,
		Target:   models.RunTarget{IntegrationID: integration.ID},
	})
	require.Error(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStatePending, testutil.ReloadRun(t, store, run.ID).State)
}

func TestRuns_ContinueAndProcessStream(t *testing.T) {
	store, _, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)
	run := testutil.SeedRun(t, store, integration, false)
	streams := testutil.SeedStreams(t, store, run, "a", "b")

	_, err := runs.Continue(context.Background(), run.ID)
	require.NoError(t, err)

	_, err = runs.ProcessStream(context.Background(), run.ID, streams[1].ID)
	require.NoError(t, err)

	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.Empty(t, sent[0].Message.(*dispatch.ProcessRun).StreamID)
	assert.Equal(t, streams[1].ID, sent[1].Message.(*dispatch.ProcessRun).StreamID)
}

func TestRuns_ProcessStreamOfAnotherRun(t *testing.T) {
	store, _, sender, runs := setup(t)
	integration := testutil.SeedIntegration(t, store)
	run := testutil.SeedRun(t, store, integration, false)
	other := testutil.SeedRun(t, store, testutil.SeedIntegration(t, store), false)
	streams := testutil.SeedStreams(t, store, other, "a")

	_, err := runs.ProcessStream(context.Background(), run.ID, streams[0].ID)
	require.ErrorIs(t, err, services.ErrStreamNotInRun)
	assert.True(t, services.IsValidationError(err))
	assert.Empty(t, sender.Sent())

	_, err = runs.Continue(context.Background(), "missing")
	assert.True(t, persistence.IsNotFound(err))
}

package retention_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/retention"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processedRun(t *testing.T, store persistence.Persistence, integration *models.Integration) *models.Run {
	t.Helper()

	run := testutil.SeedRun(t, store, integration, false)
	streams := testutil.SeedStreams(t, store, run, "a")

	ctx := context.Background()
	require.NoError(t, store.Runs().MarkProcessing(ctx, run.ID))
	require.NoError(t, store.Streams().MarkProcessing(ctx, streams[0].ID))
	require.NoError(t, store.Streams().MarkProcessed(ctx, streams[0].ID))

	state, err := store.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.RunStateProcessed, state)

	return run
}

func processedWebhook(t *testing.T, store persistence.Persistence, integration *models.Integration) *models.IncomingWebhook {
	t.Helper()

	ctx := context.Background()
	webhook := &models.IncomingWebhook{TenantID: integration.TenantID, IntegrationID: integration.ID, Type: "push"}
	require.NoError(t, store.Webhooks().Create(ctx, webhook))
	require.NoError(t, store.Webhooks().MarkProcessing(ctx, webhook.ID))
	require.NoError(t, store.Webhooks().MarkCompleted(ctx, webhook.ID))

	return webhook
}

func TestCleaner_Run(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	integration := testutil.SeedIntegration(t, store)

	oldRun := processedRun(t, store, integration)
	oldWebhook := processedWebhook(t, store, integration)

	failed := testutil.SeedRun(t, store, integration, false)
	require.NoError(t, store.Runs().MarkError(ctx, failed.ID, json.RawMessage(`{}`)))

	clock.Advance(4 * 30 * 24 * time.Hour)

	recentRun := processedRun(t, store, integration)
	recentWebhook := processedWebhook(t, store, integration)

	deleted := testutil.SeedIntegration(t, store, func(i *models.Integration) {
		at := clock.Now()
		i.DeletedAt = &at
	})
	orphan := &models.IncomingWebhook{TenantID: deleted.TenantID, IntegrationID: deleted.ID, Type: "push"}
	require.NoError(t, store.Webhooks().Create(ctx, orphan))

	cleaner := retention.NewCleaner(log.Discard(), store, 3, retention.WithClock(clock.Now))
	assert.Equal(t, clock.Now().AddDate(0, -3, 0), cleaner.Cutoff())

	result := cleaner.Run(ctx)
	assert.Equal(t, retention.Result{Runs: 1, Webhooks: 1, OrphanedWebhooks: 1}, result)

	_, err := store.Runs().FindByID(ctx, oldRun.ID)
	assert.True(t, persistence.IsNotFound(err))

	_, err = store.Webhooks().FindByID(ctx, oldWebhook.ID)
	assert.True(t, persistence.IsNotFound(err))

	_, err = store.Webhooks().FindByID(ctx, orphan.ID)
	assert.True(t, persistence.IsNotFound(err))

	streams, err := store.Streams().FindByRunID(ctx, oldRun.ID, persistence.StreamFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, streams)

	for _, id := range []string{failed.ID, recentRun.ID} {
		_, err = store.Runs().FindByID(ctx, id)
		assert.NoError(t, err)
	}

	_, err = store.Webhooks().FindByID(ctx, recentWebhook.ID)
	assert.NoError(t, err)
}

func TestNewCleaner_DefaultsMonths(t *testing.T) {
	clock := testutil.NewClock()
	cleaner := retention.NewCleaner(log.Discard(), memory.New(), 0, retention.WithClock(clock.Now))

	assert.Equal(t, clock.Now().AddDate(0, -retention.DefaultMonths, 0), cleaner.Cutoff())
}

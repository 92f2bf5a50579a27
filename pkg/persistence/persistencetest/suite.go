// Package persistencetest holds behaviour checks shared by every persistence implementation.
package persistencetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty persistence for one test. MaxRetries must be 5.
type Factory func(t *testing.T) (persistence.Persistence, context.Context)

// Run executes the shared suite against the factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	tests := map[string]func(t *testing.T, p persistence.Persistence, ctx context.Context){
		"RunLifecycle":                     testRunLifecycle,
		"RunCreateRequiresTarget":          testRunCreateRequiresTarget,
		"RunInvalidTransition":             testRunInvalidTransition,
		"RunNotFound":                      testRunNotFound,
		"TouchStateKeepsRetryableRun":      testTouchStateKeepsRetryableRun,
		"TouchStateFailsExhaustedRun":      testTouchStateFailsExhaustedRun,
		"TouchStateWithoutStreams":         testTouchStateWithoutStreams,
		"FindActiveRun":                    testFindActiveRun,
		"FindByStateKeyset":                testFindByStateKeyset,
		"StreamClaimIsExclusive":           testStreamClaimIsExclusive,
		"NextEligibleOldestFirst":          testNextEligible,
		"NextEligibleOldestAcrossStates":   testNextEligibleAcrossStates,
		"FindDelayedRunsNewestFirst":       testFindDelayedRunsNewestFirst,
		"StreamResetClearsRetries":         testStreamReset,
		"WebhookLifecycle":                 testWebhookLifecycle,
		"WebhookMarkAllPendingAtomic":      testWebhookMarkAllPending,
		"IntegrationsActiveOrdered":        testIntegrationsActive,
		"OrphanedWebhooks":                 testOrphanedWebhooks,
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, ctx := factory(t)
			test(t, p, ctx)
		})
	}
}

func seedIntegration(t *testing.T, ctx context.Context, p persistence.Persistence, id, platform string) *models.Integration {
	t.Helper()

	integration := &models.Integration{ID: id, TenantID: "tenant-1", Platform: platform, Status: models.IntegrationStatusDone}
	require.NoError(t, p.Integrations().Save(ctx, integration))

	return integration
}

func seedRun(t *testing.T, ctx context.Context, p persistence.Persistence, integrationID string) *models.Run {
	t.Helper()

	run := &models.Run{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: integrationID}}
	require.NoError(t, p.Runs().Create(ctx, run))
	require.NotEmpty(t, run.ID)

	return run
}

func cause() json.RawMessage {
	return json.RawMessage(`{"message":"boom"}`)
}

func testRunLifecycle(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	runs := p.Runs()

	found, err := runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePending, found.State)
	assert.Equal(t, "int-1", found.Target.IntegrationID)

	require.NoError(t, runs.MarkProcessing(ctx, run.ID))
	require.NoError(t, runs.Delay(ctx, run.ID, found.CreatedAt.Add(time.Minute)))

	found, err = runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDelayed, found.State)
	require.NotNil(t, found.DelayedUntil)

	require.NoError(t, runs.Restart(ctx, run.ID))
	require.NoError(t, runs.MarkProcessing(ctx, run.ID))
	require.NoError(t, runs.MarkError(ctx, run.ID, cause()))

	found, err = runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateError, found.State)
	assert.NotNil(t, found.ProcessedAt)
	assert.JSONEq(t, `{"message":"boom"}`, string(found.Error))
}

func testRunCreateRequiresTarget(t *testing.T, p persistence.Persistence, ctx context.Context) {
	err := p.Runs().Create(ctx, &models.Run{TenantID: "tenant-1"})
	assert.ErrorIs(t, err, persistence.ErrMissingTarget)

	err = p.Runs().Create(ctx, &models.Run{
		TenantID: "tenant-1",
		Target:   models.RunTarget{IntegrationID: "a", MicroserviceID: "b"},
	})
	assert.ErrorIs(t, err, persistence.ErrMissingTarget)
}

func testRunInvalidTransition(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")

	require.NoError(t, p.Runs().MarkProcessing(ctx, run.ID))

	err := p.Runs().MarkProcessing(ctx, run.ID)
	require.Error(t, err)
	assert.True(t, persistence.IsInvalidTransition(err))
	assert.False(t, persistence.IsNotFound(err))
}

func testRunNotFound(t *testing.T, p persistence.Persistence, ctx context.Context) {
	_, err := p.Runs().FindByID(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)

	err = p.Runs().MarkProcessing(ctx, "missing")
	assert.ErrorIs(t, err, persistence.ErrRunNotFound)

	_, err = p.Runs().TouchState(ctx, "missing")
	assert.True(t, persistence.IsNotFound(err))
}

func streamsFor(t *testing.T, ctx context.Context, p persistence.Persistence, run *models.Run, names ...string) []*models.Stream {
	t.Helper()

	specs := make([]persistence.StreamSpec, len(names))
	for i, name := range names {
		specs[i] = persistence.StreamSpec{Name: name, Metadata: map[string]any{"channel": name}}
	}

	streams, err := p.Streams().BulkCreate(ctx, run, specs)
	require.NoError(t, err)
	require.Len(t, streams, len(names))

	return streams
}

// failStream drives a stream through processing and error the given number of times.
func failStream(t *testing.T, ctx context.Context, p persistence.Persistence, stream *models.Stream, times int) {
	t.Helper()

	for i := 0; i < times; i++ {
		require.NoError(t, p.Streams().MarkProcessing(ctx, stream.ID))

		retries, err := p.Streams().MarkError(ctx, stream.ID, cause())
		require.NoError(t, err)
		require.Equal(t, i+1, retries)
	}
}

func processStream(t *testing.T, ctx context.Context, p persistence.Persistence, stream *models.Stream) {
	t.Helper()

	require.NoError(t, p.Streams().MarkProcessing(ctx, stream.ID))
	require.NoError(t, p.Streams().MarkProcessed(ctx, stream.ID))
}

func testTouchStateKeepsRetryableRun(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	require.NoError(t, p.Runs().MarkProcessing(ctx, run.ID))

	streams := streamsFor(t, ctx, p, run, "a", "b")
	processStream(t, ctx, p, streams[0])
	failStream(t, ctx, p, streams[1], 2)

	state, err := p.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateProcessing, state)

	found, err := p.Runs().FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateProcessing, found.State)
	assert.Nil(t, found.ProcessedAt)
}

func testTouchStateFailsExhaustedRun(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	require.NoError(t, p.Runs().MarkProcessing(ctx, run.ID))

	streams := streamsFor(t, ctx, p, run, "a", "b")
	processStream(t, ctx, p, streams[0])
	failStream(t, ctx, p, streams[1], 5)

	state, err := p.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateError, state)

	found, err := p.Runs().FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateError, found.State)
	require.NotNil(t, found.ProcessedAt)

	first := *found.ProcessedAt

	state, err = p.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateError, state)

	found, err = p.Runs().FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, first.Equal(*found.ProcessedAt))
}

func testTouchStateWithoutStreams(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")

	state, err := p.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateProcessed, state)
}

func testFindActiveRun(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	target := models.RunTarget{IntegrationID: "int-1"}

	active, err := p.Runs().FindActiveRun(ctx, target, "")
	require.NoError(t, err)
	assert.Nil(t, active)

	last, err := p.Runs().FindLastRun(ctx, target)
	require.NoError(t, err)
	assert.Nil(t, last)

	run := seedRun(t, ctx, p, "int-1")

	active, err = p.Runs().FindActiveRun(ctx, target, "")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, run.ID, active.ID)

	active, err = p.Runs().FindActiveRun(ctx, target, run.ID)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, p.Runs().MarkError(ctx, run.ID, cause()))

	active, err = p.Runs().FindActiveRun(ctx, target, "")
	require.NoError(t, err)
	assert.Nil(t, active)

	last, err = p.Runs().FindLastRun(ctx, target)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, run.ID, last.ID)
}

func testFindByStateKeyset(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")

	ids := map[string]bool{}
	for i := 0; i < 5; i++ {
		ids[seedRun(t, ctx, p, "int-1").ID] = true
	}

	states := []models.RunState{models.RunStatePending, models.RunStateProcessing}
	seen := map[string]bool{}

	var cursor *persistence.RunCursor

	for {
		page, err := p.Runs().FindByState(ctx, states, 1, 2, cursor)
		require.NoError(t, err)

		for _, run := range page {
			assert.False(t, seen[run.ID], "run %s returned twice", run.ID)
			seen[run.ID] = true
		}

		if len(page) < 2 {
			break
		}

		cursor = persistence.NewRunCursor(page[len(page)-1])
	}

	assert.Equal(t, ids, seen)
}

func testStreamClaimIsExclusive(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	streams := streamsFor(t, ctx, p, run, "a")

	require.NoError(t, p.Streams().MarkProcessing(ctx, streams[0].ID))

	err := p.Streams().MarkProcessing(ctx, streams[0].ID)
	assert.True(t, persistence.IsInvalidTransition(err))

	_, err = p.Streams().MarkError(ctx, "missing", cause())
	assert.ErrorIs(t, err, persistence.ErrStreamNotFound)
}

func testNextEligible(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	streams := streamsFor(t, ctx, p, run, "a", "b", "c")

	next, err := p.Streams().NextEligible(ctx, run.ID, run.CreatedAt)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, streams[0].ID, next.ID)

	for _, stream := range streams {
		processStream(t, ctx, p, stream)
	}

	next, err = p.Streams().NextEligible(ctx, run.ID, run.CreatedAt)
	require.NoError(t, err)
	assert.Nil(t, next)

	found, err := p.Streams().FindByRunID(ctx, run.ID, persistence.StreamFilter{}, 1, 10)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, "a", found[0].Name)
	assert.Equal(t, map[string]any{"channel": "a"}, found[0].Metadata)
}

func testNextEligibleAcrossStates(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	streams := streamsFor(t, ctx, p, run, "older", "newer")

	failStream(t, ctx, p, streams[0], 1)

	// The errored stream is still backing off.
	next, err := p.Streams().NextEligible(ctx, run.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, streams[1].ID, next.ID)

	next, err = p.Streams().NextEligible(ctx, run.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, streams[0].ID, next.ID)
}

func testFindDelayedRunsNewestFirst(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	older := seedRun(t, ctx, p, "int-1")
	newer := seedRun(t, ctx, p, "int-1")
	future := seedRun(t, ctx, p, "int-1")

	now := time.Now()

	require.NoError(t, p.Runs().Delay(ctx, older.ID, now.Add(-2*time.Minute)))
	require.NoError(t, p.Runs().Delay(ctx, newer.ID, now.Add(-time.Minute)))
	require.NoError(t, p.Runs().Delay(ctx, future.ID, now.Add(time.Hour)))

	due, err := p.Runs().FindDelayedRuns(ctx, now, 1, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, newer.ID, due[0].ID)
	assert.Equal(t, older.ID, due[1].ID)
}

func testStreamReset(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "discord")
	run := seedRun(t, ctx, p, "int-1")
	streams := streamsFor(t, ctx, p, run, "a")

	failStream(t, ctx, p, streams[0], 3)
	require.NoError(t, p.Streams().Reset(ctx, streams[0].ID))

	found, err := p.Streams().FindByID(ctx, streams[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatePending, found.State)
	assert.Zero(t, found.Retries)
	assert.Empty(t, found.Error)

	nonTerminal, err := p.Streams().FindByRunID(ctx, run.ID, persistence.StreamFilter{NonTerminal: true}, 1, 10)
	require.NoError(t, err)
	assert.Len(t, nonTerminal, 1)
}

func testWebhookLifecycle(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "github")

	webhook := &models.IncomingWebhook{
		TenantID:      "tenant-1",
		IntegrationID: "int-1",
		Type:          "issue.opened",
		Payload:       json.RawMessage(`{"id":1}`),
	}
	require.NoError(t, p.Webhooks().Create(ctx, webhook))

	hooks := p.Webhooks()

	assert.True(t, persistence.IsInvalidTransition(hooks.MarkCompleted(ctx, webhook.ID)))
	require.NoError(t, hooks.MarkProcessing(ctx, webhook.ID))

	retries, err := hooks.MarkError(ctx, webhook.ID, cause())
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	errored, err := hooks.FindError(ctx, 1, 10, 5)
	require.NoError(t, err)
	require.Len(t, errored, 1)

	errored, err = hooks.FindError(ctx, 1, 10, 1)
	require.NoError(t, err)
	assert.Empty(t, errored)

	require.NoError(t, hooks.MarkProcessing(ctx, webhook.ID))
	require.NoError(t, hooks.MarkCompleted(ctx, webhook.ID))

	found, err := hooks.FindByID(ctx, webhook.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateProcessed, found.State)
	assert.NotNil(t, found.ProcessedAt)
	assert.JSONEq(t, `{"id":1}`, string(found.Payload))
}

func testWebhookMarkAllPending(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "github")
	hooks := p.Webhooks()

	var ids []string

	for i := 0; i < 3; i++ {
		webhook := &models.IncomingWebhook{TenantID: "tenant-1", IntegrationID: "int-1", Type: "t", Payload: json.RawMessage(`{}`)}
		require.NoError(t, hooks.Create(ctx, webhook))
		require.NoError(t, hooks.MarkProcessing(ctx, webhook.ID))
		_, err := hooks.MarkError(ctx, webhook.ID, cause())
		require.NoError(t, err)

		ids = append(ids, webhook.ID)
	}

	err := hooks.MarkAllPending(ctx, append([]string{ids[0]}, "missing"))
	require.Error(t, err)

	found, err := hooks.FindByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateError, found.State)

	require.NoError(t, hooks.MarkAllPending(ctx, ids))

	for _, id := range ids {
		found, err := hooks.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookStatePending, found.State)
	}
}

func testIntegrationsActive(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-c", "discord")
	seedIntegration(t, ctx, p, "int-a", "discord")
	seedIntegration(t, ctx, p, "int-b", "slack")

	busy := seedIntegration(t, ctx, p, "int-d", "discord")
	require.NoError(t, p.Integrations().UpdateStatus(ctx, busy.ID, models.IntegrationStatusInProgress))

	active, err := p.Integrations().FindAllActive(ctx, "discord", 1, 10)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "int-a", active[0].ID)
	assert.Equal(t, "int-c", active[1].ID)

	inProgress, err := p.Integrations().FindByStatus(ctx, models.IntegrationStatusInProgress, 1, 10)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "int-d", inProgress[0].ID)

	err = p.Integrations().UpdateStatus(ctx, "missing", models.IntegrationStatusDone)
	assert.ErrorIs(t, err, persistence.ErrIntegrationNotFound)
}

func testOrphanedWebhooks(t *testing.T, p persistence.Persistence, ctx context.Context) {
	seedIntegration(t, ctx, p, "int-1", "github")
	hooks := p.Webhooks()

	kept := &models.IncomingWebhook{TenantID: "tenant-1", IntegrationID: "int-1", Type: "t", Payload: json.RawMessage(`{}`)}
	orphan := &models.IncomingWebhook{TenantID: "tenant-1", IntegrationID: "gone", Type: "t", Payload: json.RawMessage(`{}`)}
	require.NoError(t, hooks.Create(ctx, kept))
	require.NoError(t, hooks.Create(ctx, orphan))

	deleted, err := hooks.CleanUpOrphanedWebhooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = hooks.FindByID(ctx, orphan.ID)
	assert.ErrorIs(t, err, persistence.ErrWebhookNotFound)

	_, err = hooks.FindByID(ctx, kept.ID)
	assert.NoError(t, err)
}

package watchdog_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/dukex/ingest/pkg/watchdog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store       *memory.Persistence
	clock       *testutil.Clock
	sender      *testutil.Sender
	integration *models.Integration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	clock := testutil.NewClock()
	store := memory.New(memory.WithClock(clock.Now))

	return &harness{
		store:       store,
		clock:       clock,
		sender:      &testutil.Sender{},
		integration: testutil.SeedIntegration(t, store),
	}
}

func (h *harness) watchdog(store persistence.Persistence) *watchdog.Watchdog {
	if store == nil {
		store = h.store
	}

	return watchdog.New(log.Discard(), store, h.sender, watchdog.WithClock(h.clock.Now))
}

// processingRun creates a processing run with the named streams.
func (h *harness) processingRun(t *testing.T, names ...string) (*models.Run, map[string]*models.Stream) {
	t.Helper()

	run := testutil.SeedRun(t, h.store, h.integration, false)
	require.NoError(t, h.store.Runs().MarkProcessing(context.Background(), run.ID))

	byName := make(map[string]*models.Stream)
	for _, s := range testutil.SeedStreams(t, h.store, run, names...) {
		byName[s.Name] = s
	}

	return run, byName
}

func (h *harness) failStream(t *testing.T, id string, times int) {
	t.Helper()

	for range times {
		require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), id))
		_, err := h.store.Streams().MarkError(context.Background(), id, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
}

func TestWatchdog_ResetsStuckProcessingStream(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "done", "stuck")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["done"].ID))
	require.NoError(t, h.store.Streams().MarkProcessed(context.Background(), streams["done"].ID))
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["stuck"].ID))

	h.clock.Advance(2 * time.Hour)

	report, ran := h.watchdog(nil).Run(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, report.RunsFlagged)
	assert.Equal(t, 1, report.StreamsReset)

	stuck := testutil.ReloadStream(t, h.store, streams["stuck"].ID)
	assert.Equal(t, models.StreamStatePending, stuck.State)
	assert.Zero(t, stuck.Retries)
	assert.Equal(t, models.StreamStateProcessed, testutil.ReloadStream(t, h.store, streams["done"].ID).State)

	got := testutil.ReloadRun(t, h.store, run.ID)
	assert.Equal(t, models.RunStateDelayed, got.State)
	assert.Equal(t, h.clock.Now().Add(time.Second), *got.DelayedUntil)
}

func TestWatchdog_StuckRunSweepConverges(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "stuck")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["stuck"].ID))
	h.clock.Advance(2 * time.Hour)

	w := h.watchdog(nil)
	first, _ := w.Run(context.Background())
	after := testutil.ReloadRun(t, h.store, run.ID)

	second, _ := w.Run(context.Background())

	assert.Equal(t, 1, first.RunsFlagged)
	assert.Zero(t, second.RunsFlagged)
	assert.Zero(t, second.StreamsReset)
	assert.Equal(t, after, testutil.ReloadRun(t, h.store, run.ID))
	assert.Equal(t, models.StreamStatePending, testutil.ReloadStream(t, h.store, streams["stuck"].ID).State)
}

func TestWatchdog_IgnoresRecentlyTouchedRuns(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "a")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["a"].ID))

	h.clock.Advance(2 * time.Hour)
	require.NoError(t, h.store.Runs().Touch(context.Background(), run.ID))

	report, _ := h.watchdog(nil).Run(context.Background())
	assert.Zero(t, report.RunsInspected)
	assert.Equal(t, models.StreamStateProcessing, testutil.ReloadStream(t, h.store, streams["a"].ID).State)
	assert.Equal(t, models.RunStateProcessing, testutil.ReloadRun(t, h.store, run.ID).State)
}

func TestWatchdog_FlagsStuckPendingAndRetryableStreams(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, h *harness, stream *models.Stream)
		flagged bool
	}{
		{
			name:    "pending",
			prepare: func(*testing.T, *harness, *models.Stream) {},
			flagged: true,
		},
		{
			name: "retryable error",
			prepare: func(t *testing.T, h *harness, stream *models.Stream) {
				h.failStream(t, stream.ID, 2)
			},
			flagged: true,
		},
		{
			name: "exhausted error",
			prepare: func(t *testing.T, h *harness, stream *models.Stream) {
				h.failStream(t, stream.ID, watchdog.DefaultMaxRetries)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			run, streams := h.processingRun(t, "a")
			tt.prepare(t, h, streams["a"])
			h.clock.Advance(2 * time.Hour)

			report, _ := h.watchdog(nil).Run(context.Background())

			got := testutil.ReloadRun(t, h.store, run.ID)
			if tt.flagged {
				assert.Equal(t, 1, report.RunsFlagged)
				assert.Equal(t, models.RunStateDelayed, got.State)

				return
			}

			assert.Zero(t, report.RunsFlagged)
			assert.Equal(t, 1, report.RunsResynced)
			assert.Equal(t, models.RunStateError, got.State)
			assert.NotNil(t, got.ProcessedAt)
		})
	}
}

func TestWatchdog_ResyncsFinishedRun(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "a")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["a"].ID))
	require.NoError(t, h.store.Streams().MarkProcessed(context.Background(), streams["a"].ID))
	h.clock.Advance(2 * time.Hour)

	report, _ := h.watchdog(nil).Run(context.Background())
	assert.Equal(t, 1, report.RunsResynced)
	assert.Equal(t, models.RunStateProcessed, testutil.ReloadRun(t, h.store, run.ID).State)
}

func TestWatchdog_SkipsRunWithRecentRetryableStream(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "a")

	h.clock.Advance(90 * time.Minute)
	h.failStream(t, streams["a"].ID, 1)
	h.clock.Advance(30 * time.Minute)

	report, _ := h.watchdog(nil).Run(context.Background())
	assert.Equal(t, 1, report.RunsInspected)
	assert.Zero(t, report.RunsUnresolved)
	assert.Zero(t, report.RunsResynced)
	assert.Zero(t, report.RunsFlagged)
	assert.Equal(t, models.RunStateProcessing, testutil.ReloadRun(t, h.store, run.ID).State)
}

type staleTouchStore struct {
	*memory.Persistence
}

func (s staleTouchStore) Runs() persistence.RunRepository {
	return staleTouchRuns{RunRepository: s.Persistence.Runs()}
}

type staleTouchRuns struct {
	persistence.RunRepository
}

func (staleTouchRuns) TouchState(context.Context, string) (models.RunState, error) {
	return models.RunStateProcessing, nil
}

func TestWatchdog_ReportsUnresolvedRun(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "a")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["a"].ID))
	require.NoError(t, h.store.Streams().MarkProcessed(context.Background(), streams["a"].ID))
	h.clock.Advance(2 * time.Hour)

	report, _ := h.watchdog(staleTouchStore{Persistence: h.store}).Run(context.Background())
	assert.Equal(t, 1, report.RunsUnresolved)
	assert.Zero(t, report.RunsFlagged)
	assert.Equal(t, models.RunStateProcessing, testutil.ReloadRun(t, h.store, run.ID).State)
}

func TestWatchdog_PagesThroughRuns(t *testing.T) {
	h := newHarness(t)

	var ids []string

	for range 25 {
		integration := testutil.SeedIntegration(t, h.store)
		run := testutil.SeedRun(t, h.store, integration, false)
		testutil.SeedStreams(t, h.store, run, "a")
		ids = append(ids, run.ID)
		h.clock.Advance(time.Second)
	}

	h.clock.Advance(2 * time.Hour)

	report, _ := h.watchdog(nil).Run(context.Background())
	assert.Equal(t, 25, report.RunsFlagged)

	for _, id := range ids {
		assert.Equal(t, models.RunStateDelayed, testutil.ReloadRun(t, h.store, id).State)
	}
}

func TestWatchdog_RestartsRunOfOrphanedIntegration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Integrations().UpdateStatus(ctx, h.integration.ID, models.IntegrationStatusInProgress))
	orphan := testutil.SeedRun(t, h.store, h.integration, false)
	require.NoError(t, h.store.Runs().MarkError(ctx, orphan.ID, json.RawMessage(`{}`)))

	healthy := testutil.SeedIntegration(t, h.store, testutil.WithStatus(models.IntegrationStatusInProgress))
	finished := testutil.SeedRun(t, h.store, healthy, false)
	require.NoError(t, h.store.Runs().MarkProcessing(ctx, finished.ID))
	streams := testutil.SeedStreams(t, h.store, finished, "a")
	require.NoError(t, h.store.Streams().MarkProcessing(ctx, streams[0].ID))
	require.NoError(t, h.store.Streams().MarkProcessed(ctx, streams[0].ID))
	_, err := h.store.Runs().TouchState(ctx, finished.ID)
	require.NoError(t, err)

	report, _ := h.watchdog(nil).Run(ctx)
	assert.Equal(t, 1, report.IntegrationsRestarted)

	got := testutil.ReloadRun(t, h.store, orphan.ID)
	assert.Equal(t, models.RunStateDelayed, got.State)
	assert.Equal(t, h.clock.Now().Add(time.Second), *got.DelayedUntil)
	assert.Equal(t, models.RunStateProcessed, testutil.ReloadRun(t, h.store, finished.ID).State)
}

func TestWatchdog_RequeuesWebhooks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	create := func() *models.IncomingWebhook {
		webhook := &models.IncomingWebhook{TenantID: h.integration.TenantID, IntegrationID: h.integration.ID, Type: "push"}
		require.NoError(t, h.store.Webhooks().Create(ctx, webhook))

		return webhook
	}
	fail := func(webhook *models.IncomingWebhook, times int) {
		for i := range times {
			if i > 0 {
				require.NoError(t, h.store.Webhooks().MarkPending(ctx, webhook.ID))
			}

			require.NoError(t, h.store.Webhooks().MarkProcessing(ctx, webhook.ID))
			_, err := h.store.Webhooks().MarkError(ctx, webhook.ID, json.RawMessage(`{}`))
			require.NoError(t, err)
		}
	}

	retryable := create()
	fail(retryable, 1)

	exhausted := create()
	fail(exhausted, watchdog.DefaultWebhookMaxRetries)

	pending := create()

	h.clock.Advance(time.Minute)

	report, _ := h.watchdog(nil).Run(ctx)
	assert.Equal(t, 1, report.WebhooksRequeued)
	assert.Equal(t, 2, report.WebhooksDispatched)
	assert.ElementsMatch(t, []string{retryable.ID, pending.ID}, h.sender.Webhooks())

	got, err := h.store.Webhooks().FindByID(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatePending, got.State)

	got, err = h.store.Webhooks().FindByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStateError, got.State)

	for _, sent := range h.sender.Sent() {
		assert.False(t, sent.Message.(*dispatch.ProcessWebhook).Force)
	}
}

func TestWatchdog_EmptyStore(t *testing.T) {
	h := newHarness(t)

	report, ran := h.watchdog(nil).Run(context.Background())
	require.True(t, ran)
	assert.Equal(t, watchdog.Report{}, report)
}

type blockingStore struct {
	*memory.Persistence

	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingStore) Integrations() persistence.IntegrationRepository {
	return &blockingIntegrations{IntegrationRepository: s.Persistence.Integrations(), store: s}
}

type blockingIntegrations struct {
	persistence.IntegrationRepository

	store *blockingStore
}

func (b *blockingIntegrations) FindByStatus(ctx context.Context, status models.IntegrationStatus, page, perPage int) ([]*models.Integration, error) {
	b.store.once.Do(func() { close(b.store.entered) })
	<-b.store.release

	return b.IntegrationRepository.FindByStatus(ctx, status, page, perPage)
}

func TestWatchdog_SkipsOverlappingPass(t *testing.T) {
	h := newHarness(t)
	store := &blockingStore{Persistence: h.store, entered: make(chan struct{}), release: make(chan struct{})}
	w := h.watchdog(store)

	done := make(chan bool, 1)

	go func() {
		_, ran := w.Run(context.Background())
		done <- ran
	}()

	<-store.entered
	assert.True(t, w.Running())

	_, ran := w.Run(context.Background())
	assert.False(t, ran)

	_, ran = h.watchdog(nil).Run(context.Background())
	assert.True(t, ran, "another instance is not blocked")

	close(store.release)
	assert.True(t, <-done)
	assert.False(t, w.Running())
}

type panickingStore struct {
	*memory.Persistence
}

func (panickingStore) Webhooks() persistence.WebhookRepository {
	panic("webhook table gone")
}

func TestWatchdog_SweepPanicDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	run, streams := h.processingRun(t, "stuck")
	require.NoError(t, h.store.Streams().MarkProcessing(context.Background(), streams["stuck"].ID))
	h.clock.Advance(2 * time.Hour)

	report, ran := h.watchdog(panickingStore{h.store}).Run(context.Background())
	require.True(t, ran)
	assert.Equal(t, 1, report.RunsFlagged)
	assert.Equal(t, models.RunStateDelayed, testutil.ReloadRun(t, h.store, run.ID).State)
}

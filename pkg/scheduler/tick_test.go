package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/scheduler"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTrigger struct {
	mu   sync.Mutex
	reqs []services.TriggerRequest
	fail map[string]error
}

func (r *recordingTrigger) Trigger(_ context.Context, req services.TriggerRequest) (*models.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.fail[req.Target.ID()]; err != nil {
		return nil, err
	}

	r.reqs = append(r.reqs, req)

	return &models.Run{ID: "run-" + req.Target.ID(), TenantID: req.TenantID, Target: req.Target}, nil
}

type tickHarness struct {
	store  *memory.Persistence
	clock  *testutil.Clock
	sender *testutil.Sender
	runs   *services.Runs
}

func newTickHarness() *tickHarness {
	clock := testutil.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	sender := &testutil.Sender{}

	return &tickHarness{
		store:  store,
		clock:  clock,
		sender: sender,
		runs:   services.NewRuns(log.Discard(), store, sender, services.WithClock(clock.Now)),
	}
}

func (h *tickHarness) processor(types []scheduler.TypeSchedule, opts ...scheduler.TickOption) *scheduler.TickProcessor {
	opts = append([]scheduler.TickOption{scheduler.WithTickClock(h.clock.Now)}, opts...)

	return scheduler.NewTickProcessor(log.Discard(), h.store, h.runs, h.sender, types, opts...)
}

func TestTickProcessor_Cadence(t *testing.T) {
	h := newTickHarness()
	p := h.processor([]scheduler.TypeSchedule{
		{Kind: scheduler.KindIntegration, Type: "never", TicksBetweenChecks: -1},
		{Kind: scheduler.KindIntegration, Type: "always", TicksBetweenChecks: 0},
		{Kind: scheduler.KindIntegration, Type: "every3", TicksBetweenChecks: 3},
	})

	var checked [][]string
	for range 6 {
		checked = append(checked, p.Tick(context.Background()).Checked)
	}

	assert.Equal(t, [][]string{
		{"integration:always"},
		{"integration:always"},
		{"integration:always", "integration:every3"},
		{"integration:always"},
		{"integration:always"},
		{"integration:always", "integration:every3"},
	}, checked)
	assert.Zero(t, p.Counter(scheduler.KindIntegration, "every3"))
	assert.Zero(t, p.Counter(scheduler.KindIntegration, "never"))
}

func TestTickProcessor_SetTypesKeepsCounters(t *testing.T) {
	h := newTickHarness()
	github := scheduler.TypeSchedule{Kind: scheduler.KindIntegration, Type: "github", TicksBetweenChecks: 5}
	slack := scheduler.TypeSchedule{Kind: scheduler.KindIntegration, Type: "slack", TicksBetweenChecks: 5}
	p := h.processor([]scheduler.TypeSchedule{github, slack})

	p.Tick(context.Background())
	p.Tick(context.Background())

	github.TicksBetweenChecks = 3
	p.SetTypes([]scheduler.TypeSchedule{github, {Kind: scheduler.KindMicroservice, Type: "twitter_followers", TicksBetweenChecks: 10}})

	assert.Equal(t, 2, p.Counter(scheduler.KindIntegration, "github"))
	assert.Zero(t, p.Counter(scheduler.KindIntegration, "slack"))
	assert.Zero(t, p.Counter(scheduler.KindMicroservice, "twitter_followers"))

	stats := p.Tick(context.Background())
	assert.Equal(t, []string{"integration:github"}, stats.Checked)
}

func TestTickProcessor_TriggersActiveIntegrationsWithoutRun(t *testing.T) {
	h := newTickHarness()
	ready := testutil.SeedIntegration(t, h.store)
	busy := testutil.SeedIntegration(t, h.store)
	existing := testutil.SeedRun(t, h.store, busy, false)
	testutil.SeedIntegration(t, h.store, testutil.WithStatus(models.IntegrationStatusError))
	testutil.SeedIntegration(t, h.store, testutil.WithPlatform("slack"))

	p := h.processor([]scheduler.TypeSchedule{{Kind: scheduler.KindIntegration, Type: "github"}}, scheduler.WithPageSize(1))

	stats := p.Tick(context.Background())
	assert.Equal(t, 1, stats.Triggered)
	assert.Equal(t, 1, stats.Skipped)

	runIDs := h.sender.Runs()
	require.Len(t, runIDs, 1)
	assert.NotEqual(t, existing.ID, runIDs[0])

	run := testutil.ReloadRun(t, h.store, runIDs[0])
	assert.Equal(t, ready.ID, run.Target.IntegrationID)

	h.sender.Reset()

	stats = p.Tick(context.Background())
	assert.Zero(t, stats.Triggered)
	assert.Equal(t, 2, stats.Skipped)
	assert.Empty(t, h.sender.Sent())
}

func TestTickProcessor_JitterParksRunInBucket(t *testing.T) {
	h := newTickHarness()
	integration := testutil.SeedIntegration(t, h.store, testutil.WithPlatform("discord"))

	p := h.processor(
		[]scheduler.TypeSchedule{{Kind: scheduler.KindIntegration, Type: "discord", JitterBuckets: 3, JitterSpan: 90 * time.Minute}},
		scheduler.WithBucketPicker(func(n int) int { return n - 1 }),
	)

	stats := p.Tick(context.Background())
	assert.Equal(t, 1, stats.Triggered)
	assert.Empty(t, h.sender.Sent())

	run, err := h.store.Runs().FindActiveRun(context.Background(), models.RunTarget{IntegrationID: integration.ID}, "")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, models.RunStateDelayed, run.State)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *run.DelayedUntil)

	h.clock.Advance(time.Hour)

	stats = p.Tick(context.Background())
	assert.Equal(t, 1, stats.Woken)
	assert.Equal(t, []string{run.ID}, h.sender.Runs())
}

func TestTypeSchedule_Jitter(t *testing.T) {
	s := scheduler.TypeSchedule{JitterBuckets: 3, JitterSpan: 90 * time.Minute}

	assert.Equal(t, time.Duration(0), s.Jitter(0))
	assert.Equal(t, 30*time.Minute, s.Jitter(1))
	assert.Equal(t, time.Hour, s.Jitter(2))
	assert.Zero(t, scheduler.TypeSchedule{JitterBuckets: 1, JitterSpan: time.Hour}.Jitter(0))
}

func TestTickProcessor_MicroservicePass(t *testing.T) {
	h := newTickHarness()

	microservice := &models.Microservice{TenantID: "tenant-1", Type: "twitter_followers"}
	require.NoError(t, h.store.Microservices().Save(context.Background(), microservice))

	p := h.processor([]scheduler.TypeSchedule{{Kind: scheduler.KindMicroservice, Type: "twitter_followers"}})

	stats := p.Tick(context.Background())
	assert.Equal(t, 1, stats.Triggered)

	run := testutil.ReloadRun(t, h.store, h.sender.Runs()[0])
	assert.Equal(t, microservice.ID, run.Target.MicroserviceID)
}

func TestTickProcessor_DelayedPassWaitsForDelay(t *testing.T) {
	h := newTickHarness()
	run := testutil.SeedRun(t, h.store, testutil.SeedIntegration(t, h.store), false)
	require.NoError(t, h.store.Runs().Delay(context.Background(), run.ID, h.clock.Now().Add(time.Minute)))

	p := h.processor(nil)

	assert.Zero(t, p.Tick(context.Background()).Woken)

	h.clock.Advance(time.Minute)

	assert.Equal(t, 1, p.Tick(context.Background()).Woken)
	assert.Equal(t, []string{run.ID}, h.sender.Runs())
	assert.Zero(t, h.sender.Sent()[0].Delay)
}

func TestTickProcessor_FailuresStayWithinType(t *testing.T) {
	h := newTickHarness()
	broken := testutil.SeedIntegration(t, h.store, testutil.WithPlatform("github"))
	testutil.SeedIntegration(t, h.store, testutil.WithPlatform("github"))
	slack := testutil.SeedIntegration(t, h.store, testutil.WithPlatform("slack"))

	trigger := &recordingTrigger{fail: map[string]error{broken.ID: errors.New("queue down")}}
	p := scheduler.NewTickProcessor(log.Discard(), h.store, trigger, h.sender, []scheduler.TypeSchedule{
		{Kind: scheduler.KindIntegration, Type: "github"},
		{Kind: scheduler.KindIntegration, Type: "slack"},
	})

	stats := p.Tick(context.Background())
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.Triggered)

	var targets []string
	for _, req := range trigger.reqs {
		targets = append(targets, req.Target.IntegrationID)
	}

	assert.Contains(t, targets, slack.ID)
	assert.NotContains(t, targets, broken.ID)
}

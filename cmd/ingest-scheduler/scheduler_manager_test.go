package main

import (
	"context"
	"testing"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/config"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence/memory"
	memoryqueue "github.com/dukex/ingest/pkg/queue/memory"
	"github.com/dukex/ingest/pkg/scheduler"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T, cfg *config.Config) (*SchedulerManager, *memory.Persistence, *memoryqueue.Queue, string) {
	t.Helper()

	store := memory.New()

	backend, err := cmd.NewQueue(context.Background(), log.Discard(), "memory://")
	require.NoError(t, err)

	q, ok := backend.Queue.(*memoryqueue.Queue)
	require.True(t, ok)

	manager := NewSchedulerManager(log.Discard(), cfg, store, backend, otelhelper.NoopTracer(), Specs{
		Tick:      scheduler.TickSpec,
		Watchdog:  scheduler.WatchdogSpec,
		Retention: scheduler.RetentionSpec,
	})

	return manager, store, q, backend.URL(cfg.Queue.WorkerQueue)
}

func TestSchedulerManager_TickDispatchesRuns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.IntegrationTypes = []config.TypeConfig{{Type: "github", TicksBetweenChecks: 0}}
	cfg.MicroserviceTypes = nil

	manager, store, q, workerURL := setupManager(t, cfg)
	integration := testutil.SeedIntegration(t, store)

	manager.runTick(context.Background())

	run, err := store.Runs().FindActiveRun(context.Background(), models.RunTarget{IntegrationID: integration.ID}, "")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, 1, q.Len(workerURL))

	manager.runTick(context.Background())
	assert.Equal(t, 1, q.Len(workerURL), "active run is not duplicated")
}

func TestSchedulerManager_ApplyConfigDisablesType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.IntegrationTypes = []config.TypeConfig{{Type: "github", TicksBetweenChecks: 0}}
	cfg.MicroserviceTypes = nil

	manager, store, q, workerURL := setupManager(t, cfg)
	testutil.SeedIntegration(t, store)

	reloaded := config.DefaultConfig()
	reloaded.IntegrationTypes = []config.TypeConfig{{Type: "github", TicksBetweenChecks: -1}}
	reloaded.MicroserviceTypes = nil
	manager.applyConfig(reloaded)

	manager.runTick(context.Background())
	assert.Zero(t, q.Len(workerURL))
}

func TestSchedulerManager_WatchdogAndRetentionOnEmptyStore(t *testing.T) {
	manager, _, q, workerURL := setupManager(t, config.DefaultConfig())

	manager.runWatchdog(context.Background())
	manager.runRetention(context.Background())

	assert.Zero(t, q.Len(workerURL))
	assert.NoError(t, manager.runner.Validate())
}

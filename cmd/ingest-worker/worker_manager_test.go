package main

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/config"
	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/eventbus"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerManager_ProcessesDispatchedRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.DefaultConfig()
	store := memory.New()

	backend, err := cmd.NewQueue(ctx, log.Discard(), "memory://")
	require.NoError(t, err)

	manager, err := NewWorkerManager(log.Discard(), cfg, store, backend, eventbus.Noop{},
		cmd.NewRegistry(log.Discard(), cfg), otelhelper.NoopTracer())
	require.NoError(t, err)

	integration := testutil.SeedIntegration(t, store, testutil.WithStatus(models.IntegrationStatusInProgress))
	run := testutil.SeedRun(t, store, integration, true)

	delayed := queue.NewDelayedQueue(log.Discard(), backend.Queue, backend.URL(cfg.Queue.DelayQueue))
	sender := dispatch.NewDispatcher(log.Discard(), delayed, backend.URL(cfg.Queue.WorkerQueue))
	require.NoError(t, sender.Dispatch(ctx, &dispatch.ProcessRun{TenantID: run.TenantID, RunID: run.ID}, 0))

	done := make(chan error, 1)

	go func() { done <- manager.Start(ctx, true) }()

	require.Eventually(t, func() bool {
		current, err := store.Runs().FindByID(ctx, run.ID)

		return err == nil && current.State == models.RunStateProcessed
	}, 5*time.Second, 20*time.Millisecond)

	updated, err := store.Integrations().FindByID(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationStatusDone, updated.Status)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker manager did not stop")
	}
}

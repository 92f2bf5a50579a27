package watchdog

import (
	"context"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// sweepIntegrations restarts the last run of in-progress integrations when that run
// finished without ever creating a stream.
func (w *Watchdog) sweepIntegrations(ctx context.Context, report *Report) error {
	return persistence.ProcessPaginated(ctx, w.cfg.PageSize,
		func(ctx context.Context, page, perPage int) ([]*models.Integration, error) {
			return w.store.Integrations().FindByStatus(ctx, models.IntegrationStatusInProgress, page, perPage)
		},
		func(ctx context.Context, integration *models.Integration) error {
			w.checkIntegration(ctx, integration, report)

			return nil
		})
}

func (w *Watchdog) checkIntegration(ctx context.Context, integration *models.Integration, report *Report) {
	logger := w.logger.With("integration_id", integration.ID, "tenant_id", integration.TenantID)
	runs := w.store.Runs()

	last, err := runs.FindLastRun(ctx, models.RunTarget{IntegrationID: integration.ID})
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load last run", "error", err)

		return
	}

	if last == nil || !last.State.IsTerminal() {
		return
	}

	streams, err := w.store.Streams().FindByRunID(ctx, last.ID, persistence.StreamFilter{}, 1, 1)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to list streams", "run_id", last.ID, "error", err)

		return
	}

	if len(streams) > 0 {
		return
	}

	logger = logger.With("run_id", last.ID)
	logger.WarnContext(ctx, "In-progress integration has a finished run without streams, restarting it", "state", last.State)

	err = runs.Restart(ctx, last.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to restart run", "error", err)

		return
	}

	err = runs.Delay(ctx, last.ID, w.now().Add(w.cfg.RedispatchDelay))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to delay restarted run", "error", err)

		return
	}

	report.IntegrationsRestarted++
}

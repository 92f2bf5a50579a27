package watchdog

import (
	"context"
	"fmt"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// sweepWebhooks moves retryable errored webhooks back to pending and dispatches every pending webhook.
func (w *Watchdog) sweepWebhooks(ctx context.Context, report *Report) error {
	started := w.now()
	webhooks := w.store.Webhooks()
	requeued := make(map[string]string)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		errored, err := webhooks.FindError(ctx, 1, w.cfg.WebhookPageSize, w.cfg.WebhookMaxRetries)
		if err != nil {
			return fmt.Errorf("failed to list errored webhooks: %w", err)
		}

		if len(errored) == 0 {
			break
		}

		ids := make([]string, 0, len(errored))
		for _, webhook := range errored {
			ids = append(ids, webhook.ID)
			requeued[webhook.ID] = webhook.TenantID
		}

		err = webhooks.MarkAllPending(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to requeue errored webhooks: %w", err)
		}

		report.WebhooksRequeued += len(ids)
	}

	for id, tenantID := range requeued {
		w.dispatchWebhook(ctx, id, tenantID, report)
	}

	return persistence.ProcessPaginated(ctx, w.cfg.WebhookPageSize,
		func(ctx context.Context, page, perPage int) ([]*models.IncomingWebhook, error) {
			return webhooks.FindPending(ctx, started, page, perPage)
		},
		func(ctx context.Context, webhook *models.IncomingWebhook) error {
			if _, done := requeued[webhook.ID]; done {
				return nil
			}

			w.logger.WarnContext(ctx, "Found stuck webhook, restarting it", "webhook_id", webhook.ID)
			w.dispatchWebhook(ctx, webhook.ID, webhook.TenantID, report)

			return nil
		})
}

func (w *Watchdog) dispatchWebhook(ctx context.Context, id, tenantID string, report *Report) {
	err := w.sender.Dispatch(ctx, &dispatch.ProcessWebhook{TenantID: tenantID, WebhookID: id}, 0)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to dispatch webhook", "webhook_id", id, "error", err)

		return
	}

	report.WebhooksDispatched++
}

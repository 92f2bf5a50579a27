package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

type webhookRow struct {
	webhook *models.IncomingWebhook
	seq     int64
}

func (r *webhookRow) sequence() int64 { return r.seq }

type webhookRepository struct {
	p *Persistence
}

func (r *webhookRepository) Create(ctx context.Context, webhook *models.IncomingWebhook) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if webhook.ID == "" {
		webhook.ID = newID()
	}

	if webhook.State == "" {
		webhook.State = models.WebhookStatePending
	}

	now := r.p.now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now

	r.p.webhooks[webhook.ID] = &webhookRow{webhook: webhook.Clone(), seq: r.p.nextSeq()}

	return nil
}

func (r *webhookRepository) FindByID(ctx context.Context, id string) (*models.IncomingWebhook, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.webhooks[id]
	if !ok {
		return nil, persistence.NewEntityError("FindByID", "webhook", id, persistence.ErrWebhookNotFound)
	}

	return row.webhook.Clone(), nil
}

func (r *webhookRepository) transitionLocked(op, id string, to models.WebhookState, mutate func(w *models.IncomingWebhook, now time.Time)) error {
	row, ok := r.p.webhooks[id]
	if !ok {
		return persistence.NewEntityError(op, "webhook", id, persistence.ErrWebhookNotFound)
	}

	if err := models.CheckWebhookTransition(id, row.webhook.State, to); err != nil {
		return persistence.NewEntityError(op, "webhook", id, err)
	}

	now := r.p.now()
	row.webhook.State = to
	row.webhook.UpdatedAt = now

	if mutate != nil {
		mutate(row.webhook, now)
	}

	return nil
}

func (r *webhookRepository) transition(op, id string, to models.WebhookState, mutate func(w *models.IncomingWebhook, now time.Time)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	return r.transitionLocked(op, id, to, mutate)
}

func (r *webhookRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition("MarkProcessing", id, models.WebhookStateProcessing, nil)
}

func (r *webhookRepository) MarkCompleted(ctx context.Context, id string) error {
	return r.transition("MarkCompleted", id, models.WebhookStateProcessed, func(w *models.IncomingWebhook, now time.Time) {
		w.ProcessedAt = &now
		w.Error = nil
	})
}

func (r *webhookRepository) MarkPending(ctx context.Context, id string) error {
	return r.transition("MarkPending", id, models.WebhookStatePending, nil)
}

func (r *webhookRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error) {
	var retries int

	err := r.transition("MarkError", id, models.WebhookStateError, func(w *models.IncomingWebhook, _ time.Time) {
		w.Error = append(json.RawMessage(nil), cause...)
		w.Retries++
		retries = w.Retries
	})

	return retries, err
}

func (r *webhookRepository) MarkAllPending(ctx context.Context, ids []string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	for _, id := range ids {
		row, ok := r.p.webhooks[id]
		if !ok {
			return persistence.NewEntityError("MarkAllPending", "webhook", id, persistence.ErrWebhookNotFound)
		}

		if err := models.CheckWebhookTransition(id, row.webhook.State, models.WebhookStatePending); err != nil {
			return persistence.NewEntityError("MarkAllPending", "webhook", id, err)
		}
	}

	for _, id := range ids {
		if err := r.transitionLocked("MarkAllPending", id, models.WebhookStatePending, nil); err != nil {
			return err
		}
	}

	return nil
}

func (r *webhookRepository) FindError(ctx context.Context, pageNum, perPage, retryLimit int) ([]*models.IncomingWebhook, error) {
	return r.list(func(w *models.IncomingWebhook) bool {
		return w.State == models.WebhookStateError && w.Retries < retryLimit
	}, pageNum, perPage), nil
}

func (r *webhookRepository) FindPending(ctx context.Context, before time.Time, pageNum, perPage int) ([]*models.IncomingWebhook, error) {
	return r.list(func(w *models.IncomingWebhook) bool {
		return w.State == models.WebhookStatePending && w.UpdatedAt.Before(before)
	}, pageNum, perPage), nil
}

func (r *webhookRepository) CleanUpOldWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var deleted int64

	for id, row := range r.p.webhooks {
		if row.webhook.State == models.WebhookStateProcessed && row.webhook.CreatedAt.Before(olderThan) {
			delete(r.p.webhooks, id)
			deleted++
		}
	}

	return deleted, nil
}

func (r *webhookRepository) CleanUpOrphanedWebhooks(ctx context.Context) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var deleted int64

	for id, row := range r.p.webhooks {
		integration, ok := r.p.integrations[row.webhook.IntegrationID]
		if ok && integration.integration.DeletedAt == nil {
			continue
		}

		delete(r.p.webhooks, id)
		deleted++
	}

	return deleted, nil
}

func (r *webhookRepository) list(match func(*models.IncomingWebhook) bool, pageNum, perPage int) []*models.IncomingWebhook {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var rows []*webhookRow

	for _, row := range r.p.webhooks {
		if match(row.webhook) {
			rows = append(rows, row)
		}
	}

	rows = page(rows, func(a, b *webhookRow) bool {
		return a.webhook.CreatedAt.Before(b.webhook.CreatedAt)
	}, pageNum, perPage)

	out := make([]*models.IncomingWebhook, len(rows))
	for i, row := range rows {
		out[i] = row.webhook.Clone()
	}

	return out
}

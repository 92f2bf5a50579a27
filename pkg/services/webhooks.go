package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// AcceptWebhookRequest is an incoming platform event.
type AcceptWebhookRequest struct {
	TenantID      string
	IntegrationID string
	Type          string
	Payload       json.RawMessage
}

// Webhooks accepts incoming webhooks and re-drives stored ones.
type Webhooks struct {
	store  persistence.Persistence
	sender dispatch.Sender
	logger *slog.Logger
}

func NewWebhooks(logger *slog.Logger, store persistence.Persistence, sender dispatch.Sender) *Webhooks {
	return &Webhooks{
		store:  store,
		sender: sender,
		logger: logger.With("module", "webhooks"),
	}
}

// Accept stores a pending webhook and dispatches it.
// A stored webhook whose dispatch failed is picked up by the watchdog.
func (w *Webhooks) Accept(ctx context.Context, req AcceptWebhookRequest) (*models.IncomingWebhook, error) {
	if req.Type == "" {
		return nil, NewValidationError("Accept", "missing_type", "webhook type is required", ErrEmptyWebhookType)
	}

	integration, err := w.store.Integrations().FindByID(ctx, req.IntegrationID)
	if err != nil {
		return nil, err
	}

	if integration.TenantID != req.TenantID {
		return nil, NewValidationError("Accept", "tenant_mismatch", "integration belongs to another tenant", ErrTenantMismatch)
	}

	if integration.DeletedAt != nil {
		return nil, NewValidationError("Accept", "deleted", "integration "+integration.ID+" is deleted", ErrTargetDeleted)
	}

	webhook := &models.IncomingWebhook{
		TenantID:      req.TenantID,
		IntegrationID: req.IntegrationID,
		Type:          req.Type,
		Payload:       req.Payload,
	}

	err = w.store.Webhooks().Create(ctx, webhook)
	if err != nil {
		return nil, fmt.Errorf("failed to store webhook: %w", err)
	}

	err = w.sender.Dispatch(ctx, &dispatch.ProcessWebhook{TenantID: webhook.TenantID, WebhookID: webhook.ID}, 0)
	if err != nil {
		w.logger.WarnContext(ctx, "Stored webhook but failed to dispatch it", "webhook_id", webhook.ID, "error", err)
	}

	return webhook, nil
}

// Reprocess dispatches a stored webhook with force, regardless of its state and retries.
func (w *Webhooks) Reprocess(ctx context.Context, webhookID string) (*models.IncomingWebhook, error) {
	webhook, err := w.store.Webhooks().FindByID(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	err = w.sender.Dispatch(ctx, &dispatch.ProcessWebhook{TenantID: webhook.TenantID, WebhookID: webhook.ID, Force: true}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to dispatch webhook %s: %w", webhook.ID, err)
	}

	w.logger.InfoContext(ctx, "Re-dispatched webhook", "webhook_id", webhook.ID, "state", webhook.State)

	return webhook, nil
}

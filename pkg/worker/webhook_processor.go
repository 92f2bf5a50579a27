package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/eventbus"
	"github.com/dukex/ingest/pkg/events"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/otelhelper"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// WebhookProcessor hands pending webhooks to their platform handler.
type WebhookProcessor struct {
	options

	store    persistence.Persistence
	resolver Resolver
	sender   dispatch.Sender
	events   eventbus.EventPublisher
	logger   *slog.Logger
}

func NewWebhookProcessor(logger *slog.Logger, store persistence.Persistence, resolver Resolver, sender dispatch.Sender, publisher eventbus.EventPublisher, opts ...Option) *WebhookProcessor {
	return &WebhookProcessor{
		options:  newOptions(opts),
		store:    store,
		resolver: resolver,
		sender:   sender,
		events:   publisher,
		logger:   logger.With("module", "webhook_processor"),
	}
}

func (p *WebhookProcessor) Process(ctx context.Context, msg *dispatch.ProcessWebhook) error {
	ctx, span := p.startSpan(ctx, "worker.process_webhook")
	defer span.End()

	span.SetAttributes(
		attribute.String(otelhelper.WebhookIDKey, msg.WebhookID),
		attribute.String(otelhelper.TenantIDKey, msg.TenantID),
	)

	logger := p.logger.With("webhook_id", msg.WebhookID, "tenant_id", msg.TenantID)
	webhooks := p.store.Webhooks()

	webhook, err := webhooks.FindByID(ctx, msg.WebhookID)
	if persistence.IsNotFound(err) {
		logger.WarnContext(ctx, "Skipping message for missing webhook")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load webhook %s: %w", msg.WebhookID, err)
	}

	logger = logger.With("type", webhook.Type, "integration_id", webhook.IntegrationID)

	if !msg.Force {
		if webhook.State != models.WebhookStatePending {
			logger.InfoContext(ctx, "Skipping webhook that is not pending", "state", webhook.State)

			return nil
		}

		if webhook.Retries >= p.cfg.WebhookMaxRetries {
			logger.WarnContext(ctx, "Skipping webhook past its retry limit", "retries", webhook.Retries)

			return nil
		}
	}

	err = webhooks.MarkProcessing(ctx, webhook.ID)
	if persistence.IsInvalidTransition(err) {
		logger.InfoContext(ctx, "Webhook claimed by another worker")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to mark webhook processing: %w", err)
	}

	handler, wc, err := p.resolve(ctx, webhook, logger)
	if err == nil {
		err = handler.ProcessWebhook(ctx, wc, webhook)
	}

	var rl *protocol.RateLimitError

	switch {
	case errors.As(err, &rl):
		logger.WarnContext(ctx, "Rate limited by platform, rescheduling webhook", "reset_seconds", rl.ResetSeconds)

		return p.reschedule(ctx, msg, rl)
	case err != nil:
		otelhelper.SetErrorPoint(span, ErrorPointWebhook, err)

		retries, merr := webhooks.MarkError(ctx, webhook.ID, encodeError(ErrorPointWebhook, err))
		if merr != nil {
			return fmt.Errorf("failed to mark webhook error: %w", merr)
		}

		logger.WarnContext(ctx, "Webhook failed", "retries", retries, "error", err)

		return nil
	}

	err = webhooks.MarkCompleted(ctx, webhook.ID)
	if err != nil {
		return fmt.Errorf("failed to mark webhook completed: %w", err)
	}

	logger.InfoContext(ctx, "Webhook processed")

	if msg.ShouldFireWebhooks() {
		webhook.State = models.WebhookStateProcessed

		err = p.events.Publish(ctx, webhook.TenantID, events.NewWebhookProcessed(webhook))
		if err != nil {
			logger.WarnContext(ctx, "Failed to publish webhook notification", "error", err)
		}
	}

	return nil
}

func (p *WebhookProcessor) resolve(ctx context.Context, webhook *models.IncomingWebhook, logger *slog.Logger) (protocol.Integration, *protocol.WebhookContext, error) {
	integration, err := p.store.Integrations().FindByID(ctx, webhook.IntegrationID)
	if err != nil {
		return nil, nil, err
	}

	handler, err := p.resolver.Integration(integration.Platform)
	if err != nil {
		return nil, nil, err
	}

	return handler, &protocol.WebhookContext{Integration: integration, Logger: logger}, nil
}

func (p *WebhookProcessor) reschedule(ctx context.Context, msg *dispatch.ProcessWebhook, rl *protocol.RateLimitError) error {
	err := p.store.Webhooks().MarkPending(ctx, msg.WebhookID)
	if err != nil {
		return fmt.Errorf("failed to return webhook to pending: %w", err)
	}

	again := *msg
	again.Force = false

	err = p.sender.Dispatch(ctx, &again, rl.Reset()+p.cfg.WebhookRateLimitPad)
	if err != nil {
		return fmt.Errorf("failed to reschedule webhook: %w", err)
	}

	return nil
}

package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhooks_AcceptAndReprocess(t *testing.T) {
	store := memory.New()
	sender := &testutil.Sender{}
	webhooks := services.NewWebhooks(log.Discard(), store, sender)
	integration := testutil.SeedIntegration(t, store)

	webhook, err := webhooks.Accept(context.Background(), services.AcceptWebhookRequest{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Type:          "push",
		Payload:       json.RawMessage(`{"ref":"main"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, models.WebhookStatePending, webhook.State)

	_, err = webhooks.Reprocess(context.Background(), webhook.ID)
	require.NoError(t, err)

	sent := sender.Sent()
	require.Len(t, sent, 2)
	assert.False(t, sent[0].Message.(*dispatch.ProcessWebhook).Force)
	assert.True(t, sent[1].Message.(*dispatch.ProcessWebhook).Force)
}

func TestWebhooks_AcceptKeepsWebhookWhenDispatchFails(t *testing.T) {
	store := memory.New()
	sender := &testutil.Sender{Err: errors.New("queue down")}
	webhooks := services.NewWebhooks(log.Discard(), store, sender)
	integration := testutil.SeedIntegration(t, store)

	webhook, err := webhooks.Accept(context.Background(), services.AcceptWebhookRequest{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Type:          "push",
	})
	require.NoError(t, err)

	_, err = store.Webhooks().FindByID(context.Background(), webhook.ID)
	require.NoError(t, err)
}

func TestWebhooks_AcceptValidation(t *testing.T) {
	store := memory.New()
	webhooks := services.NewWebhooks(log.Discard(), store, &testutil.Sender{})
	integration := testutil.SeedIntegration(t, store)

	_, err := webhooks.Accept(context.Background(), services.AcceptWebhookRequest{TenantID: integration.TenantID, IntegrationID: integration.ID})
	require.ErrorIs(t, err, services.ErrEmptyWebhookType)

	_, err = webhooks.Accept(context.Background(), services.AcceptWebhookRequest{TenantID: "tenant-2", IntegrationID: integration.ID, Type: "push"})
	require.ErrorIs(t, err, services.ErrTenantMismatch)
}

package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/integrations/noop"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/registry"
	"github.com/dukex/ingest/pkg/services"
	"github.com/dukex/ingest/pkg/testutil"
	"github.com/dukex/ingest/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	app    *fiber.App
	store  *memory.Persistence
	sender *testutil.Sender
	clock  *testutil.Clock
}

func setupTestApp(t *testing.T) *testApp {
	t.Helper()

	clock := testutil.NewClock()
	store := memory.New(memory.WithClock(clock.Now))
	sender := &testutil.Sender{}
	reg := registry.NewRegistry(log.Discard())
	reg.RegisterIntegration(noop.New())

	handlers := web.NewAPIHandlers(
		services.NewRuns(log.Discard(), store, sender, services.WithClock(clock.Now)),
		services.NewWebhooks(log.Discard(), store, sender),
		validator.New(validator.WithRequiredStructEnabled()),
		reg,
		store,
	)

	app := fiber.New()
	handlers.Register(app)

	return &testApp{app: app, store: store, sender: sender, clock: clock}
}

func doRequest(t *testing.T, app *fiber.App, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, ok := body.([]byte)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			require.NoError(t, err)
		}

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, respBody
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))

	kind, _ := problem["type"].(string)

	return kind
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	ta := setupTestApp(t)

	status, body := doRequest(t, ta.app, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}

func TestAPIHandlers_TriggerRun(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           func(integration *models.Integration) any
		expectedStatus int
		expectedType   string
		dispatched     int
	}{
		{
			name: "creates and dispatches",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{TenantID: i.TenantID, IntegrationID: i.ID, Onboarding: true}
			},
			expectedStatus: http.StatusCreated,
			dispatched:     1,
		},
		{
			name: "delayed run is parked",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{TenantID: i.TenantID, IntegrationID: i.ID, DelaySeconds: 600}
			},
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "invalid json",
			body:           func(*models.Integration) any { return []byte("{") },
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "missing tenant",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{IntegrationID: i.ID}
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "both targets",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{TenantID: i.TenantID, IntegrationID: i.ID, MicroserviceID: "ms"}
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "other tenant",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{TenantID: "other", IntegrationID: i.ID}
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "unknown integration",
			body: func(i *models.Integration) any {
				return web.TriggerRunRequest{TenantID: i.TenantID, IntegrationID: "missing"}
			},
			expectedStatus: http.StatusNotFound,
			expectedType:   "integration_not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ta := setupTestApp(t)
			integration := testutil.SeedIntegration(t, ta.store)

			status, body := doRequest(t, ta.app, http.MethodPost, "/runs", tt.body(integration))
			assert.Equal(t, tt.expectedStatus, status, string(body))
			assert.Len(t, ta.sender.Runs(), tt.dispatched)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))

				return
			}

			var run web.RunResponse
			require.NoError(t, json.Unmarshal(body, &run))
			assert.Equal(t, integration.ID, run.IntegrationID)
		})
	}
}

func TestAPIHandlers_TriggerRunConflict(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)
	existing := testutil.SeedRun(t, ta.store, integration, false)

	status, body := doRequest(t, ta.app, http.MethodPost, "/runs",
		web.TriggerRunRequest{TenantID: integration.TenantID, IntegrationID: integration.ID})

	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", problemType(t, body))
	assert.Contains(t, string(body), existing.ID)
	assert.Empty(t, ta.sender.Sent())
}

func TestAPIHandlers_TriggerRunDelayed(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)

	status, body := doRequest(t, ta.app, http.MethodPost, "/runs",
		web.TriggerRunRequest{TenantID: integration.TenantID, IntegrationID: integration.ID, DelaySeconds: 90})
	require.Equal(t, http.StatusCreated, status)

	var run web.RunResponse
	require.NoError(t, json.Unmarshal(body, &run))
	assert.Equal(t, models.RunStateDelayed, run.State)
	require.NotNil(t, run.DelayedUntil)
	assert.Equal(t, ta.clock.Now().Add(90*time.Second).UTC().Format(time.RFC3339), *run.DelayedUntil)
	assert.Empty(t, ta.sender.Sent())
}

func TestAPIHandlers_GetRun(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)
	run := testutil.SeedRun(t, ta.store, integration, true)

	status, body := doRequest(t, ta.app, http.MethodGet, "/runs/"+run.ID, nil)
	require.Equal(t, http.StatusOK, status)

	var got web.RunResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, models.RunStatePending, got.State)
	assert.True(t, got.Onboarding)

	status, body = doRequest(t, ta.app, http.MethodGet, "/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "run_not_found", problemType(t, body))
}

func TestAPIHandlers_ContinueRun(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)
	run := testutil.SeedRun(t, ta.store, integration, false)

	status, _ := doRequest(t, ta.app, http.MethodPost, "/runs/"+run.ID+"/continue", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, []string{run.ID}, ta.sender.Runs())

	status, _ = doRequest(t, ta.app, http.MethodPost, "/runs/missing/continue", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_ProcessStream(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)
	run := testutil.SeedRun(t, ta.store, integration, false)
	streams := testutil.SeedStreams(t, ta.store, run, "a")

	other := testutil.SeedRun(t, ta.store, testutil.SeedIntegration(t, ta.store), false)

	status, _ := doRequest(t, ta.app, http.MethodPost, "/runs/"+run.ID+"/streams/"+streams[0].ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, status)

	sent := ta.sender.Sent()
	require.Len(t, sent, 1)

	msg, ok := sent[0].Message.(*dispatch.ProcessRun)
	require.True(t, ok)
	assert.Equal(t, streams[0].ID, msg.StreamID)

	status, body := doRequest(t, ta.app, http.MethodPost, "/runs/"+other.ID+"/streams/"+streams[0].ID+"/process", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", problemType(t, body))

	status, body = doRequest(t, ta.app, http.MethodPost, "/runs/"+run.ID+"/streams/missing/process", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "stream_not_found", problemType(t, body))
}

func TestAPIHandlers_AcceptWebhook(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)

	status, body := doRequest(t, ta.app, http.MethodPost, "/webhooks", web.AcceptWebhookRequest{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Type:          "push",
		Payload:       json.RawMessage(`{"ref":"main"}`),
	})
	require.Equal(t, http.StatusAccepted, status, string(body))

	var webhook models.IncomingWebhook
	require.NoError(t, json.Unmarshal(body, &webhook))
	assert.Equal(t, models.WebhookStatePending, webhook.State)
	assert.Equal(t, []string{webhook.ID}, ta.sender.Webhooks())

	stored, err := ta.store.Webhooks().FindByID(context.Background(), webhook.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ref":"main"}`, string(stored.Payload))

	status, _ = doRequest(t, ta.app, http.MethodPost, "/webhooks", web.AcceptWebhookRequest{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
	})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_AcceptWebhookStoresWhenDispatchFails(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)
	ta.sender.Err = errors.New("queue unavailable")

	status, body := doRequest(t, ta.app, http.MethodPost, "/webhooks", web.AcceptWebhookRequest{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Type:          "push",
	})
	require.Equal(t, http.StatusAccepted, status)

	var webhook models.IncomingWebhook
	require.NoError(t, json.Unmarshal(body, &webhook))

	_, err := ta.store.Webhooks().FindByID(context.Background(), webhook.ID)
	assert.NoError(t, err)
}

func TestAPIHandlers_ReprocessWebhook(t *testing.T) {
	ta := setupTestApp(t)
	integration := testutil.SeedIntegration(t, ta.store)

	webhook := &models.IncomingWebhook{TenantID: integration.TenantID, IntegrationID: integration.ID, Type: "push"}
	require.NoError(t, ta.store.Webhooks().Create(context.Background(), webhook))

	status, _ := doRequest(t, ta.app, http.MethodPost, "/webhooks/"+webhook.ID+"/reprocess", nil)
	require.Equal(t, http.StatusAccepted, status)

	sent := ta.sender.Sent()
	require.Len(t, sent, 1)

	msg, ok := sent[0].Message.(*dispatch.ProcessWebhook)
	require.True(t, ok)
	assert.True(t, msg.Force)

	status, body := doRequest(t, ta.app, http.MethodPost, "/webhooks/missing/reprocess", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "webhook_not_found", problemType(t, body))
}

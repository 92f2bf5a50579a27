// Package web provides the HTTP handlers of the ops API.
package web

import (
	"encoding/json"
	"time"

	"github.com/dukex/ingest/pkg/models"
)

// TriggerRunRequest represents the request body for starting a run.
// Exactly one of IntegrationID and MicroserviceID must be set.
type TriggerRunRequest struct {
	TenantID       string `json:"tenant_id"               validate:"required"`
	IntegrationID  string `json:"integration_id,omitempty"`
	MicroserviceID string `json:"microservice_id,omitempty"`
	Onboarding     bool   `json:"onboarding"`
	FireWebhooks   *bool  `json:"fire_webhooks,omitempty"`
	DelaySeconds   int    `json:"delay_seconds,omitempty" validate:"min=0"`
}

// AcceptWebhookRequest represents an incoming platform webhook.
type AcceptWebhookRequest struct {
	TenantID      string          `json:"tenant_id"      validate:"required"`
	IntegrationID string          `json:"integration_id" validate:"required"`
	Type          string          `json:"type"           validate:"required"`
	Payload       json.RawMessage `json:"payload"`
}

// RunResponse is the run view returned by the run endpoints.
type RunResponse struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	IntegrationID  string          `json:"integration_id,omitempty"`
	MicroserviceID string          `json:"microservice_id,omitempty"`
	Onboarding     bool            `json:"onboarding"`
	State          models.RunState `json:"state"`
	DelayedUntil   *string         `json:"delayed_until,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
}

// TransformRunResponse flattens the run target into the response.
func TransformRunResponse(run *models.Run) RunResponse {
	response := RunResponse{
		ID:             run.ID,
		TenantID:       run.TenantID,
		IntegrationID:  run.Target.IntegrationID,
		MicroserviceID: run.Target.MicroserviceID,
		Onboarding:     run.Onboarding,
		State:          run.State,
		Error:          run.Error,
	}

	if run.DelayedUntil != nil {
		until := run.DelayedUntil.UTC().Format(time.RFC3339)
		response.DelayedUntil = &until
	}

	return response
}

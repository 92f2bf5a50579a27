package models

import (
	"encoding/json"
	"time"
)

// WebhookState represents the lifecycle state of an incoming webhook.
type WebhookState string

const (
	WebhookStatePending    WebhookState = "pending"
	WebhookStateProcessing WebhookState = "processing"
	WebhookStateProcessed  WebhookState = "processed"
	WebhookStateError      WebhookState = "error"
)

// IncomingWebhook is an externally pushed event awaiting processing.
type IncomingWebhook struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	IntegrationID string          `json:"integration_id"`
	Type          string          `json:"type"`
	State         WebhookState    `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	Retries       int             `json:"retries"`
	Error         json.RawMessage `json:"error,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with w.
func (w *IncomingWebhook) Clone() *IncomingWebhook {
	c := *w
	c.Payload = cloneRaw(w.Payload)
	c.Error = cloneRaw(w.Error)
	c.ProcessedAt = cloneTime(w.ProcessedAt)

	return &c
}

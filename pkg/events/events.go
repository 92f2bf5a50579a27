// Package events defines the notifications published when runs, streams and webhooks complete.
package events

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic carries every ingestion notification.
const Topic = "ingest.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunCompletedEvent     EventType = "run.completed"
	StreamCompletedEvent  EventType = "stream.completed"
	WebhookProcessedEvent EventType = "webhook.processed"
	RecordsFetchedEvent   EventType = "records.fetched"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type RunCompleted struct {
	BaseEvent

	RunID          string          `json:"run_id"`
	IntegrationID  string          `json:"integration_id,omitempty"`
	MicroserviceID string          `json:"microservice_id,omitempty"`
	Onboarding     bool            `json:"onboarding"`
	State          models.RunState `json:"state"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

func (e RunCompleted) Validate() error {
	if e.RunID == "" {
		return errors.New("run_id is required")
	}

	if !e.State.IsTerminal() {
		return errors.New("state must be terminal")
	}

	return nil
}

type StreamCompleted struct {
	BaseEvent

	RunID    string             `json:"run_id"`
	StreamID string             `json:"stream_id"`
	Name     string             `json:"name"`
	State    models.StreamState `json:"state"`
	Retries  int                `json:"retries"`
}

func (e StreamCompleted) GetType() EventType {
	return StreamCompletedEvent
}

type WebhookProcessed struct {
	BaseEvent

	WebhookID     string              `json:"webhook_id"`
	IntegrationID string              `json:"integration_id"`
	State         models.WebhookState `json:"state"`
}

func (e WebhookProcessed) GetType() EventType {
	return WebhookProcessedEvent
}

// RecordsFetched carries the records one stream produced to downstream consumers.
type RecordsFetched struct {
	BaseEvent

	RunID    string            `json:"run_id"`
	StreamID string            `json:"stream_id"`
	Platform string            `json:"platform"`
	Records  []json.RawMessage `json:"records"`
}

func (e RecordsFetched) GetType() EventType {
	return RecordsFetchedEvent
}

func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Metadata:  make(map[string]any),
	}
}

func NewRunCompleted(run *models.Run) RunCompleted {
	return RunCompleted{
		BaseEvent:      NewBaseEvent(RunCompletedEvent, run.TenantID),
		RunID:          run.ID,
		IntegrationID:  run.Target.IntegrationID,
		MicroserviceID: run.Target.MicroserviceID,
		Onboarding:     run.Onboarding,
		State:          run.State,
	}
}

func NewStreamCompleted(stream *models.Stream) StreamCompleted {
	return StreamCompleted{
		BaseEvent: NewBaseEvent(StreamCompletedEvent, stream.TenantID),
		RunID:     stream.RunID,
		StreamID:  stream.ID,
		Name:      stream.Name,
		State:     stream.State,
		Retries:   stream.Retries,
	}
}

func NewWebhookProcessed(webhook *models.IncomingWebhook) WebhookProcessed {
	return WebhookProcessed{
		BaseEvent:     NewBaseEvent(WebhookProcessedEvent, webhook.TenantID),
		WebhookID:     webhook.ID,
		IntegrationID: webhook.IntegrationID,
		State:         webhook.State,
	}
}

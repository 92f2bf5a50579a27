package models

import "time"

// IntegrationStatus is the sync status shown for a connected platform.
type IntegrationStatus string

const (
	IntegrationStatusInProgress IntegrationStatus = "in-progress"
	IntegrationStatusDone       IntegrationStatus = "done"
	IntegrationStatusError      IntegrationStatus = "error"
)

// Integration is a tenant's connection to an external platform.
type Integration struct {
	ID        string            `json:"id"        validate:"required"`
	TenantID  string            `json:"tenant_id" validate:"required"`
	Platform  string            `json:"platform"  validate:"required"`
	Status    IntegrationStatus `json:"status"`
	Settings  map[string]any    `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	DeletedAt *time.Time        `json:"deleted_at,omitempty"`
}

// Microservice is a tenant-scoped internal job that is synced like an integration.
type Microservice struct {
	ID        string         `json:"id"        validate:"required"`
	TenantID  string         `json:"tenant_id" validate:"required"`
	Type      string         `json:"type"      validate:"required"`
	Settings  map[string]any `json:"settings,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Package models defines the core domain models for integration runs, streams and webhooks.
package models

import (
	"encoding/json"
	"time"
)

// RunState represents the lifecycle state of an integration run.
type RunState string

const (
	RunStatePending    RunState = "pending"
	RunStateProcessing RunState = "processing"
	RunStateDelayed    RunState = "delayed"
	RunStateError      RunState = "error"
	RunStateProcessed  RunState = "processed"
)

// IsTerminal reports whether the run reached a final state.
func (s RunState) IsTerminal() bool {
	return s == RunStateProcessed || s == RunStateError
}

// IsActive reports whether a run in this state blocks a new run for the same target.
func (s RunState) IsActive() bool {
	return s == RunStatePending || s == RunStateProcessing || s == RunStateDelayed
}

// ActiveRunStates lists the states counted as an in-flight run.
var ActiveRunStates = []RunState{RunStatePending, RunStateProcessing, RunStateDelayed}

// RunTarget names what a run syncs. Exactly one of the IDs is set.
type RunTarget struct {
	IntegrationID  string `json:"integration_id,omitempty"`
	MicroserviceID string `json:"microservice_id,omitempty"`
}

// Valid reports whether exactly one target ID is set.
func (t RunTarget) Valid() bool {
	return (t.IntegrationID == "") != (t.MicroserviceID == "")
}

// IsMicroservice reports whether the target is a microservice.
func (t RunTarget) IsMicroservice() bool {
	return t.MicroserviceID != ""
}

// ID returns whichever target ID is set.
func (t RunTarget) ID() string {
	if t.IntegrationID != "" {
		return t.IntegrationID
	}

	return t.MicroserviceID
}

func (t RunTarget) String() string {
	if t.IsMicroservice() {
		return "microservice:" + t.MicroserviceID
	}

	return "integration:" + t.IntegrationID
}

// Run is one execution of a sync cycle for an integration or microservice.
type Run struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	Target       RunTarget       `json:"target"`
	Onboarding   bool            `json:"onboarding"`
	State        RunState        `json:"state"`
	DelayedUntil *time.Time      `json:"delayed_until,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a copy that shares no pointers with r.
func (r *Run) Clone() *Run {
	c := *r
	c.DelayedUntil = cloneTime(r.DelayedUntil)
	c.ProcessedAt = cloneTime(r.ProcessedAt)
	c.Error = cloneRaw(r.Error)

	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}

	return append(json.RawMessage(nil), r...)
}

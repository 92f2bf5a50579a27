// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"

	"github.com/dukex/ingest/pkg/models"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrStreamNotFound indicates a stream was not found by the given identifier.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrWebhookNotFound indicates an incoming webhook was not found.
	ErrWebhookNotFound = errors.New("webhook not found")

	// ErrIntegrationNotFound indicates an integration was not found.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrMicroserviceNotFound indicates a microservice was not found.
	ErrMicroserviceNotFound = errors.New("microservice not found")

	// ErrInvalidTransition indicates a conditional state update matched no row in an allowed source state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMissingTarget indicates a run without exactly one of integration or microservice.
	ErrMissingTarget = errors.New("run must reference exactly one integration or microservice")
)

var notFoundErrors = []error{
	ErrRunNotFound, ErrStreamNotFound, ErrWebhookNotFound, ErrIntegrationNotFound, ErrMicroserviceNotFound,
}

// EntityError wraps entity errors with the operation and identifier.
type EntityError struct {
	Op     string // Operation being performed (e.g., "FindByID", "MarkProcessing")
	Entity string // Entity kind: run, stream, webhook, integration, microservice
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	if errors.Is(e.Err, target) {
		return true
	}

	var te *models.TransitionError

	return target == ErrInvalidTransition && errors.As(e.Err, &te)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: entity, ID: id, Err: err}
}

// IsNotFound checks if an error indicates any entity was not found.
func IsNotFound(err error) bool {
	for _, target := range notFoundErrors {
		if errors.Is(err, target) {
			return true
		}
	}

	return false
}

// IsInvalidTransition checks if an error indicates a rejected state change.
func IsInvalidTransition(err error) bool {
	if errors.Is(err, ErrInvalidTransition) {
		return true
	}

	var te *models.TransitionError

	return errors.As(err, &te)
}

// Package services provides the run and webhook operations shared by the scheduler and the ops API.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest   = errors.New("invalid request")
	ErrStreamNotInRun   = errors.New("stream does not belong to run")
	ErrTenantMismatch   = errors.New("tenant does not own the target")
	ErrTargetDeleted    = errors.New("integration is deleted")
	ErrEmptyWebhookType = errors.New("webhook type cannot be empty")

	// Business Logic Conflicts (409 Conflict).
	ErrActiveRunExists = errors.New("an active run already exists for the target")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrStreamNotInRun) ||
		errors.Is(err, ErrTenantMismatch) ||
		errors.Is(err, ErrTargetDeleted) ||
		errors.Is(err, ErrEmptyWebhookType)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrActiveRunExists)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Package protocol defines the contract between the worker and per-platform integration handlers.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// StepContext is handed to every handler call made while processing one run.
type StepContext struct {
	Run          *models.Run
	Integration  *models.Integration
	Microservice *models.Microservice
	Logger       *slog.Logger
	// Exiting reports whether the worker is shutting down.
	Exiting func() bool
}

// Settings returns the target's settings.
func (sc *StepContext) Settings() map[string]any {
	if sc.Integration != nil {
		return sc.Integration.Settings
	}

	if sc.Microservice != nil {
		return sc.Microservice.Settings
	}

	return nil
}

// WebhookContext is handed to ProcessWebhook.
type WebhookContext struct {
	Integration *models.Integration
	Logger      *slog.Logger
}

// StreamResult is what processing one stream produced.
type StreamResult struct {
	Records []json.RawMessage
	// NewStreams are follow-on streams of the same run.
	NewStreams []persistence.StreamSpec
	// NextPageStream continues pagination of the processed stream.
	NextPageStream *persistence.StreamSpec
	// Sleep asks for the run to be delayed before the next stream.
	Sleep time.Duration
}

// Integration fetches data for one platform (or one microservice type).
type Integration interface {
	// Platform is the integration platform or microservice type served.
	Platform() string
	Preprocess(ctx context.Context, sc *StepContext) error
	// GetStreams returns the root streams of a run that has none yet.
	GetStreams(ctx context.Context, sc *StepContext) ([]persistence.StreamSpec, error)
	ProcessStream(ctx context.Context, sc *StepContext, stream *models.Stream) (*StreamResult, error)
	Postprocess(ctx context.Context, sc *StepContext) error
	ProcessWebhook(ctx context.Context, wc *WebhookContext, webhook *models.IncomingWebhook) error
}

// RateLimitError signals upstream backpressure. Work is retried after ResetSeconds.
type RateLimitError struct {
	ResetSeconds int
	Err          error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited for %ds: %v", e.ResetSeconds, e.Err)
	}

	return fmt.Sprintf("rate limited for %ds", e.ResetSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// Reset is the backoff requested by the platform.
func (e *RateLimitError) Reset() time.Duration {
	return time.Duration(e.ResetSeconds) * time.Second
}

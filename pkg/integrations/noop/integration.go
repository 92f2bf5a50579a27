// Package noop provides an integration handler that fetches nothing. It backs local
// development and end-to-end tests of the worker.
package noop

import (
	"context"
	"fmt"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/protocol"
)

const Platform = "noop"

type Integration struct {
	platform string
}

type Option func(*Integration)

// WithPlatform registers the handler under another platform name.
func WithPlatform(platform string) Option {
	return func(i *Integration) { i.platform = platform }
}

func New(opts ...Option) *Integration {
	i := &Integration{platform: Platform}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

func (i *Integration) Platform() string { return i.platform }

func (i *Integration) Preprocess(context.Context, *protocol.StepContext) error { return nil }

// GetStreams returns one stream per name listed under "streams" in the settings, or a single "root" stream.
func (i *Integration) GetStreams(_ context.Context, sc *protocol.StepContext) ([]persistence.StreamSpec, error) {
	names := []string{"root"}

	if raw, ok := sc.Settings()["streams"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("settings.streams must be a list, got %T", raw)
		}

		names = names[:0]

		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("settings.streams entries must be strings, got %T", item)
			}

			names = append(names, name)
		}
	}

	specs := make([]persistence.StreamSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, persistence.StreamSpec{Name: name})
	}

	return specs, nil
}

func (i *Integration) ProcessStream(_ context.Context, sc *protocol.StepContext, stream *models.Stream) (*protocol.StreamResult, error) {
	sc.Logger.Debug("Processed noop stream", "stream_id", stream.ID, "name", stream.Name)

	return &protocol.StreamResult{}, nil
}

func (i *Integration) Postprocess(context.Context, *protocol.StepContext) error { return nil }

func (i *Integration) ProcessWebhook(context.Context, *protocol.WebhookContext, *models.IncomingWebhook) error {
	return nil
}

// Package registry holds the integration handlers known to a worker.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dukex/ingest/pkg/protocol"
)

var ErrNotRegistered = errors.New("integration not registered")

type Registry struct {
	logger       *slog.Logger
	mu           sync.RWMutex
	integrations map[string]protocol.Integration
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:       log.With("module", "registry"),
		integrations: make(map[string]protocol.Integration),
	}
}

// RegisterIntegration replaces any handler already registered for the same platform.
func (r *Registry) RegisterIntegration(integration protocol.Integration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.integrations[integration.Platform()]; exists {
		r.logger.Warn("Replacing registered integration", "platform", integration.Platform())
	}

	r.integrations[integration.Platform()] = integration
}

func (r *Registry) Integration(platform string) (protocol.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	integration, ok := r.integrations[platform]
	if !ok {
		return nil, fmt.Errorf("%w: platform '%s'", ErrNotRegistered, platform)
	}

	return integration, nil
}

// Platforms returns the registered platforms in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.integrations))
	for platform := range r.integrations {
		platforms = append(platforms, platform)
	}

	slices.Sort(platforms)

	return platforms
}

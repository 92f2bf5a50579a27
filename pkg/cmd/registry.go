package cmd

import (
	"log/slog"

	"github.com/dukex/ingest/pkg/config"
	"github.com/dukex/ingest/pkg/integrations/noop"
	"github.com/dukex/ingest/pkg/registry"
)

// NewRegistry registers the reference handler for every configured integration and microservice type.
// Platform handlers built outside this module replace them with RegisterIntegration.
func NewRegistry(log *slog.Logger, cfg *config.Config) *registry.Registry {
	reg := registry.NewRegistry(log)

	for _, t := range cfg.IntegrationTypes {
		reg.RegisterIntegration(noop.New(noop.WithPlatform(t.Type)))
	}

	for _, t := range cfg.MicroserviceTypes {
		reg.RegisterIntegration(noop.New(noop.WithPlatform(t.Type)))
	}

	return reg
}

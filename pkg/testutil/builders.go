package testutil

import (
	"context"
	"testing"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// CreateTestIntegration creates a done integration with default values that can be overridden.
func CreateTestIntegration(overrides ...func(*models.Integration)) *models.Integration {
	integration := &models.Integration{
		ID:       uuid.New().String(),
		TenantID: "tenant-1",
		Platform: "github",
		Status:   models.IntegrationStatusDone,
		Settings: map[string]any{},
	}

	for _, override := range overrides {
		override(integration)
	}

	return integration
}

// WithPlatform sets the integration platform.
func WithPlatform(platform string) func(*models.Integration) {
	return func(i *models.Integration) {
		i.Platform = platform
	}
}

// WithStatus sets the integration status.
func WithStatus(status models.IntegrationStatus) func(*models.Integration) {
	return func(i *models.Integration) {
		i.Status = status
	}
}

// SeedIntegration saves an integration built from overrides.
func SeedIntegration(t *testing.T, p persistence.Persistence, overrides ...func(*models.Integration)) *models.Integration {
	t.Helper()

	integration := CreateTestIntegration(overrides...)
	require.NoError(t, p.Integrations().Save(context.Background(), integration))

	return integration
}

// SeedRun creates a pending run for the integration.
func SeedRun(t *testing.T, p persistence.Persistence, integration *models.Integration, onboarding bool) *models.Run {
	t.Helper()

	run := &models.Run{
		TenantID:   integration.TenantID,
		Target:     models.RunTarget{IntegrationID: integration.ID},
		Onboarding: onboarding,
	}
	require.NoError(t, p.Runs().Create(context.Background(), run))

	return run
}

// SeedStreams bulk creates named streams for the run.
func SeedStreams(t *testing.T, p persistence.Persistence, run *models.Run, names ...string) []*models.Stream {
	t.Helper()

	specs := make([]persistence.StreamSpec, 0, len(names))
	for _, name := range names {
		specs = append(specs, persistence.StreamSpec{Name: name})
	}

	streams, err := p.Streams().BulkCreate(context.Background(), run, specs)
	require.NoError(t, err)

	return streams
}

// ReloadRun fetches the current state of a run.
func ReloadRun(t *testing.T, p persistence.Persistence, id string) *models.Run {
	t.Helper()

	run, err := p.Runs().FindByID(context.Background(), id)
	require.NoError(t, err)

	return run
}

// ReloadStream fetches the current state of a stream.
func ReloadStream(t *testing.T, p persistence.Persistence, id string) *models.Stream {
	t.Helper()

	stream, err := p.Streams().FindByID(context.Background(), id)
	require.NoError(t, err)

	return stream
}

package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/dukex/ingest/pkg/integrations/noop"
	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := newTestRegistry()

	reg.RegisterIntegration(noop.New())
	reg.RegisterIntegration(noop.New(noop.WithPlatform("github")))

	integration, err := reg.Integration("github")
	require.NoError(t, err)
	assert.Equal(t, "github", integration.Platform())

	assert.Equal(t, []string{"github", "noop"}, reg.Platforms())
}

func TestRegistry_UnknownPlatform(t *testing.T) {
	reg := newTestRegistry()

	_, err := reg.Integration("slack")
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Contains(t, err.Error(), "slack")
}

func TestRegistry_ReplacesSamePlatform(t *testing.T) {
	reg := newTestRegistry()

	first := noop.New()
	second := noop.New()

	reg.RegisterIntegration(first)
	reg.RegisterIntegration(second)

	integration, err := reg.Integration(noop.Platform)
	require.NoError(t, err)
	assert.Same(t, second, integration)
	assert.Len(t, reg.Platforms(), 1)
}

func TestNoop_StreamsFromSettings(t *testing.T) {
	integration := noop.New()
	sc := &protocol.StepContext{
		Integration: &models.Integration{Settings: map[string]any{"streams": []any{"channels", "members"}}},
	}

	specs, err := integration.GetStreams(context.Background(), sc)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "channels", specs[0].Name)
	assert.Equal(t, "members", specs[1].Name)

	specs, err = integration.GetStreams(context.Background(), &protocol.StepContext{})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "root", specs[0].Name)
}

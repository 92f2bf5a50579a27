package mocks

import (
	"context"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockIntegration is a mock implementation of protocol.Integration interface.
type MockIntegration struct {
	mock.Mock

	PlatformName string
}

func (m *MockIntegration) Platform() string {
	return m.PlatformName
}

func (m *MockIntegration) Preprocess(ctx context.Context, sc *protocol.StepContext) error {
	args := m.Called(ctx, sc)

	return args.Error(0)
}

func (m *MockIntegration) GetStreams(ctx context.Context, sc *protocol.StepContext) ([]persistence.StreamSpec, error) {
	args := m.Called(ctx, sc)

	specs, _ := args.Get(0).([]persistence.StreamSpec)

	return specs, args.Error(1)
}

func (m *MockIntegration) ProcessStream(ctx context.Context, sc *protocol.StepContext, stream *models.Stream) (*protocol.StreamResult, error) {
	args := m.Called(ctx, sc, stream)

	result, _ := args.Get(0).(*protocol.StreamResult)

	return result, args.Error(1)
}

func (m *MockIntegration) Postprocess(ctx context.Context, sc *protocol.StepContext) error {
	args := m.Called(ctx, sc)

	return args.Error(0)
}

func (m *MockIntegration) ProcessWebhook(ctx context.Context, wc *protocol.WebhookContext, webhook *models.IncomingWebhook) error {
	args := m.Called(ctx, wc, webhook)

	return args.Error(0)
}

package mocks

import (
	"context"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/stretchr/testify/mock"
)

// MockSender is a mock implementation of dispatch.Sender interface.
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Dispatch(ctx context.Context, msg dispatch.Message, delay time.Duration) error {
	args := m.Called(ctx, msg, delay)

	return args.Error(0)
}

package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  dispatch.Message
	}{
		{"run", &dispatch.ProcessRun{TenantID: "t1", RunID: "r1"}},
		{"forced stream", &dispatch.ProcessRun{TenantID: "t1", RunID: "r1", StreamID: "s1", FireWebhooks: dispatch.Bool(false)}},
		{"webhook", &dispatch.ProcessWebhook{TenantID: "t1", WebhookID: "w1", Force: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			body, err := dispatch.Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := dispatch.Decode(body)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	_, err := dispatch.Decode(`{"type":"generate_report","payload":{}}`)
	require.ErrorIs(t, err, dispatch.ErrUnknownMessage)

	_, err = dispatch.Decode(`not json`)
	require.ErrorIs(t, err, dispatch.ErrInvalidMessage)

	_, err = dispatch.Decode(`{"type":"process_run","payload":{"tenantId":"t1"}}`)
	require.ErrorIs(t, err, dispatch.ErrInvalidMessage)
}

func TestShouldFireWebhooks_DefaultsToTrue(t *testing.T) {
	t.Parallel()

	assert.True(t, (&dispatch.ProcessRun{}).ShouldFireWebhooks())
	assert.False(t, (&dispatch.ProcessRun{FireWebhooks: dispatch.Bool(false)}).ShouldFireWebhooks())
	assert.True(t, (&dispatch.ProcessWebhook{FireWebhooks: dispatch.Bool(true)}).ShouldFireWebhooks())
}

func TestNewRouter_RequiresEveryHandler(t *testing.T) {
	t.Parallel()

	_, err := dispatch.NewRouter(dispatch.Handlers{
		ProcessRun: func(context.Context, *dispatch.ProcessRun) error { return nil },
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(dispatch.KindProcessWebhook))
}

func TestRouter_RoutesByKind(t *testing.T) {
	t.Parallel()

	var runs, webhooks []string

	router, err := dispatch.NewRouter(dispatch.Handlers{
		ProcessRun: func(_ context.Context, msg *dispatch.ProcessRun) error {
			runs = append(runs, msg.RunID)

			return nil
		},
		ProcessWebhook: func(_ context.Context, msg *dispatch.ProcessWebhook) error {
			webhooks = append(webhooks, msg.WebhookID)

			return errors.New("boom")
		},
	})
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, router.Route(ctx, &dispatch.ProcessRun{RunID: "r1"}))

	body, err := dispatch.Encode(&dispatch.ProcessWebhook{WebhookID: "w1"})
	require.NoError(t, err)
	require.EqualError(t, router.RouteBody(ctx, body), "boom")

	assert.Equal(t, []string{"r1"}, runs)
	assert.Equal(t, []string{"w1"}, webhooks)
}

func TestDispatcher_SendsToWorkerQueueGroupedByTenant(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := memory.New()
	delayed := queue.NewDelayedQueue(logger, q, "delay")
	dispatcher := dispatch.NewDispatcher(logger, delayed, "worker.fifo")
	ctx := context.Background()

	require.NoError(t, dispatcher.Dispatch(ctx, &dispatch.ProcessRun{TenantID: "t1", RunID: "r1"}, 0))
	require.NoError(t, dispatcher.Dispatch(ctx, &dispatch.ProcessRun{TenantID: "t1", RunID: "r2"}, time.Minute))

	messages, err := q.Receive(ctx, "worker.fifo", 10, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg, err := dispatch.Decode(messages[0].Body)
	require.NoError(t, err)
	assert.Equal(t, "r1", msg.(*dispatch.ProcessRun).RunID)
	assert.Equal(t, 1, q.Len("delay"))

	err = dispatcher.Dispatch(ctx, &dispatch.ProcessWebhook{TenantID: "t1"}, 0)
	assert.ErrorIs(t, err, dispatch.ErrInvalidMessage)
}

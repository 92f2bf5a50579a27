package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/ingest/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handlers holds one handler per message kind. Every field is required.
type Handlers struct {
	ProcessRun     func(ctx context.Context, msg *ProcessRun) error
	ProcessWebhook func(ctx context.Context, msg *ProcessWebhook) error
}

type route func(ctx context.Context, msg Message) error

// Router is a lookup table from message kind to handler, fixed at construction.
type Router struct {
	routes map[Kind]route
}

func NewRouter(h Handlers) (*Router, error) {
	routes := map[Kind]route{}

	if h.ProcessRun != nil {
		routes[KindProcessRun] = typed(h.ProcessRun)
	}

	if h.ProcessWebhook != nil {
		routes[KindProcessWebhook] = typed(h.ProcessWebhook)
	}

	var missing error

	for _, kind := range Kinds() {
		if _, ok := routes[kind]; !ok {
			missing = errors.Join(missing, fmt.Errorf("no handler for %s", kind))
		}
	}

	if missing != nil {
		return nil, missing
	}

	return &Router{routes: routes}, nil
}

func typed[M Message](fn func(context.Context, M) error) route {
	return func(ctx context.Context, msg Message) error {
		m, ok := msg.(M)
		if !ok {
			return fmt.Errorf("%w: %T routed as %s", ErrInvalidMessage, msg, msg.Kind())
		}

		return fn(ctx, m)
	}
}

func (r *Router) Route(ctx context.Context, msg Message) error {
	handle, ok := r.routes[msg.Kind()]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Kind())
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(otelhelper.MessageKindKey, string(msg.Kind())))

	return handle(ctx, msg)
}

// RouteBody decodes a raw queue body and routes it.
func (r *Router) RouteBody(ctx context.Context, body string) error {
	msg, err := Decode(body)
	if err != nil {
		return err
	}

	return r.Route(ctx, msg)
}

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/eventbus"
	"github.com/dukex/ingest/pkg/events"
)

// Dispatched is one recorded dispatch.
type Dispatched struct {
	Message dispatch.Message
	Delay   time.Duration
}

// Sender records dispatched messages instead of enqueueing them.
type Sender struct {
	mu   sync.Mutex
	sent []Dispatched
	// Err, when set, is returned by every Dispatch.
	Err error
}

func (s *Sender) Dispatch(_ context.Context, msg dispatch.Message, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}

	s.sent = append(s.sent, Dispatched{Message: msg, Delay: delay})

	return nil
}

func (s *Sender) Sent() []Dispatched {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Dispatched(nil), s.sent...)
}

// Runs returns the run ids of recorded ProcessRun messages.
func (s *Sender) Runs() []string {
	var ids []string

	for _, d := range s.Sent() {
		if m, ok := d.Message.(*dispatch.ProcessRun); ok {
			ids = append(ids, m.RunID)
		}
	}

	return ids
}

// Webhooks returns the webhook ids of recorded ProcessWebhook messages.
func (s *Sender) Webhooks() []string {
	var ids []string

	for _, d := range s.Sent() {
		if m, ok := d.Message.(*dispatch.ProcessWebhook); ok {
			ids = append(ids, m.WebhookID)
		}
	}

	return ids
}

func (s *Sender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sent = nil
}

// Publisher records published events.
type Publisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *Publisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *Publisher) Events() []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]eventbus.Event(nil), p.events...)
}

// OfType returns the recorded events of one type.
func (p *Publisher) OfType(eventType events.EventType) []eventbus.Event {
	var out []eventbus.Event

	for _, event := range p.Events() {
		if event.GetType() == eventType {
			out = append(out, event)
		}
	}

	return out
}

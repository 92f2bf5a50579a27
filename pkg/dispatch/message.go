// Package dispatch defines the closed set of worker messages and how they are routed and sent.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindProcessRun     Kind = "process_run"
	KindProcessWebhook Kind = "process_webhook"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is implemented only by the payload types of this package.
type Message interface {
	Kind() Kind
	Tenant() string
	Validate() error
	sealed()
}

// ProcessRun asks a worker to process the next eligible stream of a run,
// or only StreamID when it is set.
type ProcessRun struct {
	TenantID     string `json:"tenantId"`
	RunID        string `json:"runId"`
	StreamID     string `json:"streamId,omitempty"`
	FireWebhooks *bool  `json:"fireWebhooks,omitempty"`
}

func (*ProcessRun) Kind() Kind       { return KindProcessRun }
func (m *ProcessRun) Tenant() string { return m.TenantID }
func (*ProcessRun) sealed()          {}

func (m *ProcessRun) Validate() error {
	if m.RunID == "" {
		return fmt.Errorf("%w: process_run without runId", ErrInvalidMessage)
	}

	return nil
}

// ShouldFireWebhooks defaults to true when the flag is absent.
func (m *ProcessRun) ShouldFireWebhooks() bool {
	return m.FireWebhooks == nil || *m.FireWebhooks
}

// ProcessWebhook asks a worker to process one incoming webhook.
type ProcessWebhook struct {
	TenantID     string `json:"tenantId"`
	WebhookID    string `json:"webhookId"`
	Force        bool   `json:"force,omitempty"`
	FireWebhooks *bool  `json:"fireWebhooks,omitempty"`
}

func (*ProcessWebhook) Kind() Kind       { return KindProcessWebhook }
func (m *ProcessWebhook) Tenant() string { return m.TenantID }
func (*ProcessWebhook) sealed()          {}

func (m *ProcessWebhook) Validate() error {
	if m.WebhookID == "" {
		return fmt.Errorf("%w: process_webhook without webhookId", ErrInvalidMessage)
	}

	return nil
}

func (m *ProcessWebhook) ShouldFireWebhooks() bool {
	return m.FireWebhooks == nil || *m.FireWebhooks
}

// Envelope is the wire format of a message body.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var decoders = map[Kind]func() Message{
	KindProcessRun:     func() Message { return &ProcessRun{} },
	KindProcessWebhook: func() Message { return &ProcessWebhook{} },
}

// Kinds lists every message kind.
func Kinds() []Kind {
	return []Kind{KindProcessRun, KindProcessWebhook}
}

func Encode(msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", msg.Kind(), err)
	}

	body, err := json.Marshal(Envelope{Type: msg.Kind(), Payload: payload})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return string(body), nil
}

func Decode(body string) (Message, error) {
	var env Envelope

	err := json.Unmarshal([]byte(body), &env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	newMessage, ok := decoders[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}

	msg := newMessage()

	err = json.Unmarshal(env.Payload, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	err = msg.Validate()
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// Bool returns a pointer to b, for the optional FireWebhooks flags.
func Bool(b bool) *bool {
	return &b
}

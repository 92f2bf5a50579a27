// Package queue provides the message queue abstraction used for dispatch and delayed delivery.
package queue

import (
	"context"
	"errors"
	"strconv"
	"time"
)

// MaxNativeDelay is the longest delay a backend applies natively to one message.
const MaxNativeDelay = 15 * time.Minute

// Attribute data types.
const (
	DataTypeString = "String"
	DataTypeNumber = "Number"
)

var (
	// ErrDelayTooLong indicates a send asked for more than the native delay ceiling.
	ErrDelayTooLong = errors.New("delay exceeds native queue ceiling")

	// ErrQueueClosed indicates the queue client was closed.
	ErrQueueClosed = errors.New("queue closed")
)

// Attribute is a typed message attribute.
type Attribute struct {
	DataType string `json:"data_type"`
	Value    string `json:"value"`
}

func StringAttribute(v string) Attribute {
	return Attribute{DataType: DataTypeString, Value: v}
}

func NumberAttribute(n int64) Attribute {
	return Attribute{DataType: DataTypeNumber, Value: strconv.FormatInt(n, 10)}
}

// OutgoingMessage is a message to enqueue.
type OutgoingMessage struct {
	QueueURL        string
	Body            string
	DelaySeconds    int32
	GroupID         string
	DeduplicationID string
	Attributes      map[string]Attribute
}

// Message is a received message. ReceiptHandle identifies this delivery for Delete.
type Message struct {
	ID            string
	Body          string
	ReceiptHandle string
	Attributes    map[string]Attribute
}

// StringAttr returns a string attribute or "" when absent.
func (m *Message) StringAttr(name string) string {
	return m.Attributes[name].Value
}

// IntAttr returns a numeric attribute or 0 when absent or malformed.
func (m *Message) IntAttr(name string) int64 {
	attr, ok := m.Attributes[name]
	if !ok {
		return 0
	}

	n, err := strconv.ParseInt(attr.Value, 10, 64)
	if err != nil {
		return 0
	}

	return n
}

// Queue is an at-least-once message queue with native per-message delay.
type Queue interface {
	Send(ctx context.Context, msg *OutgoingMessage) error
	// Receive waits up to wait for at most max messages.
	Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]*Message, error)
	Delete(ctx context.Context, queueURL, receiptHandle string) error
	Close() error
}

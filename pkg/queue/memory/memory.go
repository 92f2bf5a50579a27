// Package memory provides an in-process queue with native delays and visibility timeouts.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dukex/ingest/pkg/queue"
)

const dedupWindow = 5 * time.Minute

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the time source that drives delays and visibility.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithVisibilityTimeout sets how long a received message stays hidden before redelivery.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(q *Queue) { q.visibility = d }
}

type message struct {
	id         string
	body       string
	attributes map[string]queue.Attribute
	visibleAt  time.Time
	receipt    string
	seq        int64
}

// Queue keeps every named queue in memory. Queue URLs are plain names.
type Queue struct {
	mu         sync.Mutex
	now        func() time.Time
	visibility time.Duration
	seq        int64
	closed     bool
	queues     map[string][]*message
	dedup      map[string]time.Time
}

func New(opts ...Option) *Queue {
	q := &Queue{
		now:        time.Now,
		visibility: 30 * time.Second,
		queues:     make(map[string][]*message),
		dedup:      make(map[string]time.Time),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

func (q *Queue) Send(ctx context.Context, msg *queue.OutgoingMessage) error {
	if time.Duration(msg.DelaySeconds)*time.Second > queue.MaxNativeDelay {
		return queue.ErrDelayTooLong
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return queue.ErrQueueClosed
	}

	now := q.now()

	if msg.DeduplicationID != "" {
		key := msg.QueueURL + "/" + msg.DeduplicationID
		if expires, ok := q.dedup[key]; ok && now.Before(expires) {
			return nil
		}

		q.dedup[key] = now.Add(dedupWindow)
	}

	q.seq++

	attributes := make(map[string]queue.Attribute, len(msg.Attributes))
	for k, v := range msg.Attributes {
		attributes[k] = v
	}

	q.queues[msg.QueueURL] = append(q.queues[msg.QueueURL], &message{
		id:         strconv.FormatInt(q.seq, 10),
		body:       msg.Body,
		attributes: attributes,
		visibleAt:  now.Add(time.Duration(msg.DelaySeconds) * time.Second),
		seq:        q.seq,
	})

	return nil
}

// Receive returns visible messages right away and otherwise polls until wait elapses.
func (q *Queue) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]*queue.Message, error) {
	deadline := time.Now().Add(wait)

	for {
		messages, err := q.receive(queueURL, max)
		if err != nil || len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (q *Queue) receive(queueURL string, max int) ([]*queue.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, queue.ErrQueueClosed
	}

	now := q.now()
	pending := q.queues[queueURL]

	sort.SliceStable(pending, func(i, j int) bool {
		if !pending[i].visibleAt.Equal(pending[j].visibleAt) {
			return pending[i].visibleAt.Before(pending[j].visibleAt)
		}

		return pending[i].seq < pending[j].seq
	})

	var out []*queue.Message

	for _, m := range pending {
		if len(out) >= max {
			break
		}

		if now.Before(m.visibleAt) {
			continue
		}

		q.seq++
		m.receipt = m.id + ":" + strconv.FormatInt(q.seq, 10)
		m.visibleAt = now.Add(q.visibility)

		attributes := make(map[string]queue.Attribute, len(m.attributes))
		for k, v := range m.attributes {
			attributes[k] = v
		}

		out = append(out, &queue.Message{ID: m.id, Body: m.body, ReceiptHandle: m.receipt, Attributes: attributes})
	}

	return out, nil
}

func (q *Queue) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.queues[queueURL]
	for i, m := range pending {
		if m.receipt == receiptHandle {
			q.queues[queueURL] = append(pending[:i], pending[i+1:]...)

			return nil
		}
	}

	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

// Len reports how many messages, visible or not, sit in a queue.
func (q *Queue) Len(queueURL string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queues[queueURL])
}

// NextVisibleAt reports when the earliest message of a queue becomes visible.
func (q *Queue) NextVisibleAt(queueURL string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		earliest time.Time
		found    bool
	)

	for _, m := range q.queues[queueURL] {
		if !found || m.visibleAt.Before(earliest) {
			earliest = m.visibleAt
			found = true
		}
	}

	return earliest, found
}

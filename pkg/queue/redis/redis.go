// Package redis provides a Redis-backed queue using a sorted set of visibility times.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/ingest/pkg/queue"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const dedupWindow = 5 * time.Minute

// claimScript moves up to ARGV[2] visible members forward by the visibility timeout and returns them.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[3]), id)
end
return ids
`)

type envelope struct {
	Body       string                     `json:"body"`
	Attributes map[string]queue.Attribute `json:"attributes,omitempty"`
}

// Queue stores message bodies in a hash and schedules them in a sorted set.
type Queue struct {
	client     redis.UniversalClient
	logger     *slog.Logger
	visibility time.Duration
	now        func() time.Time
}

// New connects to addr, e.g. "localhost:6379".
func New(ctx context.Context, logger *slog.Logger, addr, password string, db int) (*Queue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", addr, "db", db)

	return NewWithClient(logger, client), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(logger *slog.Logger, client redis.UniversalClient) *Queue {
	return &Queue{
		client:     client,
		logger:     logger.With("module", "redis_queue"),
		visibility: 30 * time.Second,
		now:        time.Now,
	}
}

func scheduleKey(name string) string { return name + ":scheduled" }
func messagesKey(name string) string { return name + ":messages" }
func dedupKey(name, id string) string { return name + ":dedup:" + id }

// DeadLetterKey is the hash holding payloads that could not be decoded.
func DeadLetterKey(name string) string { return name + ":dead" }

func (q *Queue) Send(ctx context.Context, msg *queue.OutgoingMessage) error {
	if time.Duration(msg.DelaySeconds)*time.Second > queue.MaxNativeDelay {
		return queue.ErrDelayTooLong
	}

	if msg.DeduplicationID != "" {
		fresh, err := q.client.SetNX(ctx, dedupKey(msg.QueueURL, msg.DeduplicationID), 1, dedupWindow).Result()
		if err != nil {
			return fmt.Errorf("failed to check deduplication id: %w", err)
		}

		if !fresh {
			q.logger.DebugContext(ctx, "Skipping duplicate message", "queue", msg.QueueURL, "dedup_id", msg.DeduplicationID)

			return nil
		}
	}

	payload, err := json.Marshal(envelope{Body: msg.Body, Attributes: msg.Attributes})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	id := uuid.NewString()
	visibleAt := q.now().Add(time.Duration(msg.DelaySeconds) * time.Second)

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, messagesKey(msg.QueueURL), id, payload)
		pipe.ZAdd(ctx, scheduleKey(msg.QueueURL), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: id})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}

	return nil
}

func (q *Queue) Receive(ctx context.Context, queueURL string, max int, wait time.Duration) ([]*queue.Message, error) {
	deadline := time.Now().Add(wait)

	for {
		messages, err := q.claim(ctx, queueURL, max)
		if err != nil || len(messages) > 0 || !time.Now().Before(deadline) {
			return messages, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (q *Queue) claim(ctx context.Context, queueURL string, max int) ([]*queue.Message, error) {
	now := q.now().UnixMilli()

	ids, err := claimScript.Run(ctx, q.client, []string{scheduleKey(queueURL)},
		now, max, q.visibility.Milliseconds()).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim messages: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	payloads, err := q.client.HMGet(ctx, messagesKey(queueURL), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	messages := make([]*queue.Message, 0, len(ids))

	for i, raw := range payloads {
		text, ok := raw.(string)
		if !ok {
			// Body already deleted; drop the dangling schedule entry.
			q.client.ZRem(ctx, scheduleKey(queueURL), ids[i])

			continue
		}

		var env envelope
		if err := json.Unmarshal([]byte(text), &env); err != nil {
			q.logger.ErrorContext(ctx, "Moving malformed message to dead letter", "queue", queueURL, "id", ids[i], "error", err)
			q.deadLetter(ctx, queueURL, ids[i], text)

			continue
		}

		messages = append(messages, &queue.Message{
			ID:            ids[i],
			Body:          env.Body,
			ReceiptHandle: ids[i],
			Attributes:    env.Attributes,
		})
	}

	return messages, nil
}

func (q *Queue) deadLetter(ctx context.Context, queueURL, id, payload string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, DeadLetterKey(queueURL), id, payload)
		pipe.ZRem(ctx, scheduleKey(queueURL), id)
		pipe.HDel(ctx, messagesKey(queueURL), id)

		return nil
	})
	if err != nil {
		q.logger.ErrorContext(ctx, "Failed to move malformed message", "queue", queueURL, "id", id, "error", err)
	}
}

func (q *Queue) Delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, scheduleKey(queueURL), receiptHandle)
		pipe.HDel(ctx, messagesKey(queueURL), receiptHandle)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}

	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// ParseDB parses a Redis database index.
func ParseDB(s string) (int, error) {
	if s == "" {
		return 0, nil
	}

	db, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid db value %q: %w", s, err)
	}

	return db, nil
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/dukex/ingest/pkg/queue"
	"github.com/dukex/ingest/pkg/queue/memory"
	"github.com/dukex/ingest/pkg/queue/redis"
	"github.com/dukex/ingest/pkg/queue/sqs"
)

// QueueBackend is an opened queue plus the rule turning queue names into the URLs it expects.
type QueueBackend struct {
	Queue queue.Queue
	base  string
}

// URL returns the address of the named queue. Full URLs are used as given.
func (b *QueueBackend) URL(name string) string {
	if b.base == "" || strings.Contains(name, "://") {
		return name
	}

	return b.base + "/" + name
}

// NewQueue opens the queue named by queueURL:
//
//	sqs://<region>/<account-id>[?endpoint=http://localhost:4566]
//	redis://[:password@]host:port[/db]
//	memory://
func NewQueue(ctx context.Context, logger *slog.Logger, queueURL string) (*QueueBackend, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url: %w", err)
	}

	switch u.Scheme {
	case "sqs":
		return newSQSQueue(ctx, logger, u)
	case "redis":
		password, _ := u.User.Password()

		db, err := redis.ParseDB(strings.TrimPrefix(u.Path, "/"))
		if err != nil {
			return nil, err
		}

		q, err := redis.New(ctx, logger, u.Host, password, db)
		if err != nil {
			return nil, err
		}

		return &QueueBackend{Queue: q}, nil
	case "memory":
		logger.WarnContext(ctx, "Using in-memory queue, only this process can consume it")

		return &QueueBackend{Queue: memory.New()}, nil
	default:
		return nil, fmt.Errorf("unsupported queue provider %q (supported: sqs, redis, memory)", u.Scheme)
	}
}

func newSQSQueue(ctx context.Context, logger *slog.Logger, u *url.URL) (*QueueBackend, error) {
	region := u.Host
	account := strings.Trim(u.Path, "/")

	if account == "" {
		return nil, fmt.Errorf("sqs queue url must name the account id: sqs://<region>/<account-id>")
	}

	opts := sqs.Options{
		Region:   region,
		Endpoint: u.Query().Get("endpoint"),
	}

	if u.User != nil {
		opts.AccessKeyID = u.User.Username()
		opts.SecretAccessKey, _ = u.User.Password()
	}

	q, err := sqs.New(ctx, logger, opts)
	if err != nil {
		return nil, err
	}

	base := "https://sqs." + region + ".amazonaws.com/" + account
	if opts.Endpoint != "" {
		base = strings.TrimSuffix(opts.Endpoint, "/") + "/" + account
	}

	return &QueueBackend{Queue: q, base: base}, nil
}

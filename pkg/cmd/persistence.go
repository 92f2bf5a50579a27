// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/memory"
	"github.com/dukex/ingest/pkg/persistence/postgresql"
)

var supportedPersistenceProviders = []string{"postgres", "postgresql", "memory"}

// NewPersistence opens the store named by databaseURL, postgres:// or memory://.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, maxRetries int) (persistence.Persistence, error) {
	provider := parseProvider(databaseURL)

	switch provider {
	case "postgres", "postgresql":
		store, err := postgresql.NewPersistence(ctx, logger, databaseURL, maxRetries)
		if err != nil {
			return nil, err
		}

		return store, nil
	case "memory":
		logger.WarnContext(ctx, "Using in-memory persistence, data is lost on exit")

		return memory.New(memory.WithMaxRetries(maxRetries)), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider %q (supported: %s)",
			provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

func parseProvider(url string) string {
	provider, _, found := strings.Cut(url, "://")
	if !found {
		return ""
	}

	return provider
}

// Package postgresql provides PostgreSQL persistence implementation for runs, streams and webhooks.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/sqlbase"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db               *sql.DB
	logger           *slog.Logger
	runRepo          *RunRepository
	streamRepo       *StreamRepository
	webhookRepo      *WebhookRepository
	integrationRepo  *IntegrationRepository
	microserviceRepo *MicroserviceRepository
}

// NewPersistence creates a new PostgreSQL persistence layer. maxRetries is the
// stream retry ceiling used by eligibility and run state derivation.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string, maxRetries int) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:               database,
		logger:           logger,
		runRepo:          NewRunRepository(database, logger, maxRetries),
		streamRepo:       NewStreamRepository(database, logger, maxRetries),
		webhookRepo:      NewWebhookRepository(database, logger),
		integrationRepo:  NewIntegrationRepository(database, logger),
		microserviceRepo: NewMicroserviceRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

func (p *Persistence) Runs() persistence.RunRepository                   { return p.runRepo }
func (p *Persistence) Streams() persistence.StreamRepository             { return p.streamRepo }
func (p *Persistence) Webhooks() persistence.WebhookRepository           { return p.webhookRepo }
func (p *Persistence) Integrations() persistence.IntegrationRepository   { return p.integrationRepo }
func (p *Persistence) Microservices() persistence.MicroserviceRepository { return p.microserviceRepo }

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON maps empty raw JSON to SQL NULL.
func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}

	return raw
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

// IntegrationRepository handles integration database operations.
type IntegrationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewIntegrationRepository creates a new integration repository.
func NewIntegrationRepository(db *sql.DB, logger *slog.Logger) *IntegrationRepository {
	return &IntegrationRepository{db: db, logger: logger}
}

// Save upserts an integration.
func (r *IntegrationRepository) Save(ctx context.Context, integration *models.Integration) error {
	if integration.ID == "" {
		integration.ID = newID()
	}

	if integration.Status == "" {
		integration.Status = models.IntegrationStatusDone
	}

	settings, err := json.Marshal(orEmpty(integration.Settings))
	if err != nil {
		return fmt.Errorf("failed to marshal integration settings: %w", err)
	}

	query := `
		INSERT INTO integrations (id, tenant_id, platform, status, settings, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			platform = EXCLUDED.platform,
			status = EXCLUDED.status,
			settings = EXCLUDED.settings,
			deleted_at = EXCLUDED.deleted_at,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query,
		integration.ID,
		integration.TenantID,
		integration.Platform,
		string(integration.Status),
		settings,
		integration.DeletedAt,
	).Scan(&integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "integration", integration.ID, err)
	}

	return nil
}

func (r *IntegrationRepository) FindByID(ctx context.Context, id string) (*models.Integration, error) {
	integrations, err := r.query(ctx, `SELECT id, tenant_id, platform, status, settings, created_at, updated_at, deleted_at
		FROM integrations WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, persistence.NewEntityError("FindByID", "integration", id, err)
	}

	if len(integrations) == 0 {
		return nil, persistence.NewEntityError("FindByID", "integration", id, persistence.ErrIntegrationNotFound)
	}

	return integrations[0], nil
}

func (r *IntegrationRepository) FindAllActive(ctx context.Context, platform string, page, perPage int) ([]*models.Integration, error) {
	return r.query(ctx, `SELECT id, tenant_id, platform, status, settings, created_at, updated_at, deleted_at
		FROM integrations
		WHERE platform = $1 AND status = 'done' AND deleted_at IS NULL
		ORDER BY id ASC
		LIMIT $2 OFFSET $3`, platform, perPage, persistence.Offset(page, perPage))
}

func (r *IntegrationRepository) FindByStatus(ctx context.Context, status models.IntegrationStatus, page, perPage int) ([]*models.Integration, error) {
	return r.query(ctx, `SELECT id, tenant_id, platform, status, settings, created_at, updated_at, deleted_at
		FROM integrations
		WHERE status = $1 AND deleted_at IS NULL
		ORDER BY id ASC
		LIMIT $2 OFFSET $3`, string(status), perPage, persistence.Offset(page, perPage))
}

func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id string, status models.IntegrationStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE integrations SET status = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, string(status))
	if err != nil {
		return persistence.NewEntityError("UpdateStatus", "integration", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("UpdateStatus", "integration", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("UpdateStatus", "integration", id, persistence.ErrIntegrationNotFound)
	}

	return nil
}

func (r *IntegrationRepository) query(ctx context.Context, query string, args ...any) ([]*models.Integration, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query integrations: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var integrations []*models.Integration

	for rows.Next() {
		var (
			integration models.Integration
			status      string
			settings    []byte
			deletedAt   sql.NullTime
		)

		err := rows.Scan(&integration.ID, &integration.TenantID, &integration.Platform, &status,
			&settings, &integration.CreatedAt, &integration.UpdatedAt, &deletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}

		integration.Status = models.IntegrationStatus(status)
		integration.DeletedAt = timePtr(deletedAt)

		if err := json.Unmarshal(settings, &integration.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal integration settings: %w", err)
		}

		integrations = append(integrations, &integration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate integrations: %w", err)
	}

	return integrations, nil
}

// MicroserviceRepository handles microservice database operations.
type MicroserviceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewMicroserviceRepository creates a new microservice repository.
func NewMicroserviceRepository(db *sql.DB, logger *slog.Logger) *MicroserviceRepository {
	return &MicroserviceRepository{db: db, logger: logger}
}

func (r *MicroserviceRepository) Save(ctx context.Context, microservice *models.Microservice) error {
	if microservice.ID == "" {
		microservice.ID = newID()
	}

	settings, err := json.Marshal(orEmpty(microservice.Settings))
	if err != nil {
		return fmt.Errorf("failed to marshal microservice settings: %w", err)
	}

	query := `
		INSERT INTO microservices (id, tenant_id, type, settings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			type = EXCLUDED.type,
			settings = EXCLUDED.settings,
			updated_at = NOW()
		RETURNING created_at, updated_at`

	err = r.db.QueryRowContext(ctx, query, microservice.ID, microservice.TenantID, microservice.Type, settings).
		Scan(&microservice.CreatedAt, &microservice.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Save", "microservice", microservice.ID, err)
	}

	return nil
}

func (r *MicroserviceRepository) FindByID(ctx context.Context, id string) (*models.Microservice, error) {
	microservices, err := r.query(ctx,
		`SELECT id, tenant_id, type, settings, created_at, updated_at FROM microservices WHERE id = $1`, id)
	if err != nil {
		return nil, persistence.NewEntityError("FindByID", "microservice", id, err)
	}

	if len(microservices) == 0 {
		return nil, persistence.NewEntityError("FindByID", "microservice", id, persistence.ErrMicroserviceNotFound)
	}

	return microservices[0], nil
}

func (r *MicroserviceRepository) FindAllByType(ctx context.Context, kind string, page, perPage int) ([]*models.Microservice, error) {
	return r.query(ctx, `SELECT id, tenant_id, type, settings, created_at, updated_at
		FROM microservices
		WHERE type = $1
		ORDER BY id ASC
		LIMIT $2 OFFSET $3`, kind, perPage, persistence.Offset(page, perPage))
}

func (r *MicroserviceRepository) query(ctx context.Context, query string, args ...any) ([]*models.Microservice, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query microservices: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var microservices []*models.Microservice

	for rows.Next() {
		var (
			microservice models.Microservice
			settings     []byte
		)

		err := rows.Scan(&microservice.ID, &microservice.TenantID, &microservice.Type, &settings,
			&microservice.CreatedAt, &microservice.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan microservice: %w", err)
		}

		if err := json.Unmarshal(settings, &microservice.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal microservice settings: %w", err)
		}

		microservices = append(microservices, &microservice)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate microservices: %w", err)
	}

	return microservices, nil
}

package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/lib/pq"
)

const webhookColumns = `id, tenant_id, integration_id, type, state, payload, retries,
	error, processed_at, created_at, updated_at`

// WebhookRepository handles incoming webhook database operations.
type WebhookRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *sql.DB, logger *slog.Logger) *WebhookRepository {
	return &WebhookRepository{db: db, logger: logger}
}

func (w *WebhookRepository) Create(ctx context.Context, webhook *models.IncomingWebhook) error {
	if webhook.ID == "" {
		webhook.ID = newID()
	}

	if webhook.State == "" {
		webhook.State = models.WebhookStatePending
	}

	payload := webhook.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO incoming_webhooks (id, tenant_id, integration_id, type, state, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := w.db.QueryRowContext(ctx, query,
		webhook.ID,
		webhook.TenantID,
		webhook.IntegrationID,
		webhook.Type,
		string(webhook.State),
		[]byte(payload),
	).Scan(&webhook.CreatedAt, &webhook.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Create", "webhook", webhook.ID, err)
	}

	return nil
}

func (w *WebhookRepository) FindByID(ctx context.Context, id string) (*models.IncomingWebhook, error) {
	row := w.db.QueryRowContext(ctx, `SELECT `+webhookColumns+` FROM incoming_webhooks WHERE id = $1`, id)

	webhook, err := scanWebhook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("FindByID", "webhook", id, persistence.ErrWebhookNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("FindByID", "webhook", id, err)
	}

	return webhook, nil
}

func (w *WebhookRepository) transition(ctx context.Context, op, id string, to models.WebhookState, set string, args ...any) (int, error) {
	query := fmt.Sprintf(`
		UPDATE incoming_webhooks
		SET state = $2, updated_at = NOW()%s
		WHERE id = $1 AND state = ANY($3)
		RETURNING retries`, set)

	params := append([]any{id, string(to), pq.Array(models.States(models.WebhookSources(to)))}, args...)

	var retries int

	err := w.db.QueryRowContext(ctx, query, params...).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, w.rejected(ctx, w.db, op, id, to)
	}

	if err != nil {
		return 0, persistence.NewEntityError(op, "webhook", id, err)
	}

	return retries, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (w *WebhookRepository) rejected(ctx context.Context, db queryRower, op, id string, to models.WebhookState) error {
	var current string

	err := db.QueryRowContext(ctx, `SELECT state FROM incoming_webhooks WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewEntityError(op, "webhook", id, persistence.ErrWebhookNotFound)
	}

	if err != nil {
		return persistence.NewEntityError(op, "webhook", id, err)
	}

	return persistence.NewEntityError(op, "webhook", id,
		&models.TransitionError{Entity: "webhook", ID: id, From: current, To: string(to)})
}

func (w *WebhookRepository) MarkProcessing(ctx context.Context, id string) error {
	_, err := w.transition(ctx, "MarkProcessing", id, models.WebhookStateProcessing, "")

	return err
}

func (w *WebhookRepository) MarkCompleted(ctx context.Context, id string) error {
	_, err := w.transition(ctx, "MarkCompleted", id, models.WebhookStateProcessed,
		", processed_at = NOW(), error = NULL")

	return err
}

func (w *WebhookRepository) MarkPending(ctx context.Context, id string) error {
	_, err := w.transition(ctx, "MarkPending", id, models.WebhookStatePending, "")

	return err
}

func (w *WebhookRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error) {
	return w.transition(ctx, "MarkError", id, models.WebhookStateError,
		", error = $4, retries = retries + 1", nullJSON(cause))
}

// MarkAllPending rolls back unless every listed webhook could move to pending.
func (w *WebhookRepository) MarkAllPending(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	transaction, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = transaction.Rollback() }()

	sources := pq.Array(models.States(models.WebhookSources(models.WebhookStatePending)))

	for _, id := range ids {
		result, err := transaction.ExecContext(ctx, `
			UPDATE incoming_webhooks
			SET state = 'pending', updated_at = NOW()
			WHERE id = $1 AND state = ANY($2)`, id, sources)
		if err != nil {
			return persistence.NewEntityError("MarkAllPending", "webhook", id, err)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return persistence.NewEntityError("MarkAllPending", "webhook", id, err)
		}

		if affected == 0 {
			return w.rejected(ctx, transaction, "MarkAllPending", id, models.WebhookStatePending)
		}
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending webhooks: %w", err)
	}

	return nil
}

func (w *WebhookRepository) FindError(ctx context.Context, page, perPage, retryLimit int) ([]*models.IncomingWebhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM incoming_webhooks
		WHERE state = 'error' AND retries < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`

	return w.query(ctx, query, retryLimit, perPage, persistence.Offset(page, perPage))
}

func (w *WebhookRepository) FindPending(ctx context.Context, before time.Time, page, perPage int) ([]*models.IncomingWebhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM incoming_webhooks
		WHERE state = 'pending' AND updated_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`

	return w.query(ctx, query, before, perPage, persistence.Offset(page, perPage))
}

func (w *WebhookRepository) CleanUpOldWebhooks(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := w.db.ExecContext(ctx,
		`DELETE FROM incoming_webhooks WHERE state = 'processed' AND created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old webhooks: %w", err)
	}

	return result.RowsAffected()
}

func (w *WebhookRepository) CleanUpOrphanedWebhooks(ctx context.Context) (int64, error) {
	result, err := w.db.ExecContext(ctx, `
		DELETE FROM incoming_webhooks w
		WHERE NOT EXISTS (
			SELECT 1 FROM integrations i
			WHERE i.id = w.integration_id AND i.deleted_at IS NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup orphaned webhooks: %w", err)
	}

	return result.RowsAffected()
}

func (w *WebhookRepository) query(ctx context.Context, query string, args ...any) ([]*models.IncomingWebhook, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhooks: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var webhooks []*models.IncomingWebhook

	for rows.Next() {
		webhook, err := scanWebhook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}

		webhooks = append(webhooks, webhook)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhooks: %w", err)
	}

	return webhooks, nil
}

func scanWebhook(row scanner) (*models.IncomingWebhook, error) {
	var (
		webhook     models.IncomingWebhook
		state       string
		payload     []byte
		cause       []byte
		processedAt sql.NullTime
	)

	err := row.Scan(
		&webhook.ID,
		&webhook.TenantID,
		&webhook.IntegrationID,
		&webhook.Type,
		&state,
		&payload,
		&webhook.Retries,
		&cause,
		&processedAt,
		&webhook.CreatedAt,
		&webhook.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	webhook.State = models.WebhookState(state)
	webhook.Payload = json.RawMessage(payload)
	webhook.ProcessedAt = timePtr(processedAt)

	if len(cause) > 0 {
		webhook.Error = json.RawMessage(cause)
	}

	return &webhook, nil
}

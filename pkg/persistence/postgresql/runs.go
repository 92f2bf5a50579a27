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

const runColumns = `id, tenant_id, integration_id, microservice_id, onboarding, state,
	delayed_until, processed_at, error, created_at, updated_at`

// RunRepository handles run-related database operations.
type RunRepository struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger, maxRetries int) *RunRepository {
	return &RunRepository{db: db, logger: logger, maxRetries: maxRetries}
}

// Create inserts a pending run. The ID is generated when empty.
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	if !run.Target.Valid() {
		return persistence.NewEntityError("Create", "run", run.ID, persistence.ErrMissingTarget)
	}

	if run.ID == "" {
		run.ID = newID()
	}

	if run.State == "" {
		run.State = models.RunStatePending
	}

	query := `
		INSERT INTO integration_runs (id, tenant_id, integration_id, microservice_id, onboarding, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		run.ID,
		run.TenantID,
		nullString(run.Target.IntegrationID),
		nullString(run.Target.MicroserviceID),
		run.Onboarding,
		string(run.State),
	).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return persistence.NewEntityError("Create", "run", run.ID, err)
	}

	return nil
}

// FindByID returns a run by its ID.
func (r *RunRepository) FindByID(ctx context.Context, id string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM integration_runs WHERE id = $1`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("FindByID", "run", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("FindByID", "run", id, err)
	}

	return run, nil
}

// transition performs a conditional state update. set holds extra assignments
// whose placeholders start at $4.
func (r *RunRepository) transition(ctx context.Context, op, id string, to models.RunState, set string, args ...any) error {
	query := fmt.Sprintf(`
		UPDATE integration_runs
		SET state = $2, updated_at = NOW()%s
		WHERE id = $1 AND state = ANY($3)`, set)

	params := append([]any{id, string(to), pq.Array(models.States(models.RunSources(to)))}, args...)

	result, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return persistence.NewEntityError(op, "run", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError(op, "run", id, err)
	}

	if affected == 0 {
		return r.rejected(ctx, op, id, to)
	}

	return nil
}

// rejected explains why a conditional update matched no row.
func (r *RunRepository) rejected(ctx context.Context, op, id string, to models.RunState) error {
	var current string

	err := r.db.QueryRowContext(ctx, `SELECT state FROM integration_runs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewEntityError(op, "run", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return persistence.NewEntityError(op, "run", id, err)
	}

	return persistence.NewEntityError(op, "run", id,
		&models.TransitionError{Entity: "run", ID: id, From: current, To: string(to)})
}

func (r *RunRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, "MarkProcessing", id, models.RunStateProcessing, ", delayed_until = NULL")
}

func (r *RunRepository) Restart(ctx context.Context, id string) error {
	return r.transition(ctx, "Restart", id, models.RunStatePending,
		", delayed_until = NULL, processed_at = NULL, error = NULL")
}

func (r *RunRepository) Delay(ctx context.Context, id string, until time.Time) error {
	return r.transition(ctx, "Delay", id, models.RunStateDelayed, ", delayed_until = $4", until)
}

func (r *RunRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) error {
	return r.transition(ctx, "MarkError", id, models.RunStateError,
		", error = $4, processed_at = NOW()", nullJSON(cause))
}

func (r *RunRepository) Touch(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `UPDATE integration_runs SET updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return persistence.NewEntityError("Touch", "run", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewEntityError("Touch", "run", id, err)
	}

	if affected == 0 {
		return persistence.NewEntityError("Touch", "run", id, persistence.ErrRunNotFound)
	}

	return nil
}

// TouchState locks the run, tallies its streams and stores the derived state.
func (r *RunRepository) TouchState(ctx context.Context, id string) (models.RunState, error) {
	transaction, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", persistence.NewEntityError("TouchState", "run", id, err)
	}

	defer func() { _ = transaction.Rollback() }()

	var (
		current     string
		processedAt sql.NullTime
	)

	err = transaction.QueryRowContext(ctx,
		`SELECT state, processed_at FROM integration_runs WHERE id = $1 FOR UPDATE`, id,
	).Scan(&current, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", persistence.NewEntityError("TouchState", "run", id, persistence.ErrRunNotFound)
	}

	if err != nil {
		return "", persistence.NewEntityError("TouchState", "run", id, err)
	}

	var tally models.StreamTally

	err = transaction.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state IN ('pending', 'processing')),
			COUNT(*) FILTER (WHERE state = 'error' AND retries < $2),
			COUNT(*) FILTER (WHERE state = 'error' AND retries >= $2),
			COUNT(*) FILTER (WHERE state = 'processed')
		FROM integration_streams
		WHERE run_id = $1`, id, r.maxRetries,
	).Scan(&tally.Active, &tally.Retryable, &tally.Failed, &tally.Processed)
	if err != nil {
		return "", persistence.NewEntityError("TouchState", "run", id, err)
	}

	from := models.RunState(current)
	next := models.DeriveRunState(from, tally)

	if next != from {
		if err := models.CheckRunTransition(id, from, next); err != nil {
			return from, persistence.NewEntityError("TouchState", "run", id, err)
		}
	}

	stampProcessed := next.IsTerminal() && (next != from || !processedAt.Valid)

	_, err = transaction.ExecContext(ctx, `
		UPDATE integration_runs
		SET state = $2,
			updated_at = NOW(),
			processed_at = CASE WHEN $3::boolean THEN NOW() ELSE processed_at END
		WHERE id = $1`, id, string(next), stampProcessed)
	if err != nil {
		return "", persistence.NewEntityError("TouchState", "run", id, err)
	}

	if err := transaction.Commit(); err != nil {
		return "", persistence.NewEntityError("TouchState", "run", id, err)
	}

	return next, nil
}

func (r *RunRepository) FindDelayedRuns(ctx context.Context, now time.Time, page, perPage int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM integration_runs
		WHERE state = 'delayed' AND delayed_until <= $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	return r.query(ctx, query, now, perPage, persistence.Offset(page, perPage))
}

func (r *RunRepository) FindByState(ctx context.Context, states []models.RunState, page, perPage int, before *persistence.RunCursor) ([]*models.Run, error) {
	args := []any{pq.Array(models.States(states)), perPage, persistence.Offset(page, perPage)}
	keyset := ""

	if before != nil {
		keyset = ` AND (created_at, id) < ($4, $5)`
		args = append(args, before.CreatedAt, before.ID)
	}

	query := `SELECT ` + runColumns + ` FROM integration_runs
		WHERE state = ANY($1)` + keyset + `
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	return r.query(ctx, query, args...)
}

func (r *RunRepository) FindLastRun(ctx context.Context, target models.RunTarget) (*models.Run, error) {
	column, id := targetColumn(target)
	query := `SELECT ` + runColumns + ` FROM integration_runs
		WHERE ` + column + ` = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	return r.first(ctx, query, id)
}

func (r *RunRepository) FindActiveRun(ctx context.Context, target models.RunTarget, excludeID string) (*models.Run, error) {
	column, id := targetColumn(target)
	query := `SELECT ` + runColumns + ` FROM integration_runs
		WHERE ` + column + ` = $1 AND id <> $2 AND state = ANY($3)
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	return r.first(ctx, query, id, excludeID, pq.Array(models.States(models.ActiveRunStates)))
}

func (r *RunRepository) CleanupOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM integration_runs WHERE state = 'processed' AND processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old runs: %w", err)
	}

	return result.RowsAffected()
}

func (r *RunRepository) first(ctx context.Context, query string, args ...any) (*models.Run, error) {
	runs, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, nil
	}

	return runs[0], nil
}

func (r *RunRepository) query(ctx context.Context, query string, args ...any) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var runs []*models.Run

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}

	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run            models.Run
		integrationID  sql.NullString
		microserviceID sql.NullString
		state          string
		delayedUntil   sql.NullTime
		processedAt    sql.NullTime
		cause          []byte
	)

	err := row.Scan(
		&run.ID,
		&run.TenantID,
		&integrationID,
		&microserviceID,
		&run.Onboarding,
		&state,
		&delayedUntil,
		&processedAt,
		&cause,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Target = models.RunTarget{IntegrationID: integrationID.String, MicroserviceID: microserviceID.String}
	run.State = models.RunState(state)
	run.DelayedUntil = timePtr(delayedUntil)
	run.ProcessedAt = timePtr(processedAt)

	if len(cause) > 0 {
		run.Error = json.RawMessage(cause)
	}

	return &run, nil
}

func targetColumn(target models.RunTarget) (string, string) {
	if target.IsMicroservice() {
		return "microservice_id", target.MicroserviceID
	}

	return "integration_id", target.IntegrationID
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time

	return &v
}

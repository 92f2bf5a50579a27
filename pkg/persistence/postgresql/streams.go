package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/lib/pq"
)

const streamColumns = `id, run_id, tenant_id, integration_id, microservice_id, name, state,
	metadata, processed_at, error, retries, created_at, updated_at`

// StreamRepository handles stream-related database operations.
type StreamRepository struct {
	db         *sql.DB
	logger     *slog.Logger
	maxRetries int
	batchSize  int
}

// NewStreamRepository creates a new stream repository.
func NewStreamRepository(db *sql.DB, logger *slog.Logger, maxRetries int) *StreamRepository {
	return &StreamRepository{db: db, logger: logger, maxRetries: maxRetries, batchSize: persistence.DefaultBatchSize}
}

// BulkCreate inserts every spec in one transaction, batchSize rows per statement.
func (s *StreamRepository) BulkCreate(ctx context.Context, run *models.Run, specs []persistence.StreamSpec) ([]*models.Stream, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistence.NewEntityError("BulkCreate", "run", run.ID, err)
	}

	defer func() { _ = transaction.Rollback() }()

	created := make([]*models.Stream, 0, len(specs))

	for start := 0; start < len(specs); start += s.batchSize {
		batch := specs[start:min(start+s.batchSize, len(specs))]

		streams, err := s.insertBatch(ctx, transaction, run, batch)
		if err != nil {
			return nil, persistence.NewEntityError("BulkCreate", "run", run.ID, err)
		}

		created = append(created, streams...)
	}

	if err := transaction.Commit(); err != nil {
		return nil, persistence.NewEntityError("BulkCreate", "run", run.ID, err)
	}

	return created, nil
}

func (s *StreamRepository) insertBatch(ctx context.Context, transaction *sql.Tx, run *models.Run, specs []persistence.StreamSpec) ([]*models.Stream, error) {
	const columnsPerRow = 7

	values := make([]string, 0, len(specs))
	args := make([]any, 0, len(specs)*columnsPerRow)

	for i, spec := range specs {
		metadata, err := json.Marshal(orEmpty(spec.Metadata))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stream metadata: %w", err)
		}

		base := i * columnsPerRow
		values = append(values, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, 'pending')",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args,
			newID(),
			run.ID,
			run.TenantID,
			nullString(run.Target.IntegrationID),
			nullString(run.Target.MicroserviceID),
			spec.Name,
			metadata,
		)
	}

	query := `INSERT INTO integration_streams
		(id, run_id, tenant_id, integration_id, microservice_id, name, metadata, state)
		VALUES ` + strings.Join(values, ", ") + `
		RETURNING ` + streamColumns

	rows, err := transaction.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to insert streams: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return scanStreams(rows)
}

func (s *StreamRepository) Create(ctx context.Context, run *models.Run, spec persistence.StreamSpec) (*models.Stream, error) {
	streams, err := s.BulkCreate(ctx, run, []persistence.StreamSpec{spec})
	if err != nil {
		return nil, err
	}

	return streams[0], nil
}

func (s *StreamRepository) FindByID(ctx context.Context, id string) (*models.Stream, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+streamColumns+` FROM integration_streams WHERE id = $1`, id)

	stream, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewEntityError("FindByID", "stream", id, persistence.ErrStreamNotFound)
	}

	if err != nil {
		return nil, persistence.NewEntityError("FindByID", "stream", id, err)
	}

	return stream, nil
}

func (s *StreamRepository) FindByRunID(ctx context.Context, runID string, filter persistence.StreamFilter, page, perPage int) ([]*models.Stream, error) {
	conditions := []string{"run_id = $1"}
	args := []any{runID}

	next := func(v any) string {
		args = append(args, v)

		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.States) > 0 {
		conditions = append(conditions, "state = ANY("+next(pq.Array(models.States(filter.States)))+")")
	}

	if filter.UpdatedBefore != nil {
		conditions = append(conditions, "updated_at < "+next(*filter.UpdatedBefore))
	}

	if filter.NonTerminal {
		conditions = append(conditions,
			"(state IN ('pending', 'processing') OR (state = 'error' AND retries < "+next(s.maxRetries)+"))")
	}

	query := `SELECT ` + streamColumns + ` FROM integration_streams
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY created_at ASC, id ASC
		LIMIT ` + next(perPage) + ` OFFSET ` + next(persistence.Offset(page, perPage))

	return s.query(ctx, query, args...)
}

// NextEligible returns the oldest stream that is pending or errored with its backoff elapsed.
func (s *StreamRepository) NextEligible(ctx context.Context, runID string, now time.Time) (*models.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM integration_streams
		WHERE run_id = $1
			AND (
				state = 'pending'
				OR (state = 'error' AND retries < $2 AND updated_at <= $3::timestamptz - (retries * $4::integer) * INTERVAL '1 second')
			)
		ORDER BY created_at ASC, id ASC
		LIMIT 1`

	streams, err := s.query(ctx, query, runID, s.maxRetries, now, int(models.RetryBackoffStep.Seconds()))
	if err != nil {
		return nil, err
	}

	if len(streams) == 0 {
		return nil, nil
	}

	return streams[0], nil
}

func (s *StreamRepository) transition(ctx context.Context, op, id string, to models.StreamState, set string, args ...any) (int, error) {
	query := fmt.Sprintf(`
		UPDATE integration_streams
		SET state = $2, updated_at = NOW()%s
		WHERE id = $1 AND state = ANY($3)
		RETURNING retries`, set)

	params := append([]any{id, string(to), pq.Array(models.States(models.StreamSources(to)))}, args...)

	var retries int

	err := s.db.QueryRowContext(ctx, query, params...).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.rejected(ctx, op, id, to)
	}

	if err != nil {
		return 0, persistence.NewEntityError(op, "stream", id, err)
	}

	return retries, nil
}

func (s *StreamRepository) rejected(ctx context.Context, op, id string, to models.StreamState) error {
	var current string

	err := s.db.QueryRowContext(ctx, `SELECT state FROM integration_streams WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewEntityError(op, "stream", id, persistence.ErrStreamNotFound)
	}

	if err != nil {
		return persistence.NewEntityError(op, "stream", id, err)
	}

	return persistence.NewEntityError(op, "stream", id,
		&models.TransitionError{Entity: "stream", ID: id, From: current, To: string(to)})
}

func (s *StreamRepository) MarkProcessing(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "MarkProcessing", id, models.StreamStateProcessing, "")

	return err
}

func (s *StreamRepository) MarkProcessed(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "MarkProcessed", id, models.StreamStateProcessed,
		", processed_at = NOW(), error = NULL")

	return err
}

func (s *StreamRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error) {
	return s.transition(ctx, "MarkError", id, models.StreamStateError,
		", error = $4, retries = retries + 1", nullJSON(cause))
}

func (s *StreamRepository) Reset(ctx context.Context, id string) error {
	_, err := s.transition(ctx, "Reset", id, models.StreamStatePending,
		", error = NULL, retries = 0, processed_at = NULL")

	return err
}

func (s *StreamRepository) query(ctx context.Context, query string, args ...any) ([]*models.Stream, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query streams: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return scanStreams(rows)
}

func scanStreams(rows *sql.Rows) ([]*models.Stream, error) {
	var streams []*models.Stream

	for rows.Next() {
		stream, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}

		streams = append(streams, stream)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate streams: %w", err)
	}

	return streams, nil
}

func scanStream(row scanner) (*models.Stream, error) {
	var (
		stream         models.Stream
		integrationID  sql.NullString
		microserviceID sql.NullString
		state          string
		metadata       []byte
		processedAt    sql.NullTime
		cause          []byte
	)

	err := row.Scan(
		&stream.ID,
		&stream.RunID,
		&stream.TenantID,
		&integrationID,
		&microserviceID,
		&stream.Name,
		&state,
		&metadata,
		&processedAt,
		&cause,
		&stream.Retries,
		&stream.CreatedAt,
		&stream.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	stream.Target = models.RunTarget{IntegrationID: integrationID.String, MicroserviceID: microserviceID.String}
	stream.State = models.StreamState(state)
	stream.ProcessedAt = timePtr(processedAt)

	if len(cause) > 0 {
		stream.Error = json.RawMessage(cause)
	}

	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &stream.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stream metadata: %w", err)
		}
	}

	return &stream, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}

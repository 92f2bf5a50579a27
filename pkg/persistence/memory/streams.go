package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

type streamRow struct {
	stream *models.Stream
	seq    int64
}

func (r *streamRow) sequence() int64 { return r.seq }

type streamRepository struct {
	p *Persistence
}

func (r *streamRepository) BulkCreate(ctx context.Context, run *models.Run, specs []persistence.StreamSpec) ([]*models.Stream, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if _, ok := r.p.runs[run.ID]; !ok {
		return nil, persistence.NewEntityError("BulkCreate", "run", run.ID, persistence.ErrRunNotFound)
	}

	now := r.p.now()
	out := make([]*models.Stream, 0, len(specs))

	for _, spec := range specs {
		stream := &models.Stream{
			ID:        newID(),
			RunID:     run.ID,
			TenantID:  run.TenantID,
			Target:    run.Target,
			Name:      spec.Name,
			State:     models.StreamStatePending,
			Metadata:  spec.Metadata,
			CreatedAt: now,
			UpdatedAt: now,
		}

		r.p.streams[stream.ID] = &streamRow{stream: stream.Clone(), seq: r.p.nextSeq()}
		out = append(out, stream)
	}

	return out, nil
}

func (r *streamRepository) Create(ctx context.Context, run *models.Run, spec persistence.StreamSpec) (*models.Stream, error) {
	streams, err := r.BulkCreate(ctx, run, []persistence.StreamSpec{spec})
	if err != nil {
		return nil, err
	}

	return streams[0], nil
}

func (r *streamRepository) FindByID(ctx context.Context, id string) (*models.Stream, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.streams[id]
	if !ok {
		return nil, persistence.NewEntityError("FindByID", "stream", id, persistence.ErrStreamNotFound)
	}

	return row.stream.Clone(), nil
}

func (r *streamRepository) FindByRunID(ctx context.Context, runID string, filter persistence.StreamFilter, pageNum, perPage int) ([]*models.Stream, error) {
	return r.list(func(s *models.Stream) bool {
		if s.RunID != runID {
			return false
		}

		if len(filter.States) > 0 && !containsState(filter.States, s.State) {
			return false
		}

		if filter.UpdatedBefore != nil && !s.UpdatedAt.Before(*filter.UpdatedBefore) {
			return false
		}

		if filter.NonTerminal {
			class := s.Classify(r.p.maxRetries)
			if class != models.StreamClassActive && class != models.StreamClassRetryable {
				return false
			}
		}

		return true
	}, oldestFirst, pageNum, perPage), nil
}

func (r *streamRepository) NextEligible(ctx context.Context, runID string, now time.Time) (*models.Stream, error) {
	eligible := r.list(func(s *models.Stream) bool {
		if s.RunID != runID {
			return false
		}

		return s.State == models.StreamStatePending ||
			(s.State == models.StreamStateError && models.IsEligibleForRetry(now, s.UpdatedAt, s.Retries, r.p.maxRetries))
	}, oldestFirst, 1, 1)
	if len(eligible) == 0 {
		return nil, nil
	}

	return eligible[0], nil
}

func (r *streamRepository) transition(op, id string, to models.StreamState, mutate func(s *models.Stream, now time.Time)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.streams[id]
	if !ok {
		return persistence.NewEntityError(op, "stream", id, persistence.ErrStreamNotFound)
	}

	if err := models.CheckStreamTransition(id, row.stream.State, to); err != nil {
		return persistence.NewEntityError(op, "stream", id, err)
	}

	now := r.p.now()
	row.stream.State = to
	row.stream.UpdatedAt = now

	if mutate != nil {
		mutate(row.stream, now)
	}

	return nil
}

func (r *streamRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition("MarkProcessing", id, models.StreamStateProcessing, nil)
}

func (r *streamRepository) MarkProcessed(ctx context.Context, id string) error {
	return r.transition("MarkProcessed", id, models.StreamStateProcessed, func(s *models.Stream, now time.Time) {
		s.ProcessedAt = &now
		s.Error = nil
	})
}

func (r *streamRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) (int, error) {
	var retries int

	err := r.transition("MarkError", id, models.StreamStateError, func(s *models.Stream, _ time.Time) {
		s.Error = append(json.RawMessage(nil), cause...)
		s.Retries++
		retries = s.Retries
	})

	return retries, err
}

func (r *streamRepository) Reset(ctx context.Context, id string) error {
	return r.transition("Reset", id, models.StreamStatePending, func(s *models.Stream, _ time.Time) {
		s.Error = nil
		s.Retries = 0
		s.ProcessedAt = nil
	})
}

func (r *streamRepository) list(match func(*models.Stream) bool, less func(a, b *streamRow) bool, pageNum, perPage int) []*models.Stream {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var rows []*streamRow

	for _, row := range r.p.streams {
		if match(row.stream) {
			rows = append(rows, row)
		}
	}

	rows = page(rows, less, pageNum, perPage)

	out := make([]*models.Stream, len(rows))
	for i, row := range rows {
		out[i] = row.stream.Clone()
	}

	return out
}

func oldestFirst(a, b *streamRow) bool {
	return a.stream.CreatedAt.Before(b.stream.CreatedAt)
}

package memory

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

type runRow struct {
	run *models.Run
	seq int64
}

func (r *runRow) sequence() int64 { return r.seq }

type runRepository struct {
	p *Persistence
}

func (r *runRepository) Create(ctx context.Context, run *models.Run) error {
	if !run.Target.Valid() {
		return persistence.NewEntityError("Create", "run", run.ID, persistence.ErrMissingTarget)
	}

	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	if run.ID == "" {
		run.ID = newID()
	}

	if run.State == "" {
		run.State = models.RunStatePending
	}

	now := r.p.now()
	run.CreatedAt = now
	run.UpdatedAt = now

	r.p.runs[run.ID] = &runRow{run: run.Clone(), seq: r.p.nextSeq()}

	return nil
}

func (r *runRepository) FindByID(ctx context.Context, id string) (*models.Run, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.runs[id]
	if !ok {
		return nil, persistence.NewEntityError("FindByID", "run", id, persistence.ErrRunNotFound)
	}

	return row.run.Clone(), nil
}

// transition applies mutate when the run may move to the target state.
func (r *runRepository) transition(op, id string, to models.RunState, mutate func(run *models.Run, now time.Time)) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.runs[id]
	if !ok {
		return persistence.NewEntityError(op, "run", id, persistence.ErrRunNotFound)
	}

	if err := models.CheckRunTransition(id, row.run.State, to); err != nil {
		return persistence.NewEntityError(op, "run", id, err)
	}

	now := r.p.now()
	row.run.State = to
	row.run.UpdatedAt = now

	if mutate != nil {
		mutate(row.run, now)
	}

	return nil
}

func (r *runRepository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition("MarkProcessing", id, models.RunStateProcessing, func(run *models.Run, _ time.Time) {
		run.DelayedUntil = nil
	})
}

func (r *runRepository) Restart(ctx context.Context, id string) error {
	return r.transition("Restart", id, models.RunStatePending, func(run *models.Run, _ time.Time) {
		run.DelayedUntil = nil
		run.ProcessedAt = nil
		run.Error = nil
	})
}

func (r *runRepository) Delay(ctx context.Context, id string, until time.Time) error {
	return r.transition("Delay", id, models.RunStateDelayed, func(run *models.Run, _ time.Time) {
		run.DelayedUntil = &until
	})
}

func (r *runRepository) MarkError(ctx context.Context, id string, cause json.RawMessage) error {
	return r.transition("MarkError", id, models.RunStateError, func(run *models.Run, now time.Time) {
		run.Error = append(json.RawMessage(nil), cause...)
		run.ProcessedAt = &now
	})
}

func (r *runRepository) Touch(ctx context.Context, id string) error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.runs[id]
	if !ok {
		return persistence.NewEntityError("Touch", "run", id, persistence.ErrRunNotFound)
	}

	row.run.UpdatedAt = r.p.now()

	return nil
}

func (r *runRepository) TouchState(ctx context.Context, id string) (models.RunState, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	row, ok := r.p.runs[id]
	if !ok {
		return "", persistence.NewEntityError("TouchState", "run", id, persistence.ErrRunNotFound)
	}

	var streams []*models.Stream

	for _, s := range r.p.streams {
		if s.stream.RunID == id {
			streams = append(streams, s.stream)
		}
	}

	current := row.run.State
	next := models.DeriveRunState(current, models.TallyStreams(streams, r.p.maxRetries))

	if next != current {
		if err := models.CheckRunTransition(id, current, next); err != nil {
			return current, persistence.NewEntityError("TouchState", "run", id, err)
		}
	}

	now := r.p.now()
	row.run.State = next
	row.run.UpdatedAt = now

	if next.IsTerminal() && (next != current || row.run.ProcessedAt == nil) {
		row.run.ProcessedAt = &now
	}

	return next, nil
}

func (r *runRepository) FindDelayedRuns(ctx context.Context, now time.Time, pageNum, perPage int) ([]*models.Run, error) {
	return r.list(func(run *models.Run) bool {
		return run.State == models.RunStateDelayed && run.DelayedUntil != nil && !run.DelayedUntil.After(now)
	}, newestFirst, pageNum, perPage), nil
}

func (r *runRepository) FindByState(ctx context.Context, states []models.RunState, pageNum, perPage int, before *persistence.RunCursor) ([]*models.Run, error) {
	return r.list(func(run *models.Run) bool {
		if !containsState(states, run.State) {
			return false
		}

		if before == nil {
			return true
		}

		return run.CreatedAt.Before(before.CreatedAt) ||
			(run.CreatedAt.Equal(before.CreatedAt) && run.ID < before.ID)
	}, newestFirst, pageNum, perPage), nil
}

func (r *runRepository) FindLastRun(ctx context.Context, target models.RunTarget) (*models.Run, error) {
	runs := r.list(func(run *models.Run) bool { return run.Target == target }, newestFirst, 1, 1)
	if len(runs) == 0 {
		return nil, nil
	}

	return runs[0], nil
}

func (r *runRepository) FindActiveRun(ctx context.Context, target models.RunTarget, excludeID string) (*models.Run, error) {
	runs := r.list(func(run *models.Run) bool {
		return run.Target == target && run.ID != excludeID && run.State.IsActive()
	}, newestFirst, 1, 1)
	if len(runs) == 0 {
		return nil, nil
	}

	return runs[0], nil
}

func (r *runRepository) CleanupOldRuns(ctx context.Context, olderThan time.Time) (int64, error) {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var deleted int64

	for id, row := range r.p.runs {
		if row.run.State != models.RunStateProcessed || row.run.ProcessedAt == nil || !row.run.ProcessedAt.Before(olderThan) {
			continue
		}

		delete(r.p.runs, id)
		deleted++

		for sid, s := range r.p.streams {
			if s.stream.RunID == id {
				delete(r.p.streams, sid)
			}
		}
	}

	return deleted, nil
}

func (r *runRepository) list(match func(*models.Run) bool, less func(a, b *runRow) bool, pageNum, perPage int) []*models.Run {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()

	var rows []*runRow

	for _, row := range r.p.runs {
		if match(row.run) {
			rows = append(rows, row)
		}
	}

	rows = page(rows, less, pageNum, perPage)

	out := make([]*models.Run, len(rows))
	for i, row := range rows {
		out[i] = row.run.Clone()
	}

	return out
}

func newestFirst(a, b *runRow) bool {
	if !a.run.CreatedAt.Equal(b.run.CreatedAt) {
		return a.run.CreatedAt.After(b.run.CreatedAt)
	}

	return a.run.ID > b.run.ID
}

func containsState[S comparable](states []S, s S) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}

	return false
}

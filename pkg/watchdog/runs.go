package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
)

var inspectedStates = []models.RunState{models.RunStatePending, models.RunStateProcessing}

// sweepRuns walks pending and processing runs newest first and repairs the ones not touched
// for longer than the threshold. Per-run failures are logged and the walk continues.
func (w *Watchdog) sweepRuns(ctx context.Context, report *Report) error {
	var cursor *persistence.RunCursor

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		runs, err := w.store.Runs().FindByState(ctx, inspectedStates, 1, w.cfg.PageSize, cursor)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		for _, run := range runs {
			w.checkRun(ctx, run, report)
		}

		if len(runs) < w.cfg.PageSize {
			return nil
		}

		cursor = persistence.NewRunCursor(runs[len(runs)-1])
	}
}

func (w *Watchdog) checkRun(ctx context.Context, run *models.Run, report *Report) {
	now := w.now()
	cutoff := now.Add(-w.cfg.StuckThreshold)

	if !run.UpdatedAt.Before(cutoff) {
		return
	}

	report.RunsInspected++

	logger := w.logger.With("run_id", run.ID, "tenant_id", run.TenantID, "target", run.Target.String())
	logger.WarnContext(ctx, "Investigating possible stuck run", "updated_at", run.UpdatedAt)

	stuck, err := w.isStuck(ctx, logger, run, cutoff, report)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to inspect run", "error", err)

		return
	}

	if !stuck {
		return
	}

	report.RunsFlagged++

	err = w.store.Runs().Delay(ctx, run.ID, now.Add(w.cfg.RedispatchDelay))
	if err != nil {
		logger.ErrorContext(ctx, "Failed to delay stuck run", "error", err)

		return
	}

	logger.WarnContext(ctx, "Delayed stuck run for redispatch", "delay", w.cfg.RedispatchDelay)
}

// isStuck checks, in order, for streams stuck processing, stuck pending and stuck retryable.
// When none applies and no stream is pending, processing or retryable, the run state is recomputed.
func (w *Watchdog) isStuck(ctx context.Context, logger *slog.Logger, run *models.Run, cutoff time.Time, report *Report) (bool, error) {
	streams := w.store.Streams()

	processing, err := streams.FindByRunID(ctx, run.ID, persistence.StreamFilter{
		States:        []models.StreamState{models.StreamStateProcessing},
		UpdatedBefore: &cutoff,
	}, 1, 1)
	if err != nil {
		return false, err
	}

	if len(processing) > 0 {
		logger.WarnContext(ctx, "Found stuck processing stream, resetting all processing streams", "stream_id", processing[0].ID)

		n, err := w.resetProcessing(ctx, run.ID)
		report.StreamsReset += n

		return true, err
	}

	pending, err := streams.FindByRunID(ctx, run.ID, persistence.StreamFilter{
		States:        []models.StreamState{models.StreamStatePending},
		UpdatedBefore: &cutoff,
	}, 1, 1)
	if err != nil {
		return false, err
	}

	if len(pending) > 0 {
		logger.WarnContext(ctx, "Found stuck pending stream", "stream_id", pending[0].ID)

		return true, nil
	}

	retryable, err := w.findStuckRetryable(ctx, run.ID, cutoff)
	if err != nil {
		return false, err
	}

	if retryable != nil {
		logger.WarnContext(ctx, "Found stuck errored stream with retries left", "stream_id", retryable.ID, "retries", retryable.Retries)

		return true, nil
	}

	open, err := streams.FindByRunID(ctx, run.ID, persistence.StreamFilter{NonTerminal: true}, 1, 1)
	if err != nil {
		return false, err
	}

	if len(open) > 0 {
		return false, nil
	}

	logger.WarnContext(ctx, "No open streams, recomputing run state")

	state, err := w.store.Runs().TouchState(ctx, run.ID)
	if err != nil {
		return false, err
	}

	if !state.IsTerminal() {
		report.RunsUnresolved++
		logger.ErrorContext(ctx, "Run is not in a final state, requires manual intervention", "state", state)

		return false, nil
	}

	report.RunsResynced++
	logger.InfoContext(ctx, "Run state recomputed", "state", state)

	return false, nil
}

// resetProcessing moves every processing stream of the run back to pending.
func (w *Watchdog) resetProcessing(ctx context.Context, runID string) (int, error) {
	streams := w.store.Streams()
	filter := persistence.StreamFilter{States: []models.StreamState{models.StreamStateProcessing}}
	reset := 0

	for {
		batch, err := streams.FindByRunID(ctx, runID, filter, 1, w.cfg.PageSize)
		if err != nil {
			return reset, err
		}

		if len(batch) == 0 {
			return reset, nil
		}

		for _, stream := range batch {
			err = streams.Reset(ctx, stream.ID)
			if err != nil && !persistence.IsInvalidTransition(err) {
				return reset, fmt.Errorf("failed to reset stream %s: %w", stream.ID, err)
			}

			if err == nil {
				reset++
			}
		}

		if len(batch) < w.cfg.PageSize {
			return reset, nil
		}
	}
}

func (w *Watchdog) findStuckRetryable(ctx context.Context, runID string, cutoff time.Time) (*models.Stream, error) {
	filter := persistence.StreamFilter{
		States:        []models.StreamState{models.StreamStateError},
		UpdatedBefore: &cutoff,
	}

	for page := 1; ; page++ {
		batch, err := w.store.Streams().FindByRunID(ctx, runID, filter, page, w.cfg.PageSize)
		if err != nil {
			return nil, err
		}

		for _, stream := range batch {
			if stream.Retries < w.cfg.MaxRetries {
				return stream, nil
			}
		}

		if len(batch) < w.cfg.PageSize {
			return nil, nil
		}
	}
}

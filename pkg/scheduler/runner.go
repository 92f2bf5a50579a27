package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Default cron specs of the scheduler binary.
const (
	TickSpec      = "@every 1m"
	WatchdogSpec  = "@every 90m"
	RetentionSpec = "@daily"
)

// Job is a named function run on a cron spec.
type Job struct {
	Name string
	Spec string
	Run  func(ctx context.Context)
}

// Runner drives jobs from one cron instance. A job still running when its next
// activation fires is skipped, and a panicking job is recovered.
type Runner struct {
	jobs   []Job
	logger *slog.Logger
	cron   *cron.Cron
	ids    map[string]cron.EntryID
	mutex  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(logger *slog.Logger, jobs ...Job) *Runner {
	return &Runner{
		jobs:   jobs,
		logger: logger.With("module", "scheduler_runner"),
		ids:    make(map[string]cron.EntryID),
	}
}

// Validate checks every job has a name, a function and a parseable spec.
func (r *Runner) Validate() error {
	if len(r.jobs) == 0 {
		return errors.New("no jobs configured")
	}

	for _, job := range r.jobs {
		if job.Name == "" {
			return errors.New("job name is required")
		}

		if job.Run == nil {
			return fmt.Errorf("job %s has no function", job.Name)
		}

		if _, err := cron.ParseStandard(job.Spec); err != nil {
			return fmt.Errorf("invalid cron expression '%s' for job %s: %w", job.Spec, job.Name, err)
		}
	}

	return nil
}

func (r *Runner) Start(ctx context.Context) error {
	err := r.Validate()
	if err != nil {
		return err
	}

	r.logger.Info("Starting scheduler runner", "jobs_count", len(r.jobs))
	r.ctx, r.cancel = context.WithCancel(ctx)

	logger := cronLogger{r.logger}
	r.cron = cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.SkipIfStillRunning(logger),
		cron.Recover(logger),
	))

	for _, job := range r.jobs {
		err = r.add(job)
		if err != nil {
			r.logger.Error("Failed to add job", "job", job.Name, "error", err)

			return err
		}
	}

	r.cron.Start()
	r.logger.Info("Scheduler runner started")

	return nil
}

func (r *Runner) add(job Job) error {
	entryID, err := r.cron.AddFunc(job.Spec, func() {
		r.logger.Debug("Running job", "job", job.Name)
		job.Run(r.ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job %s: %w", job.Name, err)
	}

	r.mutex.Lock()
	r.ids[job.Name] = entryID
	r.mutex.Unlock()

	r.logger.Info("Added job", "job", job.Name, "spec", job.Spec, "entry_id", entryID)

	return nil
}

// Entries returns the cron entry id of every scheduled job.
func (r *Runner) Entries() map[string]cron.EntryID {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make(map[string]cron.EntryID, len(r.ids))
	for k, v := range r.ids {
		out[k] = v
	}

	return out
}

// Stop stops scheduling and waits for running jobs or ctx, whichever comes first.
func (r *Runner) Stop(ctx context.Context) error {
	r.logger.Info("Stopping scheduler runner")

	if r.cron == nil {
		return nil
	}

	done := r.cron.Stop()

	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("Jobs still running at shutdown")
	}

	if r.cancel != nil {
		r.cancel()
	}

	r.mutex.Lock()
	r.ids = make(map[string]cron.EntryID)
	r.mutex.Unlock()

	return nil
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

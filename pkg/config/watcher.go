package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file whenever it is written and hands valid
// configurations to onChange. Invalid files are logged and ignored.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
}

func NewWatcher(logger *slog.Logger, path string, onChange func(*Config)) *Watcher {
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.With("module", "config_watcher", "path", path),
		onChange: onChange,
	}
}

// Run watches the directory of the file so editors that replace the file
// by rename are still observed. It blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	err = watcher.Add(filepath.Dir(w.path))
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.InfoContext(ctx, "Watching config file")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != w.path {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			w.Reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			w.logger.ErrorContext(ctx, "File watcher error", "error", err)
		}
	}
}

// Reload reads and validates the file, calling onChange on success.
func (w *Watcher) Reload(ctx context.Context) bool {
	cfg, err := LoadFromFile(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to reload config", "error", err)

		return false
	}

	err = cfg.Validate()
	if err != nil {
		w.logger.ErrorContext(ctx, "Reloaded config is invalid, keeping previous", "error", err)

		return false
	}

	w.logger.InfoContext(ctx, "Config reloaded",
		"integration_types", len(cfg.IntegrationTypes),
		"microservice_types", len(cfg.MicroserviceTypes))
	w.onChange(cfg)

	return true
}

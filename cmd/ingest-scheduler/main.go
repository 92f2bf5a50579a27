// Package main provides the ingest scheduler: the per-minute tick, the stuck-work watchdog and retention.
package main

import (
	"context"
	"os"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/scheduler"
	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "ingest-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Create runs on schedule and repair stuck work",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://, memory://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "queue-url",
				Usage:    "Queue backend URL (sqs://region/account, redis://host:port/db, memory://)",
				Required: true,
				Sources:  cli.EnvVars("QUEUE_URL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the TOML configuration file",
				Sources: cli.EnvVars("INGEST_CONFIG"),
			},
			&cli.BoolFlag{
				Name:    "watch-config",
				Usage:   "Reload integration types when the config file changes",
				Value:   true,
				Sources: cli.EnvVars("WATCH_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "tick-spec",
				Usage:   "Cron spec of the tick",
				Value:   scheduler.TickSpec,
				Sources: cli.EnvVars("TICK_SPEC"),
			},
			&cli.StringFlag{
				Name:    "watchdog-spec",
				Usage:   "Cron spec of the stuck-work watchdog",
				Value:   scheduler.WatchdogSpec,
				Sources: cli.EnvVars("WATCHDOG_SPEC"),
			},
			&cli.StringFlag{
				Name:    "retention-spec",
				Usage:   "Cron spec of the retention cleanup",
				Value:   scheduler.RetentionSpec,
				Sources: cli.EnvVars("RETENTION_SPEC"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("ingest-scheduler")

			logger.InfoContext(ctx, "Initializing Ingest Scheduler")

			cfg, err := cmd.LoadConfig(command.String("config"))
			if err != nil {
				return err
			}

			tracer, shutdown, err := cmd.NewTracer(ctx, command.Bool("tracing"), "ingest-scheduler")
			if err != nil {
				return err
			}
			defer func() {
				err := shutdown(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), cfg.Processing.MaxRetries)
			if err != nil {
				return err
			}
			defer func() {
				err := persistence.Close(context.WithoutCancel(ctx))
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			backend, err := cmd.NewQueue(ctx, logger, command.String("queue-url"))
			if err != nil {
				return err
			}
			defer func() {
				err := backend.Queue.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close queue", "error", err)
				}
			}()

			manager := NewSchedulerManager(logger, cfg, persistence, backend, tracer, Specs{
				Tick:      command.String("tick-spec"),
				Watchdog:  command.String("watchdog-spec"),
				Retention: command.String("retention-spec"),
			})

			configPath := ""
			if command.Bool("watch-config") {
				configPath = command.String("config")
			}

			return manager.Start(ctx, configPath)
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

// Package main provides the ingest ops API server.
package main

import (
	"context"
	"os"

	"github.com/dukex/ingest/pkg/cmd"
	"github.com/dukex/ingest/pkg/dispatch"
	"github.com/dukex/ingest/pkg/log"
	"github.com/dukex/ingest/pkg/queue"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	cmd := &cli.Command{
		Name:                  "ingest-api",
		Usage:                 "Trigger runs, re-drive work and accept incoming webhooks",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
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

			logger := log.WithModule("ingest-api")

			logger.InfoContext(ctx, "Initializing Ingest API")

			cfg, err := cmd.LoadConfig(command.String("config"))
			if err != nil {
				return err
			}

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), cfg.Processing.MaxRetries)
			if err != nil {
				return err
			}
			defer func() {
				err := persistence.Close(ctx)
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

			delayed := queue.NewDelayedQueue(logger, backend.Queue, backend.URL(cfg.Queue.DelayQueue),
				queue.WithCeiling(cfg.Queue.NativeDelayCeiling))

			api := NewAPI(
				logger,
				persistence,
				cmd.NewRegistry(logger, cfg),
				dispatch.NewDispatcher(logger, delayed, backend.URL(cfg.Queue.WorkerQueue)),
			)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

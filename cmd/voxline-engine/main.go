package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/voxline/voxline/pkg/cmd"
	"github.com/voxline/voxline/pkg/engine"
	"github.com/voxline/voxline/pkg/executor"
	"github.com/voxline/voxline/pkg/log"
	"github.com/voxline/voxline/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "voxline-engine",
		EnableShellCompletion: true,
		Usage:                 "Run queued call workflow executions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "engine-id",
				Aliases: []string{"id"},
				Usage:   "Custom engine ID (auto-generated if not provided)",
				Sources: cli.EnvVars("ENGINE_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Store URL (file://<dir> or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (channel, kafka)",
				Value:   "channel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for trigger dedup (empty keeps dedup in-process)",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("REDIS_PASSWORD"),
			},
			&cli.DurationFlag{
				Name:    "dedup-window",
				Usage:   "How long a trigger event id stays claimed",
				Value:   time.Hour,
				Sources: cli.EnvVars("DEDUP_WINDOW"),
			},
			&cli.IntFlag{
				Name:    "max-concurrent-runs",
				Usage:   "Default per-workflow concurrency cap",
				Value:   10,
				Sources: cli.EnvVars("MAX_CONCURRENT_RUNS"),
			},
			&cli.DurationFlag{
				Name:    "stall-timeout",
				Usage:   "How long a running execution may sit without progress before recovery claims it",
				Value:   10 * time.Minute,
				Sources: cli.EnvVars("STALL_TIMEOUT"),
			},
			&cli.DurationFlag{
				Name:    "recovery-interval",
				Usage:   "How often the orphan recovery sweep runs",
				Value:   time.Minute,
				Sources: cli.EnvVars("RECOVERY_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for execution runs",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			engineID := command.String("engine-id")
			if engineID == "" {
				engineID = "engine-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("engine").With("engine_id", engineID)

			logger.InfoContext(ctx, "Initializing Voxline engine")

			s, err := cmd.NewStore(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := s.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), "voxline-engine", logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			deduper, err := cmd.NewDeduper(ctx,
				command.String("redis-addr"),
				command.String("redis-password"),
				command.Duration("dedup-window"))
			if err != nil {
				return err
			}

			var tracer trace.Tracer
			if command.Bool("tracing") {
				tracer, err = otelhelper.NewTracer(ctx, "voxline-engine")
				if err != nil {
					return err
				}
			}

			handlerRegistry := cmd.NewHandlerRegistry(logger)

			eng := engine.NewEngine(
				s.Workflows(), s.Executions(),
				executor.NewExecutor(handlerRegistry, logger),
				eventBus, tracer, logger,
				engine.Options{
					MaxConcurrentRuns: command.Int("max-concurrent-runs"),
					StallTimeout:      command.Duration("stall-timeout"),
				},
			)

			manager := NewEngineManager(engineID, s, eventBus, deduper, eng, logger)
			manager.recoveryInterval = command.Duration("recovery-interval")

			return manager.Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

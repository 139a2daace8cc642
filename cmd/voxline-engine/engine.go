// Package main provides the Voxline engine daemon. It consumes queued
// executions from the event bus, runs the cron ticker behind schedule
// triggers and periodically sweeps executions abandoned by dead
// engine instances.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/engine"
	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/protocol"
	"github.com/voxline/voxline/pkg/store"
)

const shutdownTimeout = 30 * time.Second

type EngineManager struct {
	id               string
	logger           *slog.Logger
	store            store.Store
	eventBus         eventbus.EventBus
	activation       *activation.Registry
	schedules        *activation.ScheduleSource
	engine           *engine.Engine
	recoveryInterval time.Duration
}

func NewEngineManager(
	id string,
	s store.Store,
	eventBus eventbus.EventBus,
	deduper activation.Deduper,
	eng *engine.Engine,
	logger *slog.Logger,
) *EngineManager {
	return &EngineManager{
		id:               id,
		logger:           logger,
		store:            s,
		eventBus:         eventBus,
		activation:       activation.NewRegistry(s.Workflows(), s.Executions(), deduper, eventBus, logger),
		schedules:        activation.NewScheduleSource(s.Workflows(), logger),
		engine:           eng,
		recoveryInterval: time.Minute,
	}
}

func (m *EngineManager) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.eventBus.Handle(events.ExecutionQueuedEvent, m.handleExecutionQueued); err != nil {
		return err
	}

	if err := m.eventBus.Subscribe(runCtx); err != nil {
		return err
	}

	if err := m.schedules.Start(runCtx, m.handleScheduleActivation); err != nil {
		return err
	}

	go m.recoveryLoop(runCtx)

	m.logger.InfoContext(ctx, "Engine started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	m.logger.InfoContext(ctx, "Shutting down engine...")

	cancel()

	return m.shutdown()
}

func (m *EngineManager) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := m.schedules.Stop(ctx); err != nil {
		m.logger.ErrorContext(ctx, "Failed to stop schedule source", "error", err)
	}

	return m.engine.Shutdown(ctx)
}

func (m *EngineManager) handleExecutionQueued(ctx context.Context, event any) error {
	queued, ok := event.(*events.ExecutionQueued)
	if !ok {
		m.logger.ErrorContext(ctx, "Invalid event type for ExecutionQueued")

		return nil
	}

	logger := m.logger.With(
		"workflow_id", queued.WorkflowID,
		"execution_id", queued.ExecutionID,
	)
	logger.InfoContext(ctx, "Picking up queued execution")

	err := m.engine.Run(ctx, queued.ExecutionID)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrConcurrencyRejected):
		logger.WarnContext(ctx, "Execution rejected by concurrency policy")

		return nil
	case errors.Is(err, engine.ErrExecutionNotQueued):
		// Another engine instance claimed it first.
		logger.DebugContext(ctx, "Execution no longer queued")

		return nil
	case errors.Is(err, engine.ErrShuttingDown):
		// Left queued for another instance to pick up.
		logger.InfoContext(ctx, "Refused execution during shutdown")

		return nil
	default:
		logger.ErrorContext(ctx, "Failed to run execution", "error", err)

		return err
	}
}

func (m *EngineManager) handleScheduleActivation(ctx context.Context, act protocol.Activation) error {
	_, err := m.activation.Activate(ctx, act)
	if errors.Is(err, activation.ErrDuplicateEvent) {
		return nil
	}

	return err
}

// recoveryLoop periodically finalizes running executions whose engine
// died without recording progress.
func (m *EngineManager) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(m.recoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			recovered, err := m.engine.RecoverOrphans(ctx)
			if err != nil {
				m.logger.ErrorContext(ctx, "Orphan recovery sweep failed", "error", err)

				continue
			}

			if len(recovered) > 0 {
				m.logger.InfoContext(ctx, "Recovered orphaned executions", "count", len(recovered), "execution_ids", recovered)
			}
		}
	}
}

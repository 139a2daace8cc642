package main

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/activation"
	"github.com/voxline/voxline/pkg/engine"
	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/executor"
	"github.com/voxline/voxline/pkg/handlers"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/registry"
	"github.com/voxline/voxline/pkg/store/file"
)

func setupManager(t *testing.T) (*EngineManager, *file.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	s := file.NewStore(t.TempDir())

	bus := eventbus.NewGoChannelBus(logger)
	t.Cleanup(func() { _ = bus.Close() })

	handlerRegistry := registry.NewRegistry(logger)
	handlers.RegisterDefaults(handlerRegistry)

	eng := engine.NewEngine(
		s.Workflows(), s.Executions(),
		executor.NewExecutor(handlerRegistry, logger),
		bus, nil, logger, engine.Options{})

	manager := NewEngineManager("engine-test", s, bus,
		activation.NewMemoryDeduper(time.Minute), eng, logger)

	return manager, s
}

func saveLoggingWorkflow(t *testing.T, s *file.Store) *models.Workflow {
	t.Helper()

	workflow := &models.Workflow{
		ID:     "wf-greeting",
		Name:   "Greeting",
		Active: true,
		Nodes: []*models.Node{
			{ID: "entry", Kind: models.NodeKindTrigger, Handler: "log", Parameters: map[string]any{"message": "call received"}},
			{ID: "note", Kind: models.NodeKindAction, Handler: "log", Parameters: map[string]any{"message": "handled"}},
		},
		Edges: []*models.Edge{
			{SourceID: "entry", TargetID: "note"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg-manual", Kind: models.TriggerKindManual, NodeID: "entry"},
		},
	}
	require.NoError(t, s.Workflows().Save(t.Context(), workflow))

	return workflow
}

func TestHandleExecutionQueuedRunsToCompletion(t *testing.T) {
	manager, s := setupManager(t)
	workflow := saveLoggingWorkflow(t, s)

	result, err := manager.activation.ActivateManual(t.Context(), workflow.ID, map[string]any{"caller": "+15550100"})
	require.NoError(t, err)

	err = manager.handleExecutionQueued(t.Context(), &events.ExecutionQueued{
		BaseEvent:   events.NewBaseEvent(events.ExecutionQueuedEvent, workflow.ID),
		ExecutionID: result.Execution.ID,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		execution, err := s.Executions().GetExecution(t.Context(), result.Execution.ID)
		return err == nil && execution.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	execution, err := s.Executions().GetExecution(t.Context(), result.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Len(t, execution.Results, 2)
}

func TestHandleExecutionQueuedIgnoresAlreadyClaimed(t *testing.T) {
	manager, s := setupManager(t)
	workflow := saveLoggingWorkflow(t, s)

	result, err := manager.activation.ActivateManual(t.Context(), workflow.ID, nil)
	require.NoError(t, err)

	require.NoError(t, s.Executions().Finalize(t.Context(), result.Execution.ID,
		models.ExecutionStatusError, &models.ExecutionError{Kind: models.ErrorKindCancelled, Message: "cancelled"}))

	// Another instance already moved it out of queued; not an error here.
	err = manager.handleExecutionQueued(t.Context(), &events.ExecutionQueued{
		BaseEvent:   events.NewBaseEvent(events.ExecutionQueuedEvent, workflow.ID),
		ExecutionID: result.Execution.ID,
	})
	assert.NoError(t, err)
}

func TestHandleExecutionQueuedIgnoresMalformedEvent(t *testing.T) {
	manager, _ := setupManager(t)

	assert.NoError(t, manager.handleExecutionQueued(t.Context(), "not an event"))
}

package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/eventbus"
	"github.com/voxline/voxline/pkg/events"
	"github.com/voxline/voxline/pkg/executor"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
	"github.com/voxline/voxline/pkg/registry"
	"github.com/voxline/voxline/pkg/store/file"
)

type capturingPublisher struct {
	mu        sync.Mutex
	published []eventbus.Event
}

func (p *capturingPublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.published = append(p.published, event)

	return nil
}

func (p *capturingPublisher) ofType(eventType events.EventType) []eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range p.published {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

type stubHandler struct {
	fn func(ctx context.Context, params map[string]any) (map[string]any, bool, error)
}

func (h *stubHandler) Handle(ctx context.Context, params map[string]any, _ *models.ExecutionContext, _ *slog.Logger) (map[string]any, bool, error) {
	return h.fn(ctx, params)
}

type stubFactory struct {
	id      string
	handler protocol.Handler
}

func (f *stubFactory) ID() string                        { return f.id }
func (f *stubFactory) Name() string                      { return f.id }
func (f *stubFactory) Description() string               { return "test handler" }
func (f *stubFactory) Schema() map[string]any            { return nil }
func (f *stubFactory) Create() (protocol.Handler, error) { return f.handler, nil }

func handlerFunc(id string, fn func(ctx context.Context, params map[string]any) (map[string]any, bool, error)) protocol.HandlerFactory {
	return &stubFactory{id: id, handler: &stubHandler{fn: fn}}
}

func okHandler(id string) protocol.HandlerFactory {
	return handlerFunc(id, func(_ context.Context, _ map[string]any) (map[string]any, bool, error) {
		return map[string]any{"done": true}, false, nil
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type engineEnv struct {
	engine    *Engine
	store     *file.Store
	publisher *capturingPublisher
}

func newEngineEnv(t *testing.T, opts Options, factories ...protocol.HandlerFactory) *engineEnv {
	t.Helper()

	logger := testLogger()
	reg := registry.NewRegistry(logger)

	for _, factory := range factories {
		reg.Register(factory)
	}

	s := file.NewStore(t.TempDir())
	publisher := &capturingPublisher{}
	eng := NewEngine(s.Workflows(), s.Executions(), executor.NewExecutor(reg, logger), publisher, nil, logger, opts)

	return &engineEnv{engine: eng, store: s, publisher: publisher}
}

func (e *engineEnv) saveWorkflow(t *testing.T, workflow *models.Workflow) {
	t.Helper()
	require.NoError(t, e.store.Workflows().Save(t.Context(), workflow))
}

func (e *engineEnv) queueExecution(t *testing.T, id, workflowID, triggerID string) {
	t.Helper()
	require.NoError(t, e.store.Executions().CreateExecution(t.Context(), &models.Execution{
		ID:         id,
		WorkflowID: workflowID,
		TriggerID:  triggerID,
		Status:     models.ExecutionStatusQueued,
	}))
}

func (e *engineEnv) waitTerminal(t *testing.T, executionID string) *models.Execution {
	t.Helper()

	var execution *models.Execution

	require.Eventually(t, func() bool {
		var err error

		execution, err = e.store.Executions().GetExecution(t.Context(), executionID)

		return err == nil && execution.Status.Terminal()
	}, 15*time.Second, 10*time.Millisecond)

	return execution
}

func linearWorkflow(settings models.Settings) *models.Workflow {
	return &models.Workflow{
		ID:     "wf-line",
		Name:   "Call Summary Pipeline",
		Active: true,
		Nodes: []*models.Node{
			{ID: "fetch", Kind: models.NodeKindTrigger, Handler: "ok"},
			{ID: "enrich", Kind: models.NodeKindAction, Handler: "flaky"},
			{ID: "notify", Kind: models.NodeKindAction, Handler: "ok"},
		},
		Edges: []*models.Edge{
			{SourceID: "fetch", TargetID: "enrich"},
			{SourceID: "enrich", TargetID: "notify"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "fetch"},
		},
		Settings: settings,
	}
}

func TestRunLinearWorkflowRetriesTransientFailures(t *testing.T) {
	var (
		mu       sync.Mutex
		attempts int
	)

	flaky := handlerFunc("flaky", func(_ context.Context, _ map[string]any) (map[string]any, bool, error) {
		mu.Lock()
		defer mu.Unlock()

		attempts++
		if attempts < 3 {
			return nil, true, errors.New("upstream hiccup")
		}

		return map[string]any{"enriched": true}, false, nil
	})

	env := newEngineEnv(t, Options{}, okHandler("ok"), flaky)
	env.saveWorkflow(t, linearWorkflow(models.Settings{MaxAttempts: 3}))
	env.queueExecution(t, "exec-1", "wf-line", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))

	execution := env.waitTerminal(t, "exec-1")
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)
	assert.Nil(t, execution.Error)

	enrich := execution.ResultFor("enrich")
	require.NotNil(t, enrich)
	assert.Equal(t, models.NodeStatusSuccess, enrich.Status)
	assert.Equal(t, 3, enrich.Attempts)

	notify := execution.ResultFor("notify")
	require.NotNil(t, notify)
	assert.Equal(t, models.NodeStatusSuccess, notify.Status)

	assert.Len(t, env.publisher.ofType(events.ExecutionStartedEvent), 1)
	assert.Len(t, env.publisher.ofType(events.NodeCompletedEvent), 3)

	finished := env.publisher.ofType(events.ExecutionFinishedEvent)
	require.Len(t, finished, 1)
	assert.Equal(t, models.ExecutionStatusSuccess, finished[0].(events.ExecutionFinished).Status)
}

func TestBranchFailureDoesNotAbortSiblings(t *testing.T) {
	boom := handlerFunc("boom", func(_ context.Context, _ map[string]any) (map[string]any, bool, error) {
		return nil, false, errors.New("transcription service down")
	})

	env := newEngineEnv(t, Options{}, okHandler("ok"), boom)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-fan",
		Name:   "Post-call Fan-out",
		Active: true,
		Nodes: []*models.Node{
			{ID: "split", Kind: models.NodeKindTrigger, Handler: "ok"},
			{ID: "transcribe", Kind: models.NodeKindAction, Handler: "boom"},
			{ID: "archive", Kind: models.NodeKindAction, Handler: "ok"},
		},
		Edges: []*models.Edge{
			{SourceID: "split", TargetID: "transcribe"},
			{SourceID: "split", TargetID: "archive"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "split"},
		},
	})
	env.queueExecution(t, "exec-1", "wf-fan", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))

	execution := env.waitTerminal(t, "exec-1")
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrorKindHandler, execution.Error.Kind)
	assert.Contains(t, execution.Error.Message, "transcribe")

	// The healthy branch still ran to completion and kept its result.
	archive := execution.ResultFor("archive")
	require.NotNil(t, archive)
	assert.Equal(t, models.NodeStatusSuccess, archive.Status)

	transcribe := execution.ResultFor("transcribe")
	require.NotNil(t, transcribe)
	assert.Equal(t, models.NodeStatusError, transcribe.Status)
	assert.Equal(t, models.ErrorKindHandler, transcribe.ErrorKind)
}

func TestMergeRunsAfterAllBranches(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)

	record := func(id string) protocol.HandlerFactory {
		return handlerFunc(id, func(_ context.Context, _ map[string]any) (map[string]any, bool, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()

			return map[string]any{"node": id}, false, nil
		})
	}

	env := newEngineEnv(t, Options{}, record("ok"), record("score"), record("tag"), record(models.HandlerMerge))
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-join",
		Name:   "Call Scoring Join",
		Active: true,
		Nodes: []*models.Node{
			{ID: "start", Kind: models.NodeKindTrigger, Handler: "ok"},
			{ID: "score", Kind: models.NodeKindAction, Handler: "score"},
			{ID: "tag", Kind: models.NodeKindAction, Handler: "tag"},
			{ID: "join", Kind: models.NodeKindAction, Handler: models.HandlerMerge},
		},
		Edges: []*models.Edge{
			{SourceID: "start", TargetID: "score"},
			{SourceID: "start", TargetID: "tag"},
			{SourceID: "score", TargetID: "join"},
			{SourceID: "tag", TargetID: "join"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "start"},
		},
	})
	env.queueExecution(t, "exec-1", "wf-join", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))

	execution := env.waitTerminal(t, "exec-1")
	assert.Equal(t, models.ExecutionStatusSuccess, execution.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, models.HandlerMerge, order[3])
}

func TestCancelStopsSchedulingButRecordsInFlight(t *testing.T) {
	entered := make(chan struct{})

	blocker := handlerFunc("blocker", func(ctx context.Context, _ map[string]any) (map[string]any, bool, error) {
		close(entered)
		<-ctx.Done()

		return nil, false, ctx.Err()
	})

	env := newEngineEnv(t, Options{}, okHandler("ok"), blocker)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-cancel",
		Name:   "Cancellable Outreach",
		Active: true,
		Nodes: []*models.Node{
			{ID: "dial", Kind: models.NodeKindTrigger, Handler: "blocker"},
			{ID: "followup", Kind: models.NodeKindAction, Handler: "ok"},
		},
		Edges: []*models.Edge{
			{SourceID: "dial", TargetID: "followup"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "dial"},
		},
	})
	env.queueExecution(t, "exec-1", "wf-cancel", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))
	<-entered
	require.NoError(t, env.engine.Cancel(t.Context(), "exec-1"))

	execution := env.waitTerminal(t, "exec-1")
	assert.Equal(t, models.ExecutionStatusError, execution.Status)
	require.NotNil(t, execution.Error)
	assert.Equal(t, models.ErrorKindCancelled, execution.Error.Kind)

	// The in-flight node was drained and recorded; the downstream node
	// was never dispatched, not even as skipped.
	dial := execution.ResultFor("dial")
	require.NotNil(t, dial)
	assert.Equal(t, models.NodeStatusError, dial.Status)
	assert.Nil(t, execution.ResultFor("followup"))
}

func TestConcurrencyCapHoldsExcessQueued(t *testing.T) {
	release := make(chan struct{})

	gated := handlerFunc("gated", func(ctx context.Context, _ map[string]any) (map[string]any, bool, error) {
		select {
		case <-release:
			return map[string]any{}, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})

	env := newEngineEnv(t, Options{}, gated)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-cap",
		Name:   "Single-flight Campaign",
		Active: true,
		Nodes: []*models.Node{
			{ID: "send", Kind: models.NodeKindTrigger, Handler: "gated"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "send"},
		},
		Settings: models.Settings{MaxConcurrentRuns: 1, OverflowPolicy: models.OverflowQueue},
	})
	env.queueExecution(t, "exec-1", "wf-cap", "trg")
	env.queueExecution(t, "exec-2", "wf-cap", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))
	require.NoError(t, env.engine.Run(t.Context(), "exec-2"))

	// The second execution is held, not started and not rejected; the
	// record carries the waiting marker so callers can see the hold.
	held, err := env.store.Executions().GetExecution(t.Context(), "exec-2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusWaiting, held.Status)
	assert.Empty(t, held.Results)

	close(release)

	first := env.waitTerminal(t, "exec-1")
	second := env.waitTerminal(t, "exec-2")
	assert.Equal(t, models.ExecutionStatusSuccess, first.Status)
	assert.Equal(t, models.ExecutionStatusSuccess, second.Status)
}

func TestConcurrencyCapRejectsWhenPolicyIsReject(t *testing.T) {
	release := make(chan struct{})

	gated := handlerFunc("gated", func(ctx context.Context, _ map[string]any) (map[string]any, bool, error) {
		select {
		case <-release:
			return map[string]any{}, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})

	env := newEngineEnv(t, Options{}, gated)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-reject",
		Name:   "Exclusive Sync",
		Active: true,
		Nodes: []*models.Node{
			{ID: "sync", Kind: models.NodeKindTrigger, Handler: "gated"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "sync"},
		},
		Settings: models.Settings{MaxConcurrentRuns: 1, OverflowPolicy: models.OverflowReject},
	})
	env.queueExecution(t, "exec-1", "wf-reject", "trg")
	env.queueExecution(t, "exec-2", "wf-reject", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))

	err := env.engine.Run(t.Context(), "exec-2")
	require.ErrorIs(t, err, ErrConcurrencyRejected)

	rejected, err := env.store.Executions().GetExecution(t.Context(), "exec-2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, rejected.Status)
	require.NotNil(t, rejected.Error)
	assert.Equal(t, models.ErrorKindCancelled, rejected.Error.Kind)
	assert.Contains(t, rejected.Error.Message, "rejected")

	close(release)
	assert.Equal(t, models.ExecutionStatusSuccess, env.waitTerminal(t, "exec-1").Status)
}

func TestCancelWaitingExecutionNeverStarts(t *testing.T) {
	release := make(chan struct{})

	gated := handlerFunc("gated", func(ctx context.Context, _ map[string]any) (map[string]any, bool, error) {
		select {
		case <-release:
			return map[string]any{}, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})

	env := newEngineEnv(t, Options{}, gated)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-wait",
		Name:   "Queued Then Cancelled",
		Active: true,
		Nodes: []*models.Node{
			{ID: "step", Kind: models.NodeKindTrigger, Handler: "gated"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "step"},
		},
		Settings: models.Settings{MaxConcurrentRuns: 1, OverflowPolicy: models.OverflowQueue},
	})
	env.queueExecution(t, "exec-1", "wf-wait", "trg")
	env.queueExecution(t, "exec-2", "wf-wait", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))
	require.NoError(t, env.engine.Run(t.Context(), "exec-2"))
	require.NoError(t, env.engine.Cancel(t.Context(), "exec-2"))

	cancelled, err := env.store.Executions().GetExecution(t.Context(), "exec-2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, cancelled.Status)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, models.ErrorKindCancelled, cancelled.Error.Kind)
	assert.Empty(t, cancelled.Results)

	close(release)
	assert.Equal(t, models.ExecutionStatusSuccess, env.waitTerminal(t, "exec-1").Status)
}

func TestCancelUnknownExecution(t *testing.T) {
	env := newEngineEnv(t, Options{})

	err := env.engine.Cancel(t.Context(), "no-such-exec")
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestRunRejectsNonQueuedExecution(t *testing.T) {
	env := newEngineEnv(t, Options{}, okHandler("ok"))
	env.saveWorkflow(t, linearWorkflow(models.Settings{}))
	env.queueExecution(t, "exec-1", "wf-line", "trg")
	require.NoError(t, env.store.Executions().Finalize(t.Context(), "exec-1", models.ExecutionStatusError, &models.ExecutionError{
		Kind:    models.ErrorKindCancelled,
		Message: "already closed",
	}))

	err := env.engine.Run(t.Context(), "exec-1")
	require.ErrorIs(t, err, ErrExecutionNotQueued)
}

func TestShutdownRefusesNewExecutions(t *testing.T) {
	env := newEngineEnv(t, Options{}, okHandler("ok"), okHandler("flaky"))
	env.saveWorkflow(t, linearWorkflow(models.Settings{}))
	env.queueExecution(t, "exec-1", "wf-line", "trg")

	require.NoError(t, env.engine.Shutdown(t.Context()))

	err := env.engine.Run(t.Context(), "exec-1")
	require.ErrorIs(t, err, ErrShuttingDown)

	// The refused execution stays queued for another engine instance.
	refused, err := env.store.Executions().GetExecution(t.Context(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusQueued, refused.Status)
}

func TestShutdownDrainsInFlightRunBeforeReturning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})

	gated := handlerFunc("gated", func(ctx context.Context, _ map[string]any) (map[string]any, bool, error) {
		close(entered)

		select {
		case <-release:
			return map[string]any{}, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	})

	env := newEngineEnv(t, Options{}, gated)
	env.saveWorkflow(t, &models.Workflow{
		ID:     "wf-drain",
		Name:   "Drain On Stop",
		Active: true,
		Nodes: []*models.Node{
			{ID: "step", Kind: models.NodeKindTrigger, Handler: "gated"},
		},
		Triggers: []*models.Trigger{
			{ID: "trg", Kind: models.TriggerKindManual, NodeID: "step"},
		},
	})
	env.queueExecution(t, "exec-1", "wf-drain", "trg")

	require.NoError(t, env.engine.Run(t.Context(), "exec-1"))
	<-entered

	done := make(chan error, 1)

	go func() {
		done <- env.engine.Shutdown(t.Context())
	}()

	select {
	case <-done:
		t.Fatal("shutdown returned with a run still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, models.ExecutionStatusSuccess, env.waitTerminal(t, "exec-1").Status)
}

func TestRecoverOrphansFinalizesStalledRuns(t *testing.T) {
	env := newEngineEnv(t, Options{StallTimeout: time.Nanosecond})
	env.saveWorkflow(t, linearWorkflow(models.Settings{}))

	env.queueExecution(t, "exec-stalled", "wf-line", "trg")
	require.NoError(t, env.store.Executions().MarkRunning(t.Context(), "exec-stalled", time.Now().UTC()))

	// Owned by this engine instance: alive, must not be swept.
	env.queueExecution(t, "exec-owned", "wf-line", "trg")
	require.NoError(t, env.store.Executions().MarkRunning(t.Context(), "exec-owned", time.Now().UTC()))
	env.engine.mu.Lock()
	env.engine.cancels["exec-owned"] = func() {}
	env.engine.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	recovered, err := env.engine.RecoverOrphans(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-stalled"}, recovered)

	orphaned, err := env.store.Executions().GetExecution(t.Context(), "exec-stalled")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusError, orphaned.Status)
	require.NotNil(t, orphaned.Error)
	assert.Equal(t, models.ErrorKindOrphaned, orphaned.Error.Kind)

	owned, err := env.store.Executions().GetExecution(t.Context(), "exec-owned")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusRunning, owned.Status)
}

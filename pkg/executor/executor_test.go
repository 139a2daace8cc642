package executor

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
	"github.com/voxline/voxline/pkg/registry"
)

// stubFactory registers an inline handler func under an id.
type stubFactory struct {
	id     string
	schema map[string]any
	fn     handlerFunc
}

type handlerFunc func(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext) (map[string]any, bool, error)

func (f *stubFactory) ID() string             { return f.id }
func (f *stubFactory) Name() string           { return f.id }
func (f *stubFactory) Description() string    { return "test handler" }
func (f *stubFactory) Schema() map[string]any { return f.schema }

func (f *stubFactory) Create() (protocol.Handler, error) {
	return &stubHandler{fn: f.fn}, nil
}

type stubHandler struct {
	fn handlerFunc
}

func (h *stubHandler) Handle(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext, _ *slog.Logger) (map[string]any, bool, error) {
	return h.fn(ctx, params, executionCtx)
}

func newTestExecutor(t *testing.T, factories ...*stubFactory) *Executor {
	t.Helper()

	reg := registry.NewRegistry(slog.Default())
	for _, f := range factories {
		reg.Register(f)
	}

	e := NewExecutor(reg, slog.Default())
	e.backoffInitial = time.Millisecond

	return e
}

func execCtx() *models.ExecutionContext {
	return models.NewExecutionContext("exec-1", "wf-1", nil, nil)
}

func TestExecuteUnresolvedHandlerFailsWithoutInvocation(t *testing.T) {
	e := newTestExecutor(t)
	node := &models.Node{ID: "n1", Kind: models.NodeKindAction, Handler: "nope"}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{})

	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, models.ErrorKindHandlerNotFound, result.ErrorKind)
	assert.Zero(t, result.Attempts)
}

func TestExecuteRejectsParametersFailingSchema(t *testing.T) {
	invoked := false
	e := newTestExecutor(t, &stubFactory{
		id: "strict",
		schema: map[string]any{
			"type":     "object",
			"required": []any{"url"},
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
		},
		fn: func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			invoked = true

			return nil, false, nil
		},
	})

	node := &models.Node{ID: "n1", Kind: models.NodeKindAction, Handler: "strict", Parameters: map[string]any{}}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{})

	assert.Equal(t, models.ErrorKindBadParameters, result.ErrorKind)
	assert.False(t, invoked, "handler must not run on schema failure")
}

func TestExecuteTimeoutOverridePassesClosedSchema(t *testing.T) {
	var seen map[string]any

	e := newTestExecutor(t, &stubFactory{
		id: "closed",
		schema: map[string]any{
			"type":     "object",
			"required": []any{"seconds"},
			"properties": map[string]any{
				"seconds": map[string]any{"type": "number"},
			},
			"additionalProperties": false,
		},
		fn: func(_ context.Context, params map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			seen = params

			return map[string]any{"ok": true}, false, nil
		},
	})

	node := &models.Node{
		ID:      "n1",
		Kind:    models.NodeKindAction,
		Handler: "closed",
		Parameters: map[string]any{
			"seconds":           1,
			models.ParamTimeout: 5,
		},
	}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{})

	require.Equal(t, models.NodeStatusSuccess, result.Status)
	assert.NotContains(t, seen, models.ParamTimeout)
	assert.Contains(t, seen, "seconds")
}

func TestExecuteSuccessMergesRenderedParameters(t *testing.T) {
	var seen map[string]any

	e := newTestExecutor(t, &stubFactory{
		id: "echo",
		fn: func(_ context.Context, params map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			seen = params

			return map[string]any{"ok": true}, false, nil
		},
	})

	ctx := execCtx()
	ctx.NodeOutputs["prev"] = map[string]any{"city": "lisbon"}

	node := &models.Node{
		ID:         "n1",
		Kind:       models.NodeKindAction,
		Handler:    "echo",
		Parameters: map[string]any{"city": "{{ .nodes.prev.city }}"},
	}

	result := e.Execute(t.Context(), node, ctx, models.Settings{})

	require.Equal(t, models.NodeStatusSuccess, result.Status)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, map[string]any{"ok": true}, result.Output)
	assert.Equal(t, "lisbon", seen["city"])
	assert.NotNil(t, result.StartedAt)
	assert.NotNil(t, result.EndedAt)
}

func TestExecuteRetriesUntilThirdAttemptSucceeds(t *testing.T) {
	calls := 0

	e := newTestExecutor(t, &stubFactory{
		id: "flaky",
		fn: func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			calls++
			if calls < 3 {
				return nil, true, errors.New("rate limited")
			}

			return map[string]any{"done": true}, false, nil
		},
	})

	node := &models.Node{ID: "b", Kind: models.NodeKindAction, Handler: "flaky"}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{MaxAttempts: 3})

	assert.Equal(t, models.NodeStatusSuccess, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecuteRetryableFailureExhaustsAttempts(t *testing.T) {
	calls := 0

	e := newTestExecutor(t, &stubFactory{
		id: "always-flaky",
		fn: func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			calls++

			return nil, true, errors.New("still flaky")
		},
	})

	node := &models.Node{ID: "b", Kind: models.NodeKindAction, Handler: "always-flaky"}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{MaxAttempts: 2})

	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, models.ErrorKindHandler, result.ErrorKind)
	assert.Equal(t, 2, calls)
}

func TestExecutePermanentFailureIsNotRetried(t *testing.T) {
	calls := 0

	e := newTestExecutor(t, &stubFactory{
		id: "broken",
		fn: func(_ context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			calls++

			return nil, false, errors.New("bad credentials")
		},
	})

	node := &models.Node{ID: "b", Kind: models.NodeKindAction, Handler: "broken"}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{MaxAttempts: 5})

	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, models.ErrorKindHandler, result.ErrorKind)
	assert.Equal(t, 1, calls)
}

func TestExecuteTimeoutIsDistinctErrorKind(t *testing.T) {
	e := newTestExecutor(t, &stubFactory{
		id: "slow",
		fn: func(ctx context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			<-ctx.Done()

			return nil, false, ctx.Err()
		},
	})

	node := &models.Node{
		ID:      "slow-node",
		Kind:    models.NodeKindAction,
		Handler: "slow",
		// Per-node override of the workflow default deadline.
		Parameters: map[string]any{models.ParamTimeout: 0.05},
	}

	result := e.Execute(t.Context(), node, execCtx(), models.Settings{NodeTimeout: time.Minute})

	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, models.ErrorKindTimeout, result.ErrorKind)
}

func TestExecuteCancelledExecution(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())

	e := newTestExecutor(t, &stubFactory{
		id: "waits",
		fn: func(hctx context.Context, _ map[string]any, _ *models.ExecutionContext) (map[string]any, bool, error) {
			cancel()
			<-hctx.Done()

			return nil, false, hctx.Err()
		},
	})

	node := &models.Node{ID: "n", Kind: models.NodeKindAction, Handler: "waits"}

	result := e.Execute(ctx, node, execCtx(), models.Settings{})

	assert.Equal(t, models.NodeStatusError, result.Status)
	assert.Equal(t, models.ErrorKindCancelled, result.ErrorKind)
}

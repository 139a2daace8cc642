package merge

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext() *models.ExecutionContext {
	executionCtx := models.NewExecutionContext("exec-1", "wf-1", nil, nil)
	executionCtx.MergeResult(&models.NodeResult{
		NodeID: "score",
		Status: models.NodeStatusSuccess,
		Output: map[string]any{"value": 93},
	})
	executionCtx.MergeResult(&models.NodeResult{
		NodeID: "tag",
		Status: models.NodeStatusSuccess,
		Output: map[string]any{"labels": []string{"vip"}},
	})

	return executionCtx
}

func TestHandleCollectsAllOutputs(t *testing.T) {
	handler := &Handler{}

	output, retryable, err := handler.Handle(t.Context(), map[string]any{}, testContext(), testLogger())

	require.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, []string{"score", "tag"}, output["joined"])

	collected, ok := output["outputs"].(map[string]any)
	require.True(t, ok)
	assert.Len(t, collected, 2)
}

func TestHandleCollectsNamedSourcesOnly(t *testing.T) {
	handler := &Handler{}

	output, _, err := handler.Handle(t.Context(), map[string]any{
		"sources": []any{"score", "missing"},
	}, testContext(), testLogger())

	require.NoError(t, err)
	assert.Equal(t, []string{"score"}, output["joined"])
}

package handlers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/executor"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/registry"
)

func TestRegisterDefaults(t *testing.T) {
	reg := registry.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterDefaults(reg)

	registered := reg.Handlers()
	ids := make([]string, 0, len(registered))

	for _, handler := range registered {
		ids = append(ids, handler.ID)
	}

	assert.Equal(t, []string{"delay", "http-request", "log", "merge", "transform"}, ids)

	for _, id := range ids {
		factory, err := reg.Resolve(id)
		require.NoError(t, err)

		handler, err := factory.Create()
		require.NoError(t, err)
		assert.NotNil(t, handler)
	}
}

func TestSchemasRejectUnknownParameters(t *testing.T) {
	reg := registry.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	RegisterDefaults(reg)

	err := reg.ValidateParameters("http-request", map[string]any{
		"url":      "https://api.example.com",
		"surprise": true,
	})
	require.Error(t, err)

	err = reg.ValidateParameters("http-request", map[string]any{
		"url": "https://api.example.com",
	})
	require.NoError(t, err)
}

func TestTimeoutOverridePassesBuiltinSchemas(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.NewRegistry(logger)
	RegisterDefaults(reg)

	exec := executor.NewExecutor(reg, logger)
	node := &models.Node{
		ID:      "pause",
		Kind:    models.NodeKindAction,
		Handler: "delay",
		Parameters: map[string]any{
			"seconds":           0.01,
			models.ParamTimeout: 5,
		},
	}

	result := exec.Execute(t.Context(), node, models.NewExecutionContext("exec-1", "wf-1", nil, nil), models.Settings{})

	require.Equal(t, models.NodeStatusSuccess, result.Status, result.Error)
	assert.Equal(t, "10ms", result.Output["waited"])
}

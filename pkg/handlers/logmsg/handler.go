// Package logmsg implements the log node handler, emitting a rendered
// message into the engine's structured log stream.
package logmsg

import (
	"context"
	"log/slog"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
)

const HandlerKey = "log"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return HandlerKey
}

func (f *Factory) Name() string {
	return "Log"
}

func (f *Factory) Description() string {
	return "Writes an interpolated message to the engine log."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports interpolation against the execution context.",
				"examples": []string{
					"call {{.trigger.call_id}} finished",
					"routing to {{.nodes.classify.queue}}",
				},
			},
			"level": map[string]any{
				"type":        "string",
				"description": "Log level.",
				"default":     "info",
				"enum":        []string{"debug", "info", "warn", "error"},
			},
		},
		"required":             []string{"message"},
		"additionalProperties": false,
	}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return &Handler{}, nil
}

type Handler struct{}

func (h *Handler) Handle(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, bool, error) {
	message, _ := params["message"].(string)
	level, _ := params["level"].(string)

	logger = logger.With("execution_id", executionCtx.ID)

	switch level {
	case "debug":
		logger.DebugContext(ctx, message)
	case "warn":
		logger.WarnContext(ctx, message)
	case "error":
		logger.ErrorContext(ctx, message)
	default:
		level = "info"

		logger.InfoContext(ctx, message)
	}

	return map[string]any{"message": message, "level": level}, false, nil
}

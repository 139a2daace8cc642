// Package transform implements the transform node handler: an expr
// expression evaluated against the execution context, reshaping
// upstream outputs for downstream nodes.
package transform

import (
	"context"
	"errors"
	"log/slog"

	"github.com/voxline/voxline/pkg/expression"
	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
)

const HandlerKey = "transform"

// ErrMissingExpression is returned when the expression parameter is absent.
var ErrMissingExpression = errors.New("missing 'expression' parameter")

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return HandlerKey
}

func (f *Factory) Name() string {
	return "Transform"
}

func (f *Factory) Description() string {
	return "Evaluates an expression against the execution context and exposes the value as this node's output."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Expression over trigger, vars, nodes and errors.",
				"examples": []string{
					`nodes.fetch.body.customer`,
					`{intent: nodes.classify.intent, vip: vars.vip_threshold < nodes.fetch.body.score}`,
					`len(nodes.list.body.items)`,
				},
			},
		},
		"required":             []string{"expression"},
		"additionalProperties": false,
	}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return &Handler{}, nil
}

type Handler struct{}

// Handle evaluates the expression. Failures are permanent: the same
// expression over the same context cannot succeed on retry.
func (h *Handler) Handle(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, bool, error) {
	source, _ := params["expression"].(string)
	if source == "" {
		return nil, false, ErrMissingExpression
	}

	value, err := expression.Eval(source, executionCtx.Env(""))
	if err != nil {
		return nil, false, err
	}

	logger.DebugContext(ctx, "Transform evaluated", "expression", source)

	return map[string]any{"result": value}, false, nil
}

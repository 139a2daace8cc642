// Package merge implements the join node handler. The scheduler holds
// a merge node back until every live predecessor has resolved; the
// handler itself just snapshots what the branches produced.
package merge

import (
	"context"
	"log/slog"
	"sort"

	"github.com/voxline/voxline/pkg/models"
	"github.com/voxline/voxline/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return models.HandlerMerge
}

func (f *Factory) Name() string {
	return "Merge"
}

func (f *Factory) Description() string {
	return "Joins concurrent branches, waiting for all of them before downstream nodes run."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sources": map[string]any{
				"type":        "array",
				"description": "Node ids to collect outputs from. Defaults to every resolved node.",
				"items":       map[string]any{"type": "string"},
			},
		},
		"additionalProperties": false,
	}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return &Handler{}, nil
}

type Handler struct{}

func (h *Handler) Handle(ctx context.Context, params map[string]any, executionCtx *models.ExecutionContext, logger *slog.Logger) (map[string]any, bool, error) {
	collected := make(map[string]any)

	if raw, ok := params["sources"].([]any); ok && len(raw) > 0 {
		for _, entry := range raw {
			nodeID, ok := entry.(string)
			if !ok {
				continue
			}

			if output, ok := executionCtx.NodeOutputs[nodeID]; ok {
				collected[nodeID] = output
			}
		}
	} else {
		for nodeID, output := range executionCtx.NodeOutputs {
			collected[nodeID] = output
		}
	}

	joined := make([]string, 0, len(collected))
	for nodeID := range collected {
		joined = append(joined, nodeID)
	}

	sort.Strings(joined)

	logger.DebugContext(ctx, "Merged branches", "sources", joined)

	return map[string]any{"outputs": collected, "joined": joined}, false, nil
}

// Package template renders node parameters against the execution
// context, so a node can reference a prior node's output field, a
// workflow variable, or the trigger payload.
package template

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/voxline/voxline/pkg/models"
)

// RenderWithContext renders a parameter string against an execution
// context. Rendered output is coerced back to JSON, number or boolean
// when it parses as one, so `{{ .nodes.fetch.status }}` yields a number
// downstream rather than a string.
func RenderWithContext(input string, executionCtx *models.ExecutionContext) (any, error) {
	data := map[string]any{
		"nodes":   executionCtx.NodeOutputs,
		"vars":    executionCtx.Variables,
		"trigger": executionCtx.TriggerData,
		"errors":  executionCtx.NodeErrors,
		"env":     getEnvVars(),
		"execution": map[string]any{
			"id":          executionCtx.ID,
			"workflow_id": executionCtx.WorkflowID,
		},
	}

	return Render(input, data)
}

// RenderParameters renders every string parameter of a node, leaving
// non-string values untouched. Nested maps and slices are walked.
func RenderParameters(params map[string]any, executionCtx *models.ExecutionContext) (map[string]any, error) {
	rendered := make(map[string]any, len(params))

	for key, value := range params {
		out, err := renderValue(value, executionCtx)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}

		rendered[key] = out
	}

	return rendered, nil
}

func renderValue(value any, executionCtx *models.ExecutionContext) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "{{") {
			return v, nil
		}

		return RenderWithContext(v, executionCtx)
	case map[string]any:
		return RenderParameters(v, executionCtx)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			rendered, err := renderValue(item, executionCtx)
			if err != nil {
				return nil, err
			}

			out[i] = rendered
		}

		return out, nil
	default:
		return value, nil
	}
}

func Render(templateStr string, data any) (any, error) {
	tmpl, err := template.
		New("parameter").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
		}).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

// getEnvVars returns environment variables as a map.
func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}

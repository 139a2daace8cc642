package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxline/voxline/pkg/models"
)

func testContext() *models.ExecutionContext {
	ctx := models.NewExecutionContext("exec-1", "wf-1",
		map[string]any{"assistant": "frontdesk"},
		map[string]any{"caller": "+15551234"},
	)
	ctx.NodeOutputs["fetch"] = map[string]any{"status": 200, "body": map[string]any{"ok": true}}

	return ctx
}

func TestRenderWithContextNodeOutput(t *testing.T) {
	out, err := RenderWithContext("{{ .nodes.fetch.status }}", testContext())
	require.NoError(t, err)

	assert.InEpsilon(t, 200.0, out, 0.001)
}

func TestRenderWithContextTriggerAndVars(t *testing.T) {
	out, err := RenderWithContext("{{ .vars.assistant }}:{{ .trigger.caller }}", testContext())
	require.NoError(t, err)

	assert.Equal(t, "frontdesk:+15551234", out)
}

func TestRenderCoercesJSON(t *testing.T) {
	out, err := Render(`{"a": {{ .n }}}`, map[string]any{"n": 1})
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.InEpsilon(t, 1.0, m["a"], 0.001)
}

func TestRenderCoercesBoolean(t *testing.T) {
	out, err := Render("{{ .flag }}", map[string]any{"flag": true})
	require.NoError(t, err)

	assert.Equal(t, true, out)
}

func TestRenderParametersWalksNestedValues(t *testing.T) {
	params := map[string]any{
		"url": "https://api.example.com/calls/{{ .trigger.caller }}",
		"headers": map[string]any{
			"X-Assistant": "{{ .vars.assistant }}",
		},
		"retries": 3,
	}

	rendered, err := RenderParameters(params, testContext())
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/calls/+15551234", rendered["url"])
	assert.Equal(t, 3, rendered["retries"])

	headers, ok := rendered["headers"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "frontdesk", headers["X-Assistant"])
}

func TestRenderParametersReportsBadTemplate(t *testing.T) {
	_, err := RenderParameters(map[string]any{"url": "{{ .nodes.fetch"}, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `parameter "url"`)
}

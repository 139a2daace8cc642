// Package httprequest implements the http-request node handler: one
// outbound HTTP call per dispatch, with the response exposed to
// downstream nodes. Retries and deadlines are the executor's job; the
// handler only classifies failures as retryable or not.
package httprequest

import (
	"github.com/voxline/voxline/pkg/protocol"
)

// HandlerKey is the handler id nodes reference.
const HandlerKey = "http-request"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return HandlerKey
}

func (f *Factory) Name() string {
	return "HTTP Request"
}

func (f *Factory) Description() string {
	return "Performs an HTTP request and exposes status, headers and parsed body to downstream nodes."
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute URL to call. Supports interpolation against the execution context.",
				"examples": []string{
					"https://api.example.com/v1/calls",
					"https://api.example.com/v1/calls/{{.trigger.call_id}}",
				},
			},
			"method": map[string]any{
				"type":        "string",
				"description": "HTTP method.",
				"default":     "GET",
				"enum":        []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"description":          "Request headers. Values support interpolation.",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"type":        "string",
				"format":      "code",
				"description": "Request body. Supports interpolation for dynamic JSON payloads.",
			},
			"fail_on_error": map[string]any{
				"type":        "boolean",
				"description": "Treat 4xx/5xx responses as node failures instead of successful outputs.",
				"default":     false,
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Per-attempt deadline override in seconds.",
				"minimum":     0,
			},
		},
		"required":             []string{"url"},
		"additionalProperties": false,
	}
}

func (f *Factory) Create() (protocol.Handler, error) {
	return &Handler{}, nil
}

package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/voxline/pkg/models"
)

var (
	// ErrMissingURL is returned when the url parameter is absent.
	ErrMissingURL = errors.New("missing 'url' parameter")
	// ErrHTTPStatus is returned for 4xx/5xx responses when
	// fail_on_error is set.
	ErrHTTPStatus = errors.New("http request returned error status")
)

type Handler struct {
	// Client overrides the default client, for tests.
	Client *http.Client
}

// Handle performs one request attempt. Exchange-level failures
// (connection refused, reset) are retryable; a completed exchange is a
// success regardless of status code unless fail_on_error is set, in
// which case 5xx is retryable and 4xx is not.
func (h *Handler) Handle(ctx context.Context, params map[string]any, _ *models.ExecutionContext, logger *slog.Logger) (map[string]any, bool, error) {
	url, _ := params["url"].(string)
	if url == "" {
		return nil, false, ErrMissingURL
	}

	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	method = strings.ToUpper(method)

	body, _ := params["body"].(string)

	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}

	if headers, ok := params["headers"].(map[string]any); ok {
		for key, value := range headers {
			req.Header.Set(key, fmt.Sprintf("%v", value))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	logger.InfoContext(ctx, "Performing HTTP request", "method", method, "url", url)

	resp, err := client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}

	failOnError, _ := params["fail_on_error"].(bool)
	if failOnError && resp.StatusCode >= http.StatusBadRequest {
		retryable := resp.StatusCode >= http.StatusInternalServerError

		return nil, retryable, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	var parsed any

	err = json.Unmarshal(raw, &parsed)
	if err != nil {
		// Non-JSON responses pass through as text.
		parsed = string(raw)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        parsed,
		"headers":     headers,
	}, false, nil
}

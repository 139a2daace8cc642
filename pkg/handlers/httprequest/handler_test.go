package httprequest

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleReturnsParsedJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"call_id":"call-9"}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"rec-1","queued":true}`))
	}))
	defer server.Close()

	handler := &Handler{}
	output, retryable, err := handler.Handle(t.Context(), map[string]any{
		"url":    server.URL,
		"method": "post",
		"body":   `{"call_id":"call-9"}`,
		"headers": map[string]any{
			"Authorization": "Bearer tok-123",
		},
	}, nil, testLogger())

	require.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, http.StatusCreated, output["status_code"])

	body, ok := output["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "rec-1", body["id"])

	headers, ok := output["headers"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "application/json", headers["Content-Type"])
}

func TestHandleKeepsNonJSONBodyAsText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("plain ack"))
	}))
	defer server.Close()

	handler := &Handler{}
	output, _, err := handler.Handle(t.Context(), map[string]any{"url": server.URL}, nil, testLogger())

	require.NoError(t, err)
	assert.Equal(t, "plain ack", output["body"])
}

func TestHandleErrorStatusIsOutputByDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	handler := &Handler{}
	output, retryable, err := handler.Handle(t.Context(), map[string]any{"url": server.URL}, nil, testLogger())

	require.NoError(t, err)
	assert.False(t, retryable)
	assert.Equal(t, http.StatusNotFound, output["status_code"])
}

func TestHandleFailOnErrorClassifiesStatuses(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	handler := &Handler{}

	_, retryable, err := handler.Handle(t.Context(), map[string]any{
		"url":           server.URL,
		"fail_on_error": true,
	}, nil, testLogger())
	require.ErrorIs(t, err, ErrHTTPStatus)
	assert.True(t, retryable, "5xx should be retryable")

	status = http.StatusUnprocessableEntity

	_, retryable, err = handler.Handle(t.Context(), map[string]any{
		"url":           server.URL,
		"fail_on_error": true,
	}, nil, testLogger())
	require.ErrorIs(t, err, ErrHTTPStatus)
	assert.False(t, retryable, "4xx should be permanent")
}

func TestHandleConnectionFailureIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	server.Close()

	handler := &Handler{}
	_, retryable, err := handler.Handle(t.Context(), map[string]any{"url": server.URL}, nil, testLogger())

	require.Error(t, err)
	assert.True(t, retryable)
}

func TestHandleMissingURL(t *testing.T) {
	handler := &Handler{}
	_, _, err := handler.Handle(t.Context(), map[string]any{}, nil, testLogger())

	require.ErrorIs(t, err, ErrMissingURL)
}

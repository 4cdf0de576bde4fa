package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferixdi-png/TRT-sub004/shared/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-key", logger.Discard().Logger)
}

func TestCreateTask_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "flux-dev", req["model"])

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"task_id": "task-123"})
	})

	taskID, err := client.CreateTask(context.Background(), "flux-dev", map[string]any{"prompt": "a cat"})
	require.NoError(t, err)
	assert.Equal(t, "task-123", taskID)
}

func TestCreateTask_EmptyTaskID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	})

	_, err := client.CreateTask(context.Background(), "flux-dev", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty task id")
}

func TestCreateTask_ClientErrorIsTerminal(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "invalid_input", "message": "prompt too long"},
		})
	})

	_, err := client.CreateTask(context.Background(), "flux-dev", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_input", apiErr.Code)
	assert.Equal(t, "prompt too long", apiErr.Message)
	assert.True(t, apiErr.Terminal())
	assert.Contains(t, apiErr.UserMessage(), "check your prompt")
}

func TestCreateTask_ServerErrorIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.CreateTask(context.Background(), "flux-dev", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.False(t, apiErr.Terminal())
}

func TestCreateTask_RateLimitCarriesRetryAfter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.CreateTask(context.Background(), "flux-dev", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.False(t, apiErr.Terminal())
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, 7*time.Second, apiErr.RetryAfter())
}

func TestGetStatus_Success(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/v1/tasks/task-123", r.URL.Path)

		json.NewEncoder(w).Encode(map[string]any{
			"task_id": "task-123",
			"status":  "processing",
		})
	})

	status, err := client.GetStatus(context.Background(), "task-123")
	require.NoError(t, err)
	assert.Equal(t, "task-123", status.TaskID)
	assert.Equal(t, "processing", status.Status)
	assert.Nil(t, status.Result)
}

func TestGetStatus_SuccessWithResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"result": map[string]any{
				"kind": "image",
				"urls": []string{"https://cdn.example.com/out.png"},
			},
		})
	})

	status, err := client.GetStatus(context.Background(), "task-123")
	require.NoError(t, err)
	assert.Equal(t, "success", status.Status)
	require.NotNil(t, status.Result)
	assert.Equal(t, "image", status.Result.Kind)
	assert.Equal(t, []string{"https://cdn.example.com/out.png"}, status.Result.URLs)
	// The id is filled in even when the provider omits it.
	assert.Equal(t, "task-123", status.TaskID)
}

func TestGetStatus_NotFound(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetStatus(context.Background(), "gone")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "task_not_found", apiErr.Code)
	assert.True(t, apiErr.Terminal())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, parseRetryAfter("7"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-3"))
}

func TestAPIError_UserMessageFallback(t *testing.T) {
	err := &APIError{StatusCode: 400, Code: "mystery_code"}
	assert.Equal(t, "The generation could not be completed. Please try again.", err.UserMessage())
}

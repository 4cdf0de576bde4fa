// Package provider is the HTTP client for the asynchronous generation
// provider. Calls are single-attempt; retries, budgets and backoff are the
// outbound executor's job.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Client talks to the generation provider REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a provider client. The HTTP client carries no timeout
// of its own; every call runs under the caller's context deadline.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{},
		logger:  logger,
	}
}

type createTaskRequest struct {
	Model string         `json:"model"`
	Input map[string]any `json:"input"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

// TaskResult describes the produced artifacts of a finished task.
type TaskResult struct {
	Kind string   `json:"kind"`
	URLs []string `json:"urls"`
}

// TaskError is the provider's error envelope for a failed task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TaskStatus is the provider's view of a task. Status is the provider's raw
// vocabulary; callers normalize it into the canonical state set.
type TaskStatus struct {
	TaskID string      `json:"task_id"`
	Status string      `json:"status"`
	Result *TaskResult `json:"result,omitempty"`
	Error  *TaskError  `json:"error,omitempty"`
}

// CreateTask submits a generation job and returns the provider task id.
// It acknowledges submission only; completion is observed through GetStatus.
func (c *Client) CreateTask(ctx context.Context, model string, input map[string]any) (string, error) {
	reqBody := createTaskRequest{Model: model, Input: input}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to encode create task request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/tasks", bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("failed to build create task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("create task request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", c.apiError(resp)
	}

	var res createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("failed to decode create task response: %w", err)
	}
	if res.TaskID == "" {
		return "", fmt.Errorf("provider returned an empty task id")
	}

	c.logger.Debug("Provider task created",
		slog.String("task_id", res.TaskID),
		slog.String("model", model),
	)

	return res.TaskID, nil
}

// GetStatus fetches the current provider state of a task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build get status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}

	var status TaskStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode task status: %w", err)
	}
	if status.TaskID == "" {
		status.TaskID = taskID
	}

	return &status, nil
}

// errorEnvelope is the provider's error body shape.
type errorEnvelope struct {
	Error TaskError `json:"error"`
}

func (c *Client) apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Message = string(body)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		if apiErr.Code == "" {
			apiErr.Code = "rate_limited"
		}
		apiErr.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode == http.StatusNotFound && apiErr.Code == "" {
		apiErr.Code = "task_not_found"
	}

	return apiErr
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

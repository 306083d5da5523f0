package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	fallbackErrorMessage = "task service is unavailable, try again later"
	maxErrorBodyBytes    = 64 * 1024
)

var (
	errMissingBaseURL = errors.New("base url configuration required")
	errMissingToken   = errors.New("access token must not be empty")
	// ErrInvalidClientConfig indicates the remote client cannot be constructed.
	ErrInvalidClientConfig = errors.New("tasks: invalid client config")
)

// RemoteError reports a failed remote call with a human-readable message
// resolved in priority order: server-supplied message, generic text for
// the status, static fallback.
type RemoteError struct {
	StatusCode int
	Message    string
	err        error
}

func (e *RemoteError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("tasks: %s: %v", e.Message, e.err)
	}
	return fmt.Sprintf("tasks: %s", e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.err
}

// Task is one rewarded task as served by the remote API, carrying its
// per-task quota policy.
type Task struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	RewardPoints int64  `json:"reward_points"`
	HourlyLimit  int    `json:"hourly_limit"`
	DailyLimit   int    `json:"daily_limit"`
}

// Profile is the authenticated remote user.
type Profile struct {
	ID int64 `json:"id"`
}

// Submission mirrors the remote acceptance payload for one submission.
type Submission struct {
	ID     int64  `json:"id"`
	TaskID int64  `json:"task_id"`
	Status string `json:"status"`
}

// Transaction mirrors the reward credited for an accepted submission.
type Transaction struct {
	ID     int64 `json:"id"`
	Amount int64 `json:"amount"`
}

// SubmitResult bundles the remote response to an accepted submission.
type SubmitResult struct {
	Submission  Submission  `json:"submission"`
	Transaction Transaction `json:"transaction"`
}

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the remote task API. Calls are not retried; the
// caller decides whether a failure is worth another attempt.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// ListTasks fetches the available tasks for the token's user.
func (c *Client) ListTasks(ctx context.Context, token string) ([]Task, error) {
	var tasks []Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks", token, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Profile fetches the identity of the token's user.
func (c *Client) Profile(ctx context.Context, token string) (Profile, error) {
	var profile Profile
	if err := c.doJSON(ctx, http.MethodGet, "/users/profile", token, nil, &profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// SubmitTask posts a screenshot submission for the task. A non-2xx
// response is returned as a RemoteError and implies the server did not
// accept the completion.
func (c *Client) SubmitTask(ctx context.Context, token string, taskID int64, screenshotURL string) (SubmitResult, error) {
	payload := map[string]string{"screenshot_url": screenshotURL}
	var result SubmitResult
	path := fmt.Sprintf("/tasks/%d/submit", taskID)
	if err := c.doJSON(ctx, http.MethodPost, path, token, payload, &result); err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload, out any) error {
	if strings.TrimSpace(token) == "" {
		return &RemoteError{Message: fallbackErrorMessage, err: errMissingToken}
	}

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return &RemoteError{Message: fallbackErrorMessage, err: err}
		}
		body = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &RemoteError{Message: fallbackErrorMessage, err: err}
	}
	request.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("remote call failed", zap.String("path", path), zap.Error(err))
		return &RemoteError{Message: fallbackErrorMessage, err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return c.remoteError(path, response)
	}

	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return &RemoteError{StatusCode: response.StatusCode, Message: fallbackErrorMessage, err: err}
		}
	}
	return nil
}

type errorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) remoteError(path string, response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))

	message := ""
	var payload errorPayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		if strings.TrimSpace(payload.Message) != "" {
			message = strings.TrimSpace(payload.Message)
		} else if strings.TrimSpace(payload.Error) != "" {
			message = strings.TrimSpace(payload.Error)
		}
	}
	if message == "" {
		if text := http.StatusText(response.StatusCode); text != "" {
			message = fmt.Sprintf("request failed: %s", strings.ToLower(text))
		} else {
			message = fallbackErrorMessage
		}
	}

	c.logger.Warn("remote call rejected",
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("message", message))
	return &RemoteError{StatusCode: response.StatusCode, Message: message}
}

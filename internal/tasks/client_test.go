package tasks

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client, server
}

func TestListTasksParsesPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" || r.Method != http.MethodGet {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer remote-token" {
			t.Fatalf("unexpected authorization header %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":7,"title":"Review","reward_points":50,"hourly_limit":3,"daily_limit":10}]`))
	}))

	tasks, err := client.ListTasks(context.Background(), "remote-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].ID != 7 || tasks[0].HourlyLimit != 3 || tasks[0].DailyLimit != 10 {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
}

func TestProfileParsesPayload(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/profile" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":501}`))
	}))

	profile, err := client.Profile(context.Background(), "remote-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if profile.ID != 501 {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestSubmitTaskSuccess(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/7/submit" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"submission":{"id":99,"task_id":7,"status":"accepted"},"transaction":{"id":12,"amount":50}}`))
	}))

	result, err := client.SubmitTask(context.Background(), "remote-token", 7, "https://cdn.example/shot.png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Submission.ID != 99 || result.Transaction.Amount != 50 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestRemoteErrorMessagePriority(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected string
	}{
		{
			name:     "server-message",
			status:   http.StatusUnprocessableEntity,
			body:     `{"message":"screenshot rejected"}`,
			expected: "screenshot rejected",
		},
		{
			name:     "server-error-field",
			status:   http.StatusForbidden,
			body:     `{"error":"account suspended"}`,
			expected: "account suspended",
		},
		{
			name:     "generic-status-text",
			status:   http.StatusUnprocessableEntity,
			body:     `not json`,
			expected: "request failed: unprocessable entity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))

			_, err := client.SubmitTask(context.Background(), "remote-token", 7, "https://cdn.example/shot.png")
			if err == nil {
				t.Fatalf("expected error")
			}
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("expected RemoteError, got %T", err)
			}
			if remoteErr.StatusCode != tt.status {
				t.Fatalf("unexpected status %d", remoteErr.StatusCode)
			}
			if remoteErr.Message != tt.expected {
				t.Fatalf("unexpected message %q", remoteErr.Message)
			}
		})
	}
}

func TestRemoteErrorFallbackOnTransportFailure(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	_, err := client.ListTasks(context.Background(), "remote-token")
	if err == nil {
		t.Fatalf("expected error")
	}
	var remoteErr *RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteError, got %T", err)
	}
	if remoteErr.Message != fallbackErrorMessage {
		t.Fatalf("unexpected message %q", remoteErr.Message)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); !errors.Is(err, ErrInvalidClientConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}

func TestEmptyTokenRejectedWithoutRequest(t *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://localhost:0"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	if _, err := client.ListTasks(context.Background(), "  "); err == nil {
		t.Fatalf("expected empty token to be rejected")
	}
}

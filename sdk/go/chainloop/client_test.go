package chainloop

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/requests" || r.Method != http.MethodPost {
			t.Errorf("unexpected call: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["request"] != "check balance of alice" {
			t.Errorf("unexpected body %v: %v", body, err)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Task{ID: "task-1", Status: StatusPending, Request: body["request"]})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")
	task, err := client.Submit(context.Background(), "check balance of alice")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if task.ID != "task-1" || task.Done() {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := client.Submit(context.Background(), " "); err == nil {
		t.Fatalf("expected empty request to be rejected locally")
	}
}

func TestWaitTaskPollsUntilDone(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") != "task-9" {
			t.Errorf("unexpected id query %q", r.URL.RawQuery)
		}
		status := StatusRunning
		if calls.Add(1) >= 3 {
			status = StatusSucceeded
		}
		_ = json.NewEncoder(w).Encode(Task{
			ID:      "task-9",
			Status:  status,
			Outcome: &Outcome{SessionID: "s-1", Accepted: status == StatusSucceeded, Score: 100},
		})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL+"/", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := client.WaitTask(ctx, "task-9", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if task.Status != StatusSucceeded || task.Outcome == nil || !task.Outcome.Accepted {
		t.Fatalf("unexpected task: %+v", task)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", calls.Load())
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"task not found","code":"TASK_NOT_FOUND"}`))
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	_, err := client.GetTask(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "TASK_NOT_FOUND" || apiErr.Message != "task not found" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/history" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("unexpected call: %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode([]Session{{SessionID: "b"}, {SessionID: "a"}})
	}))
	defer srv.Close()

	client, _ := NewClient(srv.URL, srv.Client())
	sessions, err := client.History(context.Background(), 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(sessions) != 2 || sessions[0].SessionID != "b" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatalf("expected error")
	}
}

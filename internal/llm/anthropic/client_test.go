package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/llm"
)

func TestNewClientRequiresKey(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateJoinsTextBlocks(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" {
			t.Errorf("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": DefaultModel,
			"content": []map[string]any{
				{"type": "text", "text": "0."},
				{"type": "text", "text": "85"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "secret", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	resp, err := client.Generate(context.Background(), llm.Request{System: "judge", Prompt: "score", MaxTokens: 16})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "0.85" || resp.Model != DefaultModel {
		t.Fatalf("unexpected response %+v", resp)
	}
	if body["model"] != DefaultModel {
		t.Fatalf("expected default model in request, got %v", body["model"])
	}
	if _, ok := body["system"]; !ok {
		t.Fatalf("system prompt missing from request: %v", body)
	}
}

func TestGenerateMapsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "secret", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Generate(context.Background(), llm.Request{Prompt: "x"})
	if xerrors.CodeOf(err) != xerrors.CodeLLMFailure {
		t.Fatalf("expected LLM_FAILURE, got %v", err)
	}
}

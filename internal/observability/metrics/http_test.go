package metrics

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ChainLoop/internal/toolrpc"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestToolCallOutcomes(t *testing.T) {
	before := testutil.ToFloat64(toolCalls.WithLabelValues("check_balance", "timeout"))
	ObserveToolCall("check_balance", 10*time.Millisecond, &toolrpc.ProtocolError{Kind: toolrpc.Timeout})
	if got := testutil.ToFloat64(toolCalls.WithLabelValues("check_balance", "timeout")); got != before+1 {
		t.Fatalf("expected timeout counter to increase, got %v", got)
	}

	cases := map[string]error{
		"ok":        nil,
		"cancelled": context.Canceled,
		"error":     errors.New("boom"),
		"remote":    &toolrpc.ProtocolError{Kind: toolrpc.Remote, Code: -32602},
	}
	for want, err := range cases {
		if got := callOutcome(err); got != want {
			t.Fatalf("callOutcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/requests", "POST", 202, 20*time.Millisecond)
	ObserveSession("accepted", 1, 100)
	ObserveTransition("evaluating", "accepted")
	ObserveTask("succeeded")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{
		"chainloop_http_requests_total",
		"chainloop_sessions_total",
		"chainloop_state_transitions_total",
		"chainloop_tasks_total",
		"chainloop_evaluation_score_bucket",
	} {
		if !strings.Contains(body, name) {
			t.Fatalf("metric %s missing from exposition", name)
		}
	}
}

package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ChainLoop/internal/toolrpc"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chainloop"

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	sessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Finished sessions by terminal state.",
	}, []string{"state"})

	sessionAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_attempts",
		Help:      "Executing entries per session.",
		Buckets:   []float64{1, 2, 3, 4, 6, 8, 12},
	})

	evaluationScores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_score",
		Help:      "Evaluator scores (0-100).",
		Buckets:   prometheus.LinearBuckets(10, 10, 10),
	})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Orchestrator state transitions.",
	}, []string{"from", "to"})

	toolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool protocol calls by method and outcome.",
	}, []string{"method", "outcome"})

	toolLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool protocol call latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	tasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_total",
		Help:      "Task status changes.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency,
		sessions, sessionAttempts, evaluationScores, transitions,
		toolCalls, toolLatency,
		tasks,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSession records a finished session.
func ObserveSession(state string, attempts, score int) {
	sessions.WithLabelValues(state).Inc()
	sessionAttempts.Observe(float64(attempts))
	evaluationScores.Observe(float64(score))
}

// ObserveTransition records one orchestrator state change.
func ObserveTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

// ObserveToolCall matches toolrpc.Observer.
func ObserveToolCall(method string, elapsed time.Duration, err error) {
	toolCalls.WithLabelValues(method, callOutcome(err)).Inc()
	toolLatency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// ObserveTask records a task status change.
func ObserveTask(status string) {
	tasks.WithLabelValues(status).Inc()
}

func callOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if perr, ok := toolrpc.AsProtocolError(err); ok {
		return string(perr.Kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

var _ toolrpc.Observer = ObserveToolCall

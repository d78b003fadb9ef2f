package app

import (
	"context"
	"testing"
	"time"

	"ChainLoop/internal/config"
	"ChainLoop/internal/interpreter/rules"
	"ChainLoop/internal/task"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir() + "/missing.json")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	return cfg
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := testConfig(t)
	policy := Policy(cfg.Agent)
	if err := policy.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if policy.EvaluationThreshold != 70 || policy.MaxRetries != 3 || policy.ReplanLimit != 2 {
		t.Fatalf("unexpected policy: %+v", policy)
	}
	if policy.CallTimeout != 30*time.Second || policy.PlanTimeout != 60*time.Second {
		t.Fatalf("unexpected timeouts: %+v", policy)
	}
}

func TestNewInterpreter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.AddressBook = map[string]string{"Carol": "0x0000000000000000000000000000000000000c01"}

	interp, err := NewInterpreter(cfg, nil)
	if err != nil {
		t.Fatalf("rules interpreter: %v", err)
	}
	ruleInterp, ok := interp.(*rules.Interpreter)
	if !ok {
		t.Fatalf("expected rules interpreter, got %T", interp)
	}
	if _, ok := ruleInterp.AddressBook().Resolve("carol"); !ok {
		t.Fatalf("configured address book entry missing")
	}

	cfg.Agent.Interpreter = "llm"
	if _, err := NewInterpreter(cfg, nil); err == nil {
		t.Fatalf("llm interpreter without a client must fail")
	}
}

func TestNewLLMClient(t *testing.T) {
	client, err := NewLLMClient(config.LLMConfig{Provider: "none"})
	if err != nil || client != nil {
		t.Fatalf("provider none should yield no client, got %v %v", client, err)
	}
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewLLMClient(config.LLMConfig{Provider: "anthropic"}); err == nil {
		t.Fatalf("anthropic without key must fail")
	}
	if _, err := NewLLMClient(config.LLMConfig{Provider: "bogus"}); err == nil {
		t.Fatalf("unknown provider must fail")
	}
}

func TestTaskBackends(t *testing.T) {
	ctx := context.Background()
	store, err := NewTaskStore(ctx, config.TaskStoreConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*task.MemoryStore); !ok {
		t.Fatalf("unexpected store %T", store)
	}
	queue, err := NewTaskQueue(ctx, config.QueueConfig{Driver: "memory", Buffer: 4})
	if err != nil {
		t.Fatalf("memory queue: %v", err)
	}
	_ = queue.Close()

	if _, err := NewTaskStore(ctx, config.TaskStoreConfig{Driver: "sqlite"}); err == nil {
		t.Fatalf("unsupported store driver must fail")
	}
	if _, err := NewTaskQueue(ctx, config.QueueConfig{Driver: "kafka"}); err == nil {
		t.Fatalf("unsupported queue driver must fail")
	}
	if _, err := NewTaskQueue(ctx, config.QueueConfig{Driver: "redis"}); err == nil {
		t.Fatalf("redis queue without address must fail")
	}
}

func TestNewAlerter(t *testing.T) {
	if NewAlerter(config.AlertingConfig{}) != nil {
		t.Fatalf("disabled alerting should return nil")
	}
	if NewAlerter(config.AlertingConfig{Enabled: true, WebhookURL: "http://127.0.0.1:1/hook"}) == nil {
		t.Fatalf("enabled alerting should return a dispatcher")
	}
}

func TestBuildWithMemoryHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.DataDir = t.TempDir()

	components, err := Build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer components.History.Close()

	orch, err := components.NewOrchestrator(true)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	if orch.Policy().EvaluationThreshold != cfg.Agent.EvaluationThreshold {
		t.Fatalf("orchestrator policy does not follow config")
	}
	_ = orch.Close()

	runner, err := components.RunnerFactory()(context.Background())
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	_ = runner.Close()
}

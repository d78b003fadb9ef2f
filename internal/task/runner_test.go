package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"ChainLoop/internal/agent"
)

func TestRunnerPoolReusesAndBlocks(t *testing.T) {
	fixture := &runnerFixture{}
	pool := NewRunnerPool(fixture.factory(func(context.Context, string, int) (*agent.Outcome, error) {
		return nil, nil
	}), 2)
	ctx := context.Background()

	first, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire first: %v", err)
	}
	second, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire second: %v", err)
	}
	if first == second {
		t.Fatalf("expected two distinct runners")
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected pool to block when exhausted, got %v", err)
	}

	pool.Release(first)
	again, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if again != first {
		t.Fatalf("expected released runner to be reused")
	}
	if pool.Size() != 2 || fixture.created.Load() != 2 {
		t.Fatalf("unexpected pool size %d (created %d)", pool.Size(), fixture.created.Load())
	}

	pool.Release(again)
	pool.Release(second)
	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, r := range fixture.runners {
		if !r.closed.Load() {
			t.Fatalf("runner not closed")
		}
	}
	if _, err := pool.Acquire(ctx); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestRunnerPoolFactoryFailureFreesSlot(t *testing.T) {
	var attempts atomic.Int32
	pool := NewRunnerPool(func(context.Context) (Runner, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("spawn failed")
		}
		return &fakeRunner{calls: new(atomic.Int32), overlap: new(atomic.Bool)}, nil
	}, 1)

	if _, err := pool.Acquire(context.Background()); err == nil {
		t.Fatalf("expected factory error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := pool.Acquire(ctx); err != nil {
		t.Fatalf("slot should be free after a failed spawn: %v", err)
	}
}

func TestEnvelopeCodec(t *testing.T) {
	data, err := encodeEnvelope(Envelope{TaskID: "t-1", Attempt: 2})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(data) != `{"task_id":"t-1","attempt":2}` {
		t.Fatalf("unexpected wire format: %s", data)
	}
	env, err := decodeEnvelope(data)
	if err != nil || env.TaskID != "t-1" || env.Attempt != 2 {
		t.Fatalf("decode: %+v %v", env, err)
	}
	if _, err := encodeEnvelope(Envelope{}); err == nil {
		t.Fatalf("expected error for empty task id")
	}
	for _, raw := range []string{`not json`, `{"attempt":1}`} {
		if _, err := decodeEnvelope([]byte(raw)); err == nil {
			t.Fatalf("expected decode error for %s", raw)
		}
	}
}

func TestSummarize(t *testing.T) {
	if Summarize(nil) != nil {
		t.Fatalf("nil outcome should summarize to nil")
	}
	out := accepted("check balance")
	out.Results = []agent.StepResult{{Status: agent.StepSucceeded}, {Status: agent.StepFailed}}
	out.Duration = 1500 * time.Millisecond
	summary := Summarize(out)
	if summary.Steps != 2 || summary.Succeeded != 1 || summary.Duration != 1500 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.Message == "" || summary.State != string(agent.StateAccepted) {
		t.Fatalf("summary missing message or state: %+v", summary)
	}
}

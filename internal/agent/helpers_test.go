package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ChainLoop/internal/observability/alerting"
	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"
	chains "ChainLoop/internal/web3/provider"
)

const (
	alice = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	bob   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	// Bob's address with the last byte missing.
	malformedBob = "0x70997970C51812dc3A010C7d01b50e0d17dc79"
)

// simulatedDialer 连接到运行在模拟链上的真实工具服务。
func simulatedDialer(t *testing.T) toolrpc.Dialer {
	t.Helper()
	client, closeChain, err := chains.NewSimulated(nil)
	if err != nil {
		t.Fatalf("start simulated chain: %v", err)
	}
	t.Cleanup(closeChain)
	p, err := toolprovider.New(client, toolprovider.WithChainName(chains.SimulatedChainName))
	if err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return toolrpc.InProcessDialer(p.Server(), toolrpc.WithCallTimeout(20*time.Second))
}

// fakeProvider 是可控的工具服务，记录每个方法的调用次数并允许切断连接。
type fakeProvider struct {
	srv *toolrpc.Server

	mu       sync.Mutex
	conns    []net.Conn
	dials    int
	failDial func(n int) bool
	calls    map[string]int
}

func newFakeProvider() *fakeProvider {
	f := &fakeProvider{srv: toolrpc.NewServer(), calls: map[string]int{}}
	f.srv.Handle(toolprovider.MethodPing, func(context.Context, json.RawMessage) (any, error) {
		return toolprovider.PingResult{OK: true, Chain: "fake", ChainID: "1"}, nil
	})
	return f
}

// handle 注册处理函数，n 为该方法的第几次调用（从 1 开始）。
func (f *fakeProvider) handle(method string, fn func(ctx context.Context, n int, params map[string]any) (any, error)) {
	f.srv.Handle(method, func(ctx context.Context, raw json.RawMessage) (any, error) {
		f.mu.Lock()
		f.calls[method]++
		n := f.calls[method]
		f.mu.Unlock()
		params := map[string]any{}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &params)
		}
		return fn(ctx, n, params)
	})
}

func (f *fakeProvider) dial(ctx context.Context) (*toolrpc.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.dials++
	n := f.dials
	fail := f.failDial
	f.mu.Unlock()
	if fail != nil && fail(n) {
		return nil, errors.New("tool process failed to start")
	}
	client, server := net.Pipe()
	f.mu.Lock()
	f.conns = append(f.conns, server)
	f.mu.Unlock()
	go func() {
		defer server.Close()
		_ = f.srv.Serve(context.Background(), server)
	}()
	return toolrpc.NewChannel(client), nil
}

// kill 模拟工具进程崩溃，关闭当前连接。
func (f *fakeProvider) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) > 0 {
		_ = f.conns[len(f.conns)-1].Close()
	}
}

func (f *fakeProvider) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeProvider) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func balanceOK(_ context.Context, _ int, params map[string]any) (any, error) {
	addr, _ := params["address"].(string)
	return toolprovider.BalanceResult{Address: addr, Balance: "1000", Denomination: "wei", BlockNumber: 1}, nil
}

func minedOKResult(n int) toolprovider.TransactionResult {
	return toolprovider.TransactionResult{
		TransactionHash: fmt.Sprintf("0x%064x", n),
		GasUsed:         21000,
		Status:          toolprovider.StatusSuccess,
		BlockNumber:     uint64(n),
		From:            alice,
	}
}

// staticInterpreter 每次返回相同的动作。
func staticInterpreter(actions ...Action) Interpreter {
	return InterpreterFunc(func(context.Context, InterpretRequest) ([]Action, error) {
		return actions, nil
	})
}

type captureAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureAlerter) Notify(_ context.Context, e alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

type countingJudge struct {
	calls atomic.Int32
	score float64
}

func (j *countingJudge) JudgeRelevance(context.Context, string, *Plan, []StepResult) (float64, error) {
	j.calls.Add(1)
	return j.score, nil
}

func testPolicy() Policy {
	p := DefaultPolicy()
	p.CallTimeout = 5 * time.Second
	p.PlanTimeout = 5 * time.Second
	return p
}

func newOrchestrator(t *testing.T, interp Interpreter, dial toolrpc.Dialer, policy Policy, opts ...Option) *Orchestrator {
	t.Helper()
	o, err := New(interp, dial, policy, opts...)
	if err != nil {
		t.Fatalf("create orchestrator: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o
}

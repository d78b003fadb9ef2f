package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/storage/mysql"
	"ChainLoop/internal/toolprovider"
)

func collectStates(mu *sync.Mutex, states *[]State) Option {
	return WithObserver(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		*states = append(*states, tr.To)
	})
}

func TestBalanceQueryIsAccepted(t *testing.T) {
	repo, err := mysql.NewMemorySessionRepository(t.TempDir())
	if err != nil {
		t.Fatalf("create repo: %v", err)
	}
	var (
		mu     sync.Mutex
		states []State
	)
	interp := staticInterpreter(ReadState{Query: QueryBalance, Address: alice})
	o := newOrchestrator(t, interp, simulatedDialer(t), testPolicy(), WithRecorder(repo), collectStates(&mu, &states))

	out, err := o.Run(context.Background(), "What is the ETH balance of Alice")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Accepted || out.State != StateAccepted {
		t.Fatalf("expected accepted outcome, got %+v", out)
	}
	if out.Score != 100 || out.Attempts != 1 || out.Plans != 1 {
		t.Fatalf("unexpected counters: score=%d attempts=%d plans=%d", out.Score, out.Attempts, out.Plans)
	}
	if len(out.Results) != 1 || !out.Results[0].Succeeded() {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
	if balance, _ := out.Results[0].Payload["balance"].(string); balance == "" || balance == "0" {
		t.Fatalf("expected funded balance, got %v", out.Results[0].Payload)
	}

	want := []State{StatePlanning, StateExecuting, StateEvaluating, StateAccepted}
	mu.Lock()
	got := append([]State(nil), states...)
	mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("unexpected transitions: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %s, want %s", i, got[i], want[i])
		}
	}

	history, err := o.ListHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].SessionID != out.SessionID || !history[0].Accepted {
		t.Fatalf("unexpected history: %+v", history)
	}
	if !strings.Contains(out.Message(), "accepted after 1 attempt") {
		t.Fatalf("unexpected message: %s", out.Message())
	}
}

func TestMalformedRecipientFailsAfterReplans(t *testing.T) {
	var (
		mu     sync.Mutex
		priors []string
	)
	// 每次规划调整 gas，使计划指纹不同。
	interp := InterpreterFunc(func(_ context.Context, req InterpretRequest) ([]Action, error) {
		mu.Lock()
		priors = append(priors, req.PriorFailure)
		mu.Unlock()
		return []Action{
			ValidateAddress{Address: malformedBob},
			TransferValue{From: alice, To: malformedBob, Value: "10000000000000000000", Gas: 21000 + uint64(req.Attempt)},
		}, nil
	})
	alerts := &captureAlerter{}
	o := newOrchestrator(t, interp, simulatedDialer(t), testPolicy(), WithAlerter(alerts))

	out, err := o.Run(context.Background(), "Send 10 ETH from Alice to Bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Accepted || out.State != StateFailed {
		t.Fatalf("expected failure, got %+v", out)
	}
	if out.ErrorCode != CodeEvaluationBelowThreshold {
		t.Fatalf("unexpected error code %s", out.ErrorCode)
	}
	if out.Plans != 3 || out.Attempts != 3 {
		t.Fatalf("expected 3 plans and attempts, got plans=%d attempts=%d", out.Plans, out.Attempts)
	}
	if out.Score != 0 || out.Verdict == nil || !out.Verdict.SafetyViolation {
		t.Fatalf("expected forced zero score, got %+v", out.Verdict)
	}
	if len(out.Results) != 2 || out.Results[0].Status != StepFailed || out.Results[1].Status != StepSkipped {
		t.Fatalf("unexpected results: %+v", out.Results)
	}
	if !strings.Contains(out.Rationale, "address validation failed") {
		t.Fatalf("rationale should cite address validation: %s", out.Rationale)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(priors) != 3 || priors[0] != "" || priors[1] == "" {
		t.Fatalf("replans should receive the prior rationale: %q", priors)
	}

	alerts.mu.Lock()
	defer alerts.mu.Unlock()
	if len(alerts.events) != 1 || alerts.events[0].Code != CodeEvaluationBelowThreshold {
		t.Fatalf("expected one alert, got %+v", alerts.events)
	}
}

func TestRepeatedPlanStopsSession(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodValidateAddress, func(context.Context, int, map[string]any) (any, error) {
		return toolprovider.ValidateAddressResult{IsValid: false, Reason: "bad checksum"}, nil
	})
	interp := staticInterpreter(ValidateAddress{Address: malformedBob})
	o := newOrchestrator(t, interp, fp.dial, testPolicy())

	out, err := o.Run(context.Background(), "validate Bob's address")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ErrorCode != CodePlanRepeated {
		t.Fatalf("expected %s, got %s", CodePlanRepeated, out.ErrorCode)
	}
	if out.Plans != 2 || out.Attempts != 1 {
		t.Fatalf("unexpected counters: plans=%d attempts=%d", out.Plans, out.Attempts)
	}
	if !strings.Contains(out.Rationale, "same plan") {
		t.Fatalf("unexpected rationale: %s", out.Rationale)
	}
}

func TestUninterpretableRequestFails(t *testing.T) {
	fp := newFakeProvider()
	interp := InterpreterFunc(func(_ context.Context, req InterpretRequest) ([]Action, error) {
		return nil, NewInterpretationError(req.Request, "no recognizable blockchain operation")
	})
	o := newOrchestrator(t, interp, fp.dial, testPolicy())

	out, err := o.Run(context.Background(), "tell me a joke")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ErrorCode != CodeInterpretationFailed || out.Attempts != 0 || len(out.Results) != 0 {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(out.Rationale, "no recognizable blockchain operation") {
		t.Fatalf("unexpected rationale: %s", out.Rationale)
	}
	if fp.dialCount() != 0 {
		t.Fatalf("provider should not be dialed, got %d dials", fp.dialCount())
	}
}

func TestEmptyRequestIsRejected(t *testing.T) {
	o := newOrchestrator(t, staticInterpreter(ValidateAddress{Address: bob}), newFakeProvider().dial, testPolicy())
	_, err := o.Run(context.Background(), "   ")
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestTransientFailureRetriesAndReusesTransfer(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		return minedOKResult(n), nil
	})
	fp.handle(toolprovider.MethodCheckBalance, func(ctx context.Context, n int, params map[string]any) (any, error) {
		if n == 1 {
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			return nil, errors.New("too slow")
		}
		return balanceOK(ctx, n, params)
	})
	policy := testPolicy()
	policy.CallTimeout = 200 * time.Millisecond
	var (
		mu     sync.Mutex
		states []State
	)
	interp := staticInterpreter(
		TransferValue{To: bob, Value: "1"},
		ReadState{Query: QueryBalance, Address: bob},
	)
	o := newOrchestrator(t, interp, fp.dial, policy, collectStates(&mu, &states))

	out, err := o.Run(context.Background(), "Send 1 wei to Bob and show his balance")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Accepted || out.Attempts != 2 || out.Plans != 1 {
		t.Fatalf("expected acceptance on retry, got %+v", out)
	}
	if !out.Results[0].Reused {
		t.Fatalf("transfer should be reused on retry")
	}
	if got := fp.count(toolprovider.MethodComposeTransaction); got != 1 {
		t.Fatalf("transfer submitted %d times", got)
	}

	mu.Lock()
	defer mu.Unlock()
	var retried bool
	for _, s := range states {
		if s == StateRetrying {
			retried = true
		}
	}
	if !retried {
		t.Fatalf("expected a retrying transition, got %v", states)
	}
}

func TestTimedOutValidationRetriesSamePlan(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodValidateAddress, func(ctx context.Context, n int, _ map[string]any) (any, error) {
		if n == 1 {
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			return nil, errors.New("too slow")
		}
		return toolprovider.ValidateAddressResult{IsValid: true, ChecksummedAddress: bob}, nil
	})
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		return minedOKResult(n), nil
	})
	policy := testPolicy()
	policy.CallTimeout = 200 * time.Millisecond
	interp := staticInterpreter(
		ValidateAddress{Address: bob},
		TransferValue{To: bob, Value: "1"},
	)
	o := newOrchestrator(t, interp, fp.dial, policy)

	out, err := o.Run(context.Background(), "Send 1 wei to Bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Accepted || out.Attempts != 2 || out.Plans != 1 {
		t.Fatalf("expected acceptance on retry of the same plan, got state=%s attempts=%d plans=%d code=%s",
			out.State, out.Attempts, out.Plans, out.ErrorCode)
	}
	if got := fp.count(toolprovider.MethodComposeTransaction); got != 1 {
		t.Fatalf("transfer submitted %d times", got)
	}
}

func TestPendingTransferIsNotResentOnReplan(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		return toolprovider.TransactionResult{TransactionHash: minedOKResult(n).TransactionHash, Status: toolprovider.StatusPending, From: alice}, nil
	})
	// 每次规划调整 gas，使计划指纹不同。
	interp := InterpreterFunc(func(_ context.Context, req InterpretRequest) ([]Action, error) {
		return []Action{TransferValue{To: bob, Value: "1", Gas: 21000 + uint64(req.Attempt)}}, nil
	})
	var asked int
	refuse := ConfirmFunc(func(context.Context, int, Action, StepResult) bool {
		asked++
		return false
	})
	o := newOrchestrator(t, interp, fp.dial, testPolicy(), WithConfirmer(refuse))

	out, err := o.Run(context.Background(), "Send 1 wei to Bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Accepted || out.Plans != 3 {
		t.Fatalf("expected failure after replans, got state=%s plans=%d", out.State, out.Plans)
	}
	if got := fp.count(toolprovider.MethodComposeTransaction); got != 1 {
		t.Fatalf("pending transfer was broadcast %d times", got)
	}
	if asked != 2 {
		t.Fatalf("each replanned transfer should ask for confirmation, asked %d times", asked)
	}
}

func TestRetriesExhausted(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodCheckBalance, func(ctx context.Context, _ int, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	policy := testPolicy()
	policy.CallTimeout = 50 * time.Millisecond
	policy.MaxRetries = 1
	o := newOrchestrator(t, staticInterpreter(ReadState{Query: QueryBalance, Address: bob}), fp.dial, policy)

	out, err := o.Run(context.Background(), "What is Bob's balance")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.ErrorCode != xerrors.CodeRetriesExhausted || out.Attempts != 2 {
		t.Fatalf("unexpected outcome: code=%s attempts=%d", out.ErrorCode, out.Attempts)
	}
	if out.Results[0].Failure == nil || out.Results[0].Failure.Kind != FailureTimeout {
		t.Fatalf("expected timeout failure, got %+v", out.Results[0])
	}
}

func TestProviderCrashReconnectsAndResumes(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodCheckBalance, func(ctx context.Context, n int, params map[string]any) (any, error) {
		if n == 1 {
			fp.kill()
			return nil, errors.New("killed")
		}
		return balanceOK(ctx, n, params)
	})
	fp.handle(toolprovider.MethodGetContractCode, func(_ context.Context, _ int, params map[string]any) (any, error) {
		addr, _ := params["address"].(string)
		return toolprovider.CodeResult{Address: addr, Code: "0x6000", HasCode: true, Size: 2}, nil
	})
	interp := staticInterpreter(
		ReadState{Query: QueryBalance, Address: alice},
		ReadState{Query: QueryCode, Address: bob},
	)
	o := newOrchestrator(t, interp, fp.dial, testPolicy())

	out, err := o.Run(context.Background(), "What is the balance of Alice and the code at Bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Accepted {
		t.Fatalf("expected acceptance after reconnect, got %+v", out)
	}
	if fp.dialCount() != 2 {
		t.Fatalf("expected exactly one reconnection, got %d dials", fp.dialCount())
	}
	if got := fp.count(toolprovider.MethodGetContractCode); got != 2 {
		t.Fatalf("code query should run in both attempts, got %d", got)
	}
}

func TestEachSessionGetsItsOwnReconnection(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodCheckBalance, func(context.Context, int, map[string]any) (any, error) {
		fp.kill()
		return nil, errors.New("killed")
	})
	policy := testPolicy()
	policy.MaxRetries = 0
	o := newOrchestrator(t, staticInterpreter(ReadState{Query: QueryBalance, Address: alice}), fp.dial, policy)

	for i, wantDials := range []int{2, 3} {
		out, err := o.Run(context.Background(), "What is the balance of Alice")
		if err != nil {
			t.Fatalf("session %d: %v", i+1, err)
		}
		if out.ErrorCode != xerrors.CodeRetriesExhausted {
			t.Fatalf("session %d: expected a transient failure after reconnecting, got %s", i+1, out.ErrorCode)
		}
		if fp.dialCount() != wantDials {
			t.Fatalf("session %d: expected %d dials, got %d", i+1, wantDials, fp.dialCount())
		}
	}
}

func TestProviderUnreachableAfterFailedReconnect(t *testing.T) {
	fp := newFakeProvider()
	fp.failDial = func(n int) bool { return n >= 2 }
	fp.handle(toolprovider.MethodCheckBalance, func(context.Context, int, map[string]any) (any, error) {
		fp.kill()
		return nil, errors.New("killed")
	})
	alerts := &captureAlerter{}
	interp := staticInterpreter(
		ReadState{Query: QueryBalance, Address: alice},
		ReadState{Query: QueryBalance, Address: bob},
	)
	o := newOrchestrator(t, interp, fp.dial, testPolicy(), WithAlerter(alerts))

	out, err := o.Run(context.Background(), "balance of Alice and Bob")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.State != StateFailed || out.ErrorCode != CodeProviderUnreachable {
		t.Fatalf("expected provider unreachable, got state=%s code=%s", out.State, out.ErrorCode)
	}
	if len(out.Results) != 2 || out.Results[1].Status != StepSkipped {
		t.Fatalf("remaining steps should be skipped: %+v", out.Results)
	}
	if out.Attempts != 1 {
		t.Fatalf("no retry expected after unreachable provider, got %d attempts", out.Attempts)
	}
	if len(alerts.events) != 1 || xerrors.AttributesOf(alerts.events[0].Code).Severity != xerrors.SeverityCritical {
		t.Fatalf("expected critical alert, got %+v", alerts.events)
	}
}

func TestCancelledSessionReturnsPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := newFakeProvider()
	fp.handle(toolprovider.MethodCheckBalance, func(hctx context.Context, _ int, _ map[string]any) (any, error) {
		cancel()
		<-hctx.Done()
		return nil, hctx.Err()
	})
	alerts := &captureAlerter{}
	interp := staticInterpreter(
		ReadState{Query: QueryBalance, Address: alice},
		ReadState{Query: QueryBalance, Address: bob},
	)
	o := newOrchestrator(t, interp, fp.dial, testPolicy(), WithAlerter(alerts))

	out, err := o.Run(ctx, "balance of Alice and Bob")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out == nil || out.State != StateFailed || out.ErrorCode != CodeSessionCancelled {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if len(out.Results) != 2 {
		t.Fatalf("results must cover every action, got %d", len(out.Results))
	}
	for _, r := range out.Results {
		if r.Failure == nil || r.Failure.Kind != FailureCancelled {
			t.Fatalf("expected cancelled steps, got %+v", r)
		}
	}
	if len(alerts.events) != 0 {
		t.Fatalf("cancellation must not alert: %+v", alerts.events)
	}
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	policy := testPolicy()
	policy.EvaluationThreshold = 140
	if _, err := New(staticInterpreter(), newFakeProvider().dial, policy); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected config error, got %v", err)
	}
	policy = testPolicy()
	policy.Scoring.Expression = "coverage +"
	if _, err := New(staticInterpreter(), newFakeProvider().dial, policy); xerrors.CodeOf(err) != xerrors.CodeConfigInvalid {
		t.Fatalf("expected scoring compile error, got %v", err)
	}
}

package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ChainLoop/internal/toolprovider"
)

func newTestExecutor(fp *fakeProvider, confirmer Confirmer) *Executor {
	return NewExecutor(NewLink(fp.dial, nil), 5*time.Second, confirmer, nil)
}

func TestExecuteSkipsWorkThatDependsOnFailedValidation(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodValidateAddress, func(_ context.Context, _ int, params map[string]any) (any, error) {
		addr, _ := params["address"].(string)
		if addr == malformedBob {
			return toolprovider.ValidateAddressResult{IsValid: false, Reason: "wrong length"}, nil
		}
		return toolprovider.ValidateAddressResult{IsValid: true, ChecksummedAddress: addr}, nil
	})
	fp.handle(toolprovider.MethodCheckBalance, balanceOK)
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		return minedOKResult(n), nil
	})

	plan := &Plan{Actions: []Action{
		ValidateAddress{Address: malformedBob},
		ReadState{Query: QueryBalance, Address: strings.ToLower(malformedBob)},
		ReadState{Query: QueryBalance, Address: alice},
		TransferValue{From: alice, To: bob, Value: "1"},
	}}
	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", plan, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(results) != len(plan.Actions) {
		t.Fatalf("expected %d results, got %d", len(plan.Actions), len(results))
	}
	want := []StepStatus{StepFailed, StepSkipped, StepSucceeded, StepSkipped}
	for i, status := range want {
		if results[i].Status != status {
			t.Fatalf("step %d status = %s, want %s (%s)", i, results[i].Status, status, results[i].Reason())
		}
		if results[i].Index != i {
			t.Fatalf("step %d has index %d", i, results[i].Index)
		}
	}
	if results[1].Failure.Kind != FailureDependency || results[3].Failure.Kind != FailureDependency {
		t.Fatalf("expected dependency skips, got %+v / %+v", results[1].Failure, results[3].Failure)
	}
	if fp.count(toolprovider.MethodComposeTransaction) != 0 {
		t.Fatalf("transfer must not be dispatched after failed validation")
	}
}

func TestExecuteRefusesAmbiguousResubmissionByDefault(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		return minedOKResult(n), nil
	})
	plan := &Plan{Actions: []Action{TransferValue{To: bob, Value: "5"}}}
	previous := []StepResult{failed(0, KindTransferValue, StepFailure{Kind: FailureTimeout, Message: "deadline exceeded"}, nil, time.Second)}

	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", plan, previous, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Status != StepSkipped || !strings.Contains(results[0].Reason(), "confirmation") {
		t.Fatalf("expected confirmation skip, got %+v", results[0])
	}
	if fp.count(toolprovider.MethodComposeTransaction) != 0 {
		t.Fatalf("transaction resubmitted without confirmation")
	}

	var asked int
	confirm := ConfirmFunc(func(_ context.Context, index int, action Action, prev StepResult) bool {
		asked++
		return index == 0 && action.Kind() == KindTransferValue && prev.Failure.Kind == FailureTimeout
	})
	results, err = newTestExecutor(fp, confirm).Execute(context.Background(), "s", plan, previous, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if asked != 1 || !results[0].Succeeded() {
		t.Fatalf("confirmed resubmission should run: asked=%d result=%+v", asked, results[0])
	}
}

func TestExecuteGatesPendingTransferAcrossPlans(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		res := minedOKResult(n)
		if n == 1 {
			return toolprovider.TransactionResult{TransactionHash: res.TransactionHash, Status: toolprovider.StatusPending, From: alice}, nil
		}
		return res, nil
	})
	unsettled := NewUnsettled()

	first := &Plan{Actions: []Action{TransferValue{To: bob, Value: "5", Gas: 21000}}}
	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", first, nil, unsettled)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Status != StepFailed || results[0].Failure.Kind != FailurePending {
		t.Fatalf("expected pending failure, got %+v", results[0])
	}
	if hash, _ := results[0].Payload["transaction_hash"].(string); hash == "" {
		t.Fatalf("pending result should keep the transaction hash: %+v", results[0].Payload)
	}
	if unsettled.Len() != 1 {
		t.Fatalf("pending transfer should be recorded as unsettled")
	}

	// 新计划只改了 gas，仍然指向同一收款人。
	replanned := &Plan{Actions: []Action{TransferValue{To: strings.ToLower(bob), Value: "5", Gas: 30000}}}
	results, err = newTestExecutor(fp, nil).Execute(context.Background(), "s", replanned, nil, unsettled)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if results[0].Status != StepSkipped || !strings.Contains(results[0].Reason(), "confirmation") {
		t.Fatalf("expected confirmation skip, got %+v", results[0])
	}
	if fp.count(toolprovider.MethodComposeTransaction) != 1 {
		t.Fatalf("transfer resent without confirmation")
	}

	var seen StepResult
	confirm := ConfirmFunc(func(_ context.Context, _ int, _ Action, prev StepResult) bool {
		seen = prev
		return true
	})
	results, err = newTestExecutor(fp, confirm).Execute(context.Background(), "s", replanned, nil, unsettled)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !results[0].Succeeded() || seen.Failure == nil || seen.Failure.Kind != FailurePending {
		t.Fatalf("confirmed resend should run and see the pending step: result=%+v prev=%+v", results[0], seen)
	}
	if unsettled.Len() != 0 {
		t.Fatalf("a confirmed success should settle the target")
	}
}

func TestExecuteReportsRevertedTransaction(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		res := minedOKResult(n)
		res.Status = toolprovider.StatusReverted
		return res, nil
	})
	plan := &Plan{Actions: []Action{TransferValue{To: bob, Value: "1"}}}
	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", plan, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	r := results[0]
	if r.Status != StepFailed || r.Failure.Kind != FailureAction {
		t.Fatalf("expected action failure, got %+v", r)
	}
	if r.Payload["transaction_hash"] == nil {
		t.Fatalf("receipt should be kept as payload: %v", r.Payload)
	}
}

func TestExecuteBatchStopsAtFirstFailure(t *testing.T) {
	fp := newFakeProvider()
	var (
		mu   sync.Mutex
		data []string
	)
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, params map[string]any) (any, error) {
		mu.Lock()
		d, _ := params["data"].(string)
		data = append(data, d)
		mu.Unlock()
		res := minedOKResult(n)
		if n == 2 {
			res.Status = toolprovider.StatusReverted
		}
		return res, nil
	})
	batch := BatchCall{Calls: []Action{
		TransferValue{To: bob, Value: "1"},
		CallFunction{Contract: bob, Signature: "transfer(address,uint256)", Args: []string{alice, "7"}},
		TransferValue{To: alice, Value: "2"},
	}}
	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", &Plan{Actions: []Action{batch}}, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	r := results[0]
	if r.Status != StepFailed || !strings.HasPrefix(r.Failure.Message, "call 2 of 3") {
		t.Fatalf("unexpected batch result: %+v", r)
	}
	if completed, _ := r.Payload["completed"].(int); completed != 2 {
		t.Fatalf("expected two submitted calls, got %v", r.Payload["completed"])
	}
	if fp.count(toolprovider.MethodComposeTransaction) != 2 {
		t.Fatalf("third call must not be submitted")
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(data[1], "0xa9059cbb") {
		t.Fatalf("expected transfer selector, got %s", data[1])
	}
}

func TestExecuteReadOnlyCallUsesCallContract(t *testing.T) {
	fp := newFakeProvider()
	var got map[string]any
	fp.handle(toolprovider.MethodCallContract, func(_ context.Context, _ int, params map[string]any) (any, error) {
		got = params
		return toolprovider.CallResult{ReturnData: "0x" + strings.Repeat("0", 63) + "1"}, nil
	})
	plan := &Plan{Actions: []Action{CallFunction{Contract: bob, Signature: "balanceOf(address)", Args: []string{alice}, ReadOnly: true}}}
	results, err := newTestExecutor(fp, nil).Execute(context.Background(), "s", plan, nil, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !results[0].Succeeded() {
		t.Fatalf("expected success, got %+v", results[0])
	}
	data, _ := got["data"].(string)
	if !strings.HasPrefix(data, "0x70a08231") || got["to"] != bob {
		t.Fatalf("unexpected call params: %v", got)
	}
}

func TestExecuteLetsSubmittedTransactionFinishAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fp := newFakeProvider()
	fp.handle(toolprovider.MethodComposeTransaction, func(_ context.Context, n int, _ map[string]any) (any, error) {
		cancel()
		time.Sleep(50 * time.Millisecond)
		return minedOKResult(n), nil
	})
	fp.handle(toolprovider.MethodCheckBalance, balanceOK)

	plan := &Plan{Actions: []Action{
		TransferValue{To: bob, Value: "1"},
		ReadState{Query: QueryBalance, Address: bob},
	}}
	results, err := newTestExecutor(fp, nil).Execute(ctx, "s", plan, nil, nil)
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	if !results[0].Succeeded() {
		t.Fatalf("in-flight transaction should complete, got %+v", results[0])
	}
	if results[1].Status != StepSkipped || results[1].Failure.Kind != FailureCancelled {
		t.Fatalf("later steps should be skipped as cancelled, got %+v", results[1])
	}
	if fp.count(toolprovider.MethodCheckBalance) != 0 {
		t.Fatalf("no calls expected after cancellation")
	}
}

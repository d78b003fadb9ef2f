package rules

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"ChainLoop/internal/agent"
)

func interpret(t *testing.T, request string) []agent.Action {
	t.Helper()
	actions, err := New(nil).Interpret(context.Background(), agent.InterpretRequest{Request: request, Attempt: 1})
	if err != nil {
		t.Fatalf("interpret %q: %v", request, err)
	}
	return actions
}

func TestInterpretBalance(t *testing.T) {
	got := interpret(t, "What is the ETH balance of Alice?")
	want := []agent.Action{agent.ReadState{Query: agent.QueryBalance, Address: AliceAddress}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestInterpretTransferValidatesAddressesFirst(t *testing.T) {
	got := interpret(t, "Send 0.001 ETH from Alice to Bob")
	want := []agent.Action{
		agent.ValidateAddress{Address: AliceAddress},
		agent.ValidateAddress{Address: BobAddress},
		agent.TransferValue{From: AliceAddress, To: BobAddress, Value: "1000000000000000"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

func TestUnknownNamesStayLiteral(t *testing.T) {
	got := interpret(t, "send 5 gwei to Carol")
	if len(got) != 2 {
		t.Fatalf("unexpected actions: %#v", got)
	}
	if v, ok := got[0].(agent.ValidateAddress); !ok || v.Address != "Carol" {
		t.Fatalf("expected validation of literal name, got %#v", got[0])
	}
	if tr := got[1].(agent.TransferValue); tr.Value != "5000000000" {
		t.Fatalf("unexpected wei amount %s", tr.Value)
	}
}

func TestInterpretMultipleClauses(t *testing.T) {
	got := interpret(t, "deploy 0x6000 from alice; then read totalSupply() from 0x5FbDB2315678afecb367f032d93F642f64180aa3 and then code at bob")
	kinds := make([]agent.ActionKind, len(got))
	for i, a := range got {
		kinds[i] = a.Kind()
	}
	want := []agent.ActionKind{agent.KindValidateAddress, agent.KindDeployContract, agent.KindCallFunction, agent.KindReadState}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("got kinds %v, want %v", kinds, want)
	}
	if call := got[2].(agent.CallFunction); !call.ReadOnly || call.Signature != "totalSupply()" {
		t.Fatalf("unexpected read call %#v", call)
	}
}

func TestInterpretCallResolvesArguments(t *testing.T) {
	got := interpret(t, "call transfer(address,uint256) on 0x5FbDB2315678afecb367f032d93F642f64180aa3 with bob, 7 from alice")
	call, ok := got[len(got)-1].(agent.CallFunction)
	if !ok {
		t.Fatalf("expected call_function last, got %#v", got)
	}
	if call.From != AliceAddress || !reflect.DeepEqual(call.Args, []string{BobAddress, "7"}) {
		t.Fatalf("unexpected call %#v", call)
	}
	if err := call.Validate(); err != nil {
		t.Fatalf("call should be structurally valid: %v", err)
	}
}

func TestInterpretBatch(t *testing.T) {
	got := interpret(t, "batch: send 1 wei to bob; send 2 wei to alice; balance of bob")
	if len(got) != 4 {
		t.Fatalf("unexpected actions: %#v", got)
	}
	batch, ok := got[2].(agent.BatchCall)
	if !ok || len(batch.Calls) != 2 {
		t.Fatalf("expected batch of two after validations, got %#v", got)
	}
	if got[3].Kind() != agent.KindReadState {
		t.Fatalf("reads after the batch clauses stay after it: %#v", got[3])
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("batch should validate: %v", err)
	}
}

func TestUnmatchedClauseIsInterpretationError(t *testing.T) {
	_, err := New(nil).Interpret(context.Background(), agent.InterpretRequest{Request: "balance of bob; sing a song"})
	var ierr *agent.InterpretationError
	if !errors.As(err, &ierr) {
		t.Fatalf("expected interpretation error, got %v", err)
	}
}

func TestAddressBookOverrides(t *testing.T) {
	interp := New(map[string]string{"Treasury": "0x5FbDB2315678afecb367f032d93F642f64180aa3"})
	actions, err := interp.Interpret(context.Background(), agent.InterpretRequest{Request: "balance of treasury"})
	if err != nil {
		t.Fatalf("interpret: %v", err)
	}
	if rs := actions[0].(agent.ReadState); rs.Address != "0x5FbDB2315678afecb367f032d93F642f64180aa3" {
		t.Fatalf("unexpected address %s", rs.Address)
	}
	if names := interp.AddressBook().Names(); len(names) != 3 || names[0] != "alice" {
		t.Fatalf("unexpected names %v", names)
	}
}

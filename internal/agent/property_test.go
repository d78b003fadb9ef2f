package agent

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func propertyParameters() *gopter.TestParameters {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	return params
}

// stepOutcomes 生成 1..10 个取值 0..2 的步骤状态（成功、失败、跳过）。
func stepOutcomes() gopter.Gen {
	return gen.IntRange(1, 10).FlatMap(func(n interface{}) gopter.Gen {
		return gen.SliceOfN(n.(int), gen.IntRange(0, 2))
	}, reflect.TypeOf([]int{}))
}

func resultsFrom(outcomes []int) (*Plan, []StepResult) {
	plan := &Plan{}
	results := make([]StepResult, len(outcomes))
	for i, o := range outcomes {
		addr := fmt.Sprintf("0x%040x", i+1)
		plan.Actions = append(plan.Actions, ReadState{Query: QueryBalance, Address: addr})
		switch o {
		case 0:
			results[i] = succeeded(i, KindReadState, map[string]any{"balance": "1"}, 0)
		case 1:
			results[i] = failed(i, KindReadState, StepFailure{Kind: FailureRemote, Code: toolrpc.CodeExecutionFailed, Message: "boom"}, nil, 0)
		default:
			results[i] = skipped(i, KindReadState, FailureDependency, "skipped")
		}
	}
	plan.Fingerprint = Fingerprint(plan.Actions)
	return plan, results
}

func TestExecutionProperties(t *testing.T) {
	fp := newFakeProvider()
	fp.handle(toolprovider.MethodCheckBalance, func(ctx context.Context, n int, params map[string]any) (any, error) {
		addr, _ := params["address"].(string)
		if strings.HasSuffix(addr, "dead") {
			return nil, toolrpc.NewRemoteError(toolrpc.CodeExecutionFailed, "execution reverted")
		}
		return balanceOK(ctx, n, params)
	})
	executor := newTestExecutor(fp, nil)
	defer executor.link.Close()

	properties := gopter.NewProperties(propertyParameters())
	properties.Property("one result per action in plan order", prop.ForAll(
		func(fails []bool) bool {
			plan := &Plan{}
			for i, fail := range fails {
				addr := fmt.Sprintf("0x%036x", i+1) + "beef"
				if fail {
					addr = fmt.Sprintf("0x%036x", i+1) + "dead"
				}
				plan.Actions = append(plan.Actions, ReadState{Query: QueryBalance, Address: addr})
			}
			results, err := executor.Execute(context.Background(), "prop", plan, nil, nil)
			if err != nil || len(results) != len(plan.Actions) {
				return false
			}
			for i, r := range results {
				if r.Index != i || r.Kind != KindReadState {
					return false
				}
				if fails[i] == r.Succeeded() {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 8).FlatMap(func(n interface{}) gopter.Gen {
			return gen.SliceOfN(n.(int), gen.Bool())
		}, reflect.TypeOf([]bool{})),
	))
	properties.TestingRun(t)
}

func TestEvaluatorProperties(t *testing.T) {
	ev, err := NewEvaluator(70, DefaultPolicy().Scoring, nil, nil)
	if err != nil {
		t.Fatalf("create evaluator: %v", err)
	}
	properties := gopter.NewProperties(propertyParameters())

	properties.Property("score stays within 0..100 and is deterministic", prop.ForAll(
		func(outcomes []int) bool {
			plan, results := resultsFrom(outcomes)
			a := ev.Evaluate(context.Background(), "What is the balance", plan, results)
			b := ev.Evaluate(context.Background(), "What is the balance", plan, results)
			return a.Score >= 0 && a.Score <= 100 && reflect.DeepEqual(a, b)
		},
		stepOutcomes(),
	))

	properties.Property("acceptance follows the threshold", prop.ForAll(
		func(outcomes []int) bool {
			plan, results := resultsFrom(outcomes)
			v := ev.Evaluate(context.Background(), "What is the balance", plan, results)
			return v.Accept == (v.Score >= 70) && (v.Accept == (v.Cause == CauseNone))
		},
		stepOutcomes(),
	))

	properties.Property("unresolved address validation forces zero", prop.ForAll(
		func(outcomes []int) bool {
			plan, results := resultsFrom(outcomes)
			plan.Actions = append([]Action{ValidateAddress{Address: malformedBob}}, plan.Actions...)
			failedValidation := failed(0, KindValidateAddress, StepFailure{Kind: FailureAction, Message: "invalid"}, nil, 0)
			shifted := []StepResult{failedValidation}
			for _, r := range results {
				r.Index++
				shifted = append(shifted, r)
			}
			v := ev.Evaluate(context.Background(), "What is the balance", plan, shifted)
			return v.Score == 0 && !v.Accept && v.SafetyViolation
		},
		stepOutcomes(),
	))

	properties.TestingRun(t)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"
	"ChainLoop/internal/web3"
	"ChainLoop/pkg/logger"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Confirmer 决定是否重发结果不确定的非幂等动作。
type Confirmer interface {
	ConfirmResubmission(ctx context.Context, index int, action Action, previous StepResult) bool
}

// ConfirmFunc 允许普通函数作为 Confirmer。
type ConfirmFunc func(ctx context.Context, index int, action Action, previous StepResult) bool

// ConfirmResubmission 调用函数本身。
func (f ConfirmFunc) ConfirmResubmission(ctx context.Context, index int, action Action, previous StepResult) bool {
	return f(ctx, index, action, previous)
}

// RefuseResubmission 是默认的 Confirmer，从不重发。
type RefuseResubmission struct{}

// ConfirmResubmission 总是拒绝。
func (RefuseResubmission) ConfirmResubmission(context.Context, int, Action, StepResult) bool {
	return false
}

// Executor 按顺序执行计划中的动作。
type Executor struct {
	link        *Link
	callTimeout time.Duration
	confirmer   Confirmer
	logger      *slog.Logger
}

// NewExecutor 创建执行器。
func NewExecutor(link *Link, callTimeout time.Duration, confirmer Confirmer, log *slog.Logger) *Executor {
	if confirmer == nil {
		confirmer = RefuseResubmission{}
	}
	if log == nil {
		log = logger.Named("executor")
	}
	return &Executor{link: link, callTimeout: callTimeout, confirmer: confirmer, logger: log}
}

// Execute 执行计划并返回与动作一一对应的结果。
//
// previous 是同一计划上一次执行的结果，仅在重试时非空。unsettled 是会话内结果未知的
// 非幂等动作，可以为 nil；本次执行会更新它。返回的错误为 ErrProviderUnreachable
// 或上下文取消错误；两种情况下结果仍然覆盖全部动作。
func (e *Executor) Execute(ctx context.Context, sessionID string, plan *Plan, previous []StepResult, unsettled *Unsettled) ([]StepResult, error) {
	results := make([]StepResult, 0, len(plan.Actions))
	var (
		fatal         error
		gateClosed    bool
		failedAddress = map[string]bool{}
	)

	for i, action := range plan.Actions {
		kind := action.Kind()
		switch {
		case fatal != nil && errors.Is(fatal, ErrProviderUnreachable):
			results = append(results, skipped(i, kind, FailureTransport, "tool provider unreachable"))
			continue
		case fatal != nil:
			results = append(results, skipped(i, kind, FailureCancelled, "session cancelled"))
			continue
		case ctx.Err() != nil:
			fatal = ctx.Err()
			results = append(results, skipped(i, kind, FailureCancelled, "session cancelled"))
			continue
		}

		if addr, ok := touchesFailed(action, failedAddress); ok {
			results = append(results, skipped(i, kind, FailureDependency, fmt.Sprintf("address %s failed validation", addr)))
			continue
		}
		if gateClosed && action.Mutating() {
			results = append(results, skipped(i, kind, FailureDependency, "address validation failed earlier in the plan"))
			continue
		}

		if action.Mutating() {
			if i < len(previous) && previous[i].Succeeded() {
				reused := previous[i]
				reused.Reused = true
				results = append(results, reused)
				continue
			}
			if prev, ok := uncertainPrior(i, action, previous, unsettled); ok && !e.confirmer.ConfirmResubmission(ctx, i, action, prev) {
				results = append(results, skipped(i, kind, FailureDependency, "resubmission requires confirmation"))
				continue
			}
		}

		res, err := e.dispatch(ctx, sessionID, i, action)
		results = append(results, res)
		unsettled.note(action, res)
		if err != nil {
			fatal = err
		}

		if v, ok := action.(ValidateAddress); ok && res.Status == StepFailed {
			gateClosed = true
			failedAddress[strings.ToLower(v.Address)] = true
		}
	}
	return results, fatal
}

// uncertainPrior 查找同一动作此前结果未知的发送：先看同一计划的上一次执行，再看会话登记。
func uncertainPrior(i int, action Action, previous []StepResult, unsettled *Unsettled) (StepResult, bool) {
	if i < len(previous) && previous[i].uncertain() {
		return previous[i], true
	}
	return unsettled.Lookup(action)
}

func touchesFailed(action Action, failed map[string]bool) (string, bool) {
	if len(failed) == 0 {
		return "", false
	}
	for _, addr := range action.Addresses() {
		if failed[strings.ToLower(addr)] {
			return addr, true
		}
	}
	return "", false
}

// dispatch 执行单个动作。只有通道不可达或会话取消时才返回错误。
func (e *Executor) dispatch(ctx context.Context, sessionID string, index int, action Action) (StepResult, error) {
	start := time.Now()
	callCtx := ctx
	if action.Mutating() {
		// 已发出的交易不受会话取消影响，只受单次调用超时约束。
		callCtx = context.WithoutCancel(ctx)
	}
	if e.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, e.callTimeout)
		defer cancel()
	}

	if action.Mutating() {
		logger.Audit().Info("tx_dispatch",
			slog.String("session_id", sessionID),
			slog.Int("step", index),
			slog.String("kind", string(action.Kind())),
			slog.String("action", Describe(action)),
		)
	}

	payload, failure, err := e.perform(callCtx, action)
	elapsed := time.Since(start)

	var res StepResult
	if failure != nil {
		res = failed(index, action.Kind(), *failure, payload, elapsed)
	} else {
		res = succeeded(index, action.Kind(), payload, elapsed)
	}

	log := e.logger.With(slog.String("session_id", sessionID), slog.Int("step", index), slog.String("kind", string(action.Kind())))
	if failure != nil {
		log.Warn("步骤执行失败", slog.String("failure", string(failure.Kind)), slog.String("message", failure.Message))
	} else {
		log.Debug("步骤执行成功", slog.Duration("elapsed", elapsed))
	}
	if action.Mutating() {
		logger.Audit().Info("tx_result",
			slog.String("session_id", sessionID),
			slog.Int("step", index),
			slog.String("status", string(res.Status)),
			slog.Any("payload", payload),
		)
	}

	if errors.Is(err, ErrProviderUnreachable) {
		return res, err
	}
	if res.Failure != nil && res.Failure.Kind == FailureCancelled {
		return res, context.Canceled
	}
	return res, nil
}

// perform 将动作映射为工具调用。
func (e *Executor) perform(ctx context.Context, action Action) (map[string]any, *StepFailure, error) {
	switch a := action.(type) {
	case ValidateAddress:
		payload, err := e.call(ctx, toolprovider.MethodValidateAddress, map[string]any{"address": a.Address})
		if err != nil {
			return nil, failureFrom(err), err
		}
		if valid, _ := payload["is_valid"].(bool); !valid {
			reason, _ := payload["reason"].(string)
			return payload, &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("address %q failed validation: %s", a.Address, reason)}, nil
		}
		return payload, nil, nil

	case ReadState:
		method := toolprovider.MethodCheckBalance
		params := map[string]any{"address": a.Address}
		if a.Query == QueryCode {
			method = toolprovider.MethodGetContractCode
		} else if a.Token != "" {
			params["token"] = a.Token
		}
		payload, err := e.call(ctx, method, params)
		if err != nil {
			return nil, failureFrom(err), err
		}
		return payload, nil, nil

	case TransferValue:
		return e.transact(ctx, transferParams(a))

	case DeployContract:
		params := map[string]any{"data": a.Bytecode}
		setOptional(params, a.From, a.Value, a.Gas)
		return e.transact(ctx, params)

	case CallFunction:
		data, err := web3.EncodeCall(a.Signature, a.Args)
		if err != nil {
			return nil, &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("encode %s: %v", a.Signature, err)}, nil
		}
		if a.ReadOnly {
			params := map[string]any{"to": a.Contract, "data": hexutil.Encode(data)}
			if a.From != "" {
				params["from"] = a.From
			}
			payload, err := e.call(ctx, toolprovider.MethodCallContract, params)
			if err != nil {
				return nil, failureFrom(err), err
			}
			return payload, nil, nil
		}
		return e.transact(ctx, callParams(a, data))

	case BatchCall:
		return e.batch(ctx, a)
	}
	return nil, &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("unsupported action %q", kindOf(action))}, nil
}

func (e *Executor) batch(ctx context.Context, batch BatchCall) (map[string]any, *StepFailure, error) {
	calls := make([]map[string]any, 0, len(batch.Calls))
	payload := func() map[string]any {
		return map[string]any{"calls": calls, "completed": len(calls), "total": len(batch.Calls)}
	}
	for i, call := range batch.Calls {
		var params map[string]any
		switch c := call.(type) {
		case TransferValue:
			params = transferParams(c)
		case CallFunction:
			data, err := web3.EncodeCall(c.Signature, c.Args)
			if err != nil {
				return payload(), &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("call %d of %d: encode %s: %v", i+1, len(batch.Calls), c.Signature, err)}, nil
			}
			params = callParams(c, data)
		default:
			return payload(), &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("call %d of %d: unsupported kind %q", i+1, len(batch.Calls), kindOf(call))}, nil
		}
		sub, failure, err := e.transact(ctx, params)
		if sub != nil {
			calls = append(calls, sub)
		}
		if failure != nil {
			failure.Message = fmt.Sprintf("call %d of %d: %s", i+1, len(batch.Calls), failure.Message)
			return payload(), failure, err
		}
	}
	return payload(), nil, nil
}

// transact 发送交易；已上链但回滚的交易以 action 失败返回，回执作为载荷保留。
// 已广播未确认的交易记为 pending，视同结果未知。
func (e *Executor) transact(ctx context.Context, params map[string]any) (map[string]any, *StepFailure, error) {
	payload, err := e.call(ctx, toolprovider.MethodComposeTransaction, params)
	if err != nil {
		return nil, failureFrom(err), err
	}
	hash, _ := payload["transaction_hash"].(string)
	switch status, _ := payload["status"].(string); status {
	case toolprovider.StatusSuccess:
		return payload, nil, nil
	case toolprovider.StatusPending:
		return payload, &StepFailure{Kind: FailurePending, Message: fmt.Sprintf("transaction %s broadcast but not confirmed", hash)}, nil
	default:
		return payload, &StepFailure{Kind: FailureAction, Message: fmt.Sprintf("transaction %s %s", hash, status)}, nil
	}
}

func (e *Executor) call(ctx context.Context, method string, params any) (map[string]any, error) {
	var raw json.RawMessage
	if err := e.link.Call(ctx, method, params, &raw); err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &toolrpc.ProtocolError{Kind: toolrpc.Malformed, Method: method, Message: "result is not an object", Err: err}
	}
	return payload, nil
}

// failureFrom 把调用错误转换为步骤失败。
func failureFrom(err error) *StepFailure {
	if perr, ok := toolrpc.AsProtocolError(err); ok {
		f := &StepFailure{Kind: FailureKind(perr.Kind), Message: perr.Message}
		if perr.Kind == toolrpc.Remote {
			f.Code = perr.Code
		}
		if f.Message == "" {
			f.Message = err.Error()
		}
		if errors.Is(err, ErrProviderUnreachable) {
			f.Message = "tool provider unreachable: " + f.Message
		}
		return f
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &StepFailure{Kind: FailureCancelled, Message: "session cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return &StepFailure{Kind: FailureTimeout, Message: err.Error()}
	}
	return &StepFailure{Kind: FailureTransport, Message: err.Error()}
}

func transferParams(a TransferValue) map[string]any {
	params := map[string]any{"to": a.To, "value": a.Value}
	setOptional(params, a.From, "", a.Gas)
	return params
}

func callParams(a CallFunction, data []byte) map[string]any {
	params := map[string]any{"to": a.Contract, "data": hexutil.Encode(data)}
	setOptional(params, a.From, a.Value, a.Gas)
	return params
}

func setOptional(params map[string]any, from, value string, gas uint64) {
	if from != "" {
		params["from"] = from
	}
	if value != "" {
		params["value"] = value
	}
	if gas > 0 {
		params["gas"] = gas
	}
}

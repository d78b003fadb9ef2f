package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Plan 是一次尝试的有序动作序列。
type Plan struct {
	ID           string    `json:"id"`
	Request      string    `json:"request"`
	PriorFailure string    `json:"prior_failure,omitempty"`
	Actions      []Action  `json:"-"`
	Fingerprint  string    `json:"fingerprint"`
	Attempt      int       `json:"attempt"`
	CreatedAt    time.Time `json:"created_at"`
}

// InterpretRequest 是交给解释器的输入。PriorFailure 仅在重新规划时非空。
type InterpretRequest struct {
	Request      string
	PriorFailure string
	Attempt      int
}

// Interpreter 将自然语言请求转换为动作序列。
type Interpreter interface {
	Interpret(ctx context.Context, req InterpretRequest) ([]Action, error)
}

// InterpreterFunc 允许普通函数作为解释器。
type InterpreterFunc func(ctx context.Context, req InterpretRequest) ([]Action, error)

// Interpret 调用函数本身。
func (f InterpreterFunc) Interpret(ctx context.Context, req InterpretRequest) ([]Action, error) {
	return f(ctx, req)
}

// Planner 负责调用解释器并拒绝重复计划。
type Planner struct {
	interp  Interpreter
	timeout time.Duration
}

// NewPlanner 创建规划器。
func NewPlanner(interp Interpreter, timeout time.Duration) *Planner {
	return &Planner{interp: interp, timeout: timeout}
}

// Plan 生成下一份计划。seen 记录本会话已出现过的计划指纹。
func (p *Planner) Plan(ctx context.Context, request, priorFailure string, attempt int, seen map[string]struct{}) (*Plan, error) {
	if p.interp == nil {
		return nil, NewInterpretationError(request, "no interpreter configured")
	}
	planCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		planCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	actions, err := p.interp.Interpret(planCtx, InterpretRequest{Request: request, PriorFailure: priorFailure, Attempt: attempt})
	if err != nil {
		// 会话本身被取消时直接返回上下文错误。
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var interp *InterpretationError
		if errors.As(err, &interp) {
			return nil, err
		}
		reason := "interpreter failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "interpreter timed out"
		}
		return nil, &InterpretationError{Request: request, Reason: reason, Err: err}
	}
	if len(actions) == 0 {
		return nil, NewInterpretationError(request, "no actions derived from request")
	}
	for i, a := range actions {
		if a == nil {
			return nil, NewInterpretationError(request, fmt.Sprintf("action %d is empty", i+1))
		}
		if err := a.Validate(); err != nil {
			return nil, &InterpretationError{Request: request, Reason: fmt.Sprintf("action %d (%s) is invalid", i+1, a.Kind()), Err: err}
		}
	}

	fingerprint := Fingerprint(actions)
	if _, ok := seen[fingerprint]; ok {
		return nil, fmt.Errorf("%w: planning attempt %d matches an earlier plan", ErrPlanRepeated, attempt)
	}
	if seen != nil {
		seen[fingerprint] = struct{}{}
	}

	return &Plan{
		ID:           uuid.NewString(),
		Request:      request,
		PriorFailure: strings.TrimSpace(priorFailure),
		Actions:      actions,
		Fingerprint:  fingerprint,
		Attempt:      attempt,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

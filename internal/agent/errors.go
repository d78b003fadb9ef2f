package agent

import (
	"errors"
	"fmt"

	xerrors "ChainLoop/internal/errors"
)

// 编排器相关错误码。
const (
	CodeInterpretationFailed     xerrors.Code = "INTERPRETATION_FAILED"
	CodePlanRepeated             xerrors.Code = "PLAN_REPEATED"
	CodeProviderUnreachable      xerrors.Code = "PROVIDER_UNREACHABLE"
	CodeEvaluationBelowThreshold xerrors.Code = "EVALUATION_BELOW_THRESHOLD"
	CodeSessionCancelled         xerrors.Code = "SESSION_CANCELLED"
)

func init() {
	xerrors.Register(CodeInterpretationFailed, xerrors.Attributes{Message: "request could not be interpreted", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodePlanRepeated, xerrors.Attributes{Message: "planner produced an identical plan", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeProviderUnreachable, xerrors.Attributes{Message: "tool provider unreachable", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeEvaluationBelowThreshold, xerrors.Attributes{Message: "evaluation below threshold", Severity: xerrors.SeverityWarning, Alert: true})
	xerrors.Register(CodeSessionCancelled, xerrors.Attributes{Message: "session cancelled", Severity: xerrors.SeverityInfo})
}

// ErrProviderUnreachable 表示重连之后工具进程依然不可用。
var ErrProviderUnreachable = errors.New("tool provider unreachable")

// ErrPlanRepeated 表示同一会话内生成了完全相同的计划。
var ErrPlanRepeated = errors.New("plan repeated")

// InterpretationError 表示请求无法转换为任何动作。
type InterpretationError struct {
	Request string
	Reason  string
	Err     error
}

func (e *InterpretationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("interpret request: %s: %v", e.Reason, e.Err)
	}
	return "interpret request: " + e.Reason
}

func (e *InterpretationError) Unwrap() error { return e.Err }

// NewInterpretationError 供解释器直接返回带原因的错误。
func NewInterpretationError(request, reason string) *InterpretationError {
	return &InterpretationError{Request: request, Reason: reason}
}

// codeFor 将编排器错误映射为统一错误码。
func codeFor(err error) xerrors.Code {
	var interp *InterpretationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &interp):
		return CodeInterpretationFailed
	case errors.Is(err, ErrPlanRepeated):
		return CodePlanRepeated
	case errors.Is(err, ErrProviderUnreachable):
		return CodeProviderUnreachable
	}
	return xerrors.CodeOf(err)
}

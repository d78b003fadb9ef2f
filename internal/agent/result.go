package agent

import (
	"fmt"
	"strings"
	"time"
)

// StepStatus 表示单个步骤的结果状态。
type StepStatus string

// 步骤状态
const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// FailureKind 描述步骤失败的原因类别。
type FailureKind string

// 失败类别
const (
	FailureTimeout    FailureKind = "timeout"
	FailureTransport  FailureKind = "transport"
	FailureRemote     FailureKind = "remote"
	FailureMalformed  FailureKind = "malformed"
	FailureAction     FailureKind = "action"
	FailureCancelled  FailureKind = "cancelled"
	FailureDependency FailureKind = "dependency"
	// FailurePending 表示交易已广播但未确认。
	FailurePending FailureKind = "pending"
)

// StepFailure 是步骤失败的详情。失败是数据而不是 Go 错误。
type StepFailure struct {
	Kind    FailureKind `json:"kind"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message"`
}

// Transient 表示该失败可以通过重试同一计划解决。
func (f *StepFailure) Transient() bool {
	if f == nil {
		return false
	}
	return f.Kind == FailureTimeout || f.Kind == FailureTransport
}

// ambiguous 表示非幂等调用可能已经生效。
func (f *StepFailure) ambiguous() bool {
	if f == nil {
		return false
	}
	switch f.Kind {
	case FailureTimeout, FailureTransport, FailureCancelled, FailurePending:
		return true
	}
	return false
}

// uncertain 表示该步骤确实发出过调用且结果未知。
func (r StepResult) uncertain() bool {
	return r.Status == StepFailed && r.Failure.ambiguous()
}

// Unsettled 记录会话内结果未知的非幂等动作，按目标登记并跨重新规划保留。
// 新计划中指向同一目标的同类动作需要 Confirmer 同意才会发送。
type Unsettled struct {
	byTarget map[string]StepResult
}

// NewUnsettled 创建空的登记表。
func NewUnsettled() *Unsettled {
	return &Unsettled{byTarget: map[string]StepResult{}}
}

// Lookup 返回与 action 目标相同且结果未知的最近一次步骤。
func (u *Unsettled) Lookup(action Action) (StepResult, bool) {
	if u == nil {
		return StepResult{}, false
	}
	for _, key := range mutationTargets(action) {
		if r, ok := u.byTarget[key]; ok {
			return r, true
		}
	}
	return StepResult{}, false
}

// Len 返回尚未确认的目标数。
func (u *Unsettled) Len() int {
	if u == nil {
		return 0
	}
	return len(u.byTarget)
}

// note 根据最新结果更新登记：结果未知则登记，成功则清除，确定的失败保持原状。
func (u *Unsettled) note(action Action, r StepResult) {
	if u == nil || !action.Mutating() {
		return
	}
	for _, key := range mutationTargets(action) {
		switch {
		case r.uncertain():
			u.byTarget[key] = r
		case r.Succeeded():
			delete(u.byTarget, key)
		}
	}
}

// mutationTargets 给出非幂等动作的去向，gas 等参数不参与。
func mutationTargets(action Action) []string {
	switch a := action.(type) {
	case TransferValue:
		return []string{"transfer:" + strings.ToLower(a.To)}
	case CallFunction:
		if a.ReadOnly {
			return nil
		}
		return []string{"call:" + strings.ToLower(a.Contract)}
	case DeployContract:
		return []string{"deploy:" + strings.ToLower(a.Bytecode)}
	case BatchCall:
		var out []string
		for _, call := range a.Calls {
			out = append(out, mutationTargets(call)...)
		}
		return out
	}
	return nil
}

// StepResult 是单个动作的执行结果，创建后不再修改。
type StepResult struct {
	Index    int            `json:"index"`
	Kind     ActionKind     `json:"kind"`
	Status   StepStatus     `json:"status"`
	Payload  map[string]any `json:"payload,omitempty"`
	Failure  *StepFailure   `json:"failure,omitempty"`
	Reused   bool           `json:"reused,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
}

// Succeeded 判断步骤是否成功。
func (r StepResult) Succeeded() bool { return r.Status == StepSucceeded }

// Reason 返回失败或跳过的原因。
func (r StepResult) Reason() string {
	switch {
	case r.Status == StepSucceeded:
		return ""
	case r.Failure == nil:
		return string(r.Status)
	case r.Status == StepSkipped:
		return "skipped: " + r.Failure.Message
	case r.Failure.Code != 0:
		return fmt.Sprintf("%s error %d: %s", r.Failure.Kind, r.Failure.Code, r.Failure.Message)
	default:
		return fmt.Sprintf("%s: %s", r.Failure.Kind, r.Failure.Message)
	}
}

func succeeded(index int, kind ActionKind, payload map[string]any, elapsed time.Duration) StepResult {
	return StepResult{Index: index, Kind: kind, Status: StepSucceeded, Payload: payload, Duration: elapsed}
}

func failed(index int, kind ActionKind, failure StepFailure, payload map[string]any, elapsed time.Duration) StepResult {
	return StepResult{Index: index, Kind: kind, Status: StepFailed, Failure: &failure, Payload: payload, Duration: elapsed}
}

func skipped(index int, kind ActionKind, reason FailureKind, message string) StepResult {
	return StepResult{Index: index, Kind: kind, Status: StepSkipped, Failure: &StepFailure{Kind: reason, Message: message}}
}

// tally 统计各状态的步骤数量。
func tally(results []StepResult) (ok, bad, skip int) {
	for _, r := range results {
		switch r.Status {
		case StepSucceeded:
			ok++
		case StepFailed:
			bad++
		case StepSkipped:
			skip++
		}
	}
	return ok, bad, skip
}

package task

import (
	stdErrors "errors"

	"ChainLoop/internal/agent"
	xerrors "ChainLoop/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// OutcomeSummary 是会话结果的精简版本，随任务一同持久化。
type OutcomeSummary struct {
	SessionID string       `json:"session_id"`
	Accepted  bool         `json:"accepted"`
	State     string       `json:"state"`
	Score     int          `json:"score"`
	Attempts  int          `json:"attempts"`
	Plans     int          `json:"plans"`
	Rationale string       `json:"rationale"`
	Message   string       `json:"message"`
	ErrorCode xerrors.Code `json:"error_code,omitempty"`
	Steps     int          `json:"steps"`
	Succeeded int          `json:"succeeded"`
	Duration  int64        `json:"duration_ms"`
}

// Summarize 将会话结果压缩为任务摘要，out 为空时返回 nil。
func Summarize(out *agent.Outcome) *OutcomeSummary {
	if out == nil {
		return nil
	}
	summary := &OutcomeSummary{
		SessionID: out.SessionID,
		Accepted:  out.Accepted,
		State:     string(out.State),
		Score:     out.Score,
		Attempts:  out.Attempts,
		Plans:     out.Plans,
		Rationale: out.Rationale,
		Message:   out.Message(),
		ErrorCode: out.ErrorCode,
		Steps:     len(out.Results),
		Duration:  out.Duration.Milliseconds(),
	}
	for _, r := range out.Results {
		if r.Succeeded() {
			summary.Succeeded++
		}
	}
	return summary
}

// Task 描述了一条排队执行的自然语言请求。
type Task struct {
	ID         string          `json:"id"`
	Request    string          `json:"request"`
	Status     Status          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	Outcome    *OutcomeSummary `json:"outcome,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
}

// Done 判断任务是否已到达终态。
func (t *Task) Done() bool {
	return t != nil && (t.Status == StatusSucceeded || t.Status == StatusFailed)
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经到达终态。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskExhausted):
		return target == CodeTaskExhausted
	}
	return false
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func cloneTask(task *Task) *Task {
	clone := *task
	if task.Outcome != nil {
		outcome := *task.Outcome
		clone.Outcome = &outcome
	}
	return &clone
}

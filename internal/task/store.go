package task

import (
	"context"

	xerrors "ChainLoop/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 仅当任务处于 pending 且已执行次数等于 attempt 时将其置为 running，并将次数加一。
	Claim(ctx context.Context, id string, attempt int) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, outcome *OutcomeSummary) error
	// MarkFailed 记录失败原因；terminal 为 false 时任务回到 pending 等待重投。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, outcome *OutcomeSummary, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}

// claimError 在无法领取任务时给出具体原因。
func claimError(task *Task) error {
	switch {
	case task.Done():
		return ErrTaskCompleted
	case task.Attempts >= task.MaxRetries:
		return ErrTaskExhausted
	}
	return ErrTaskConflict
}

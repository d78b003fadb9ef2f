package task

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainLoop/internal/errors"
)

// MemoryStore 在内存中维护任务状态，适合单进程部署与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建内存任务存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 保存新任务。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[task.ID]; exists {
		return ErrTaskConflict
	}
	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Claim 领取待执行任务。
func (m *MemoryStore) Claim(_ context.Context, id string, attempt int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if task.Status != StatusPending || task.Attempts != attempt || task.Attempts >= task.MaxRetries {
		return cloneTask(task), claimError(task)
	}
	task.Status = StatusRunning
	task.Attempts++
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return cloneTask(task), nil
}

// MarkSucceeded 记录被接受的会话结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, outcome *OutcomeSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusSucceeded
	task.Outcome = copyOutcome(outcome)
	task.LastError = ""
	task.ErrorCode = ""
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 记录失败信息。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, outcome *OutcomeSummary, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	task.Status = StatusPending
	if terminal {
		task.Status = StatusFailed
	}
	if outcome != nil {
		task.Outcome = copyOutcome(outcome)
	}
	task.LastError = lastError
	task.ErrorCode = string(code)
	task.UpdatedAt = time.Now().Unix()
	return nil
}

// List 按过滤条件返回任务列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	matched := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			matched = append(matched, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.UpdatedAt != b.UpdatedAt {
			if opts.Order == SortByUpdatedAsc {
				return a.UpdatedAt < b.UpdatedAt
			}
			return a.UpdatedAt > b.UpdatedAt
		}
		if opts.Order == SortByUpdatedAsc {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})

	if opts.Offset >= len(matched) {
		return []*Task{}, nil
	}
	matched = matched[opts.Offset:]
	if len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Stats 统计符合过滤条件的任务数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TaskStats{}
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		}
		if task.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = task.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (task.UpdatedAt != 0 && task.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = task.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无操作。
func (m *MemoryStore) Close() error {
	return nil
}

func copyOutcome(outcome *OutcomeSummary) *OutcomeSummary {
	if outcome == nil {
		return nil
	}
	c := *outcome
	return &c
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && task.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if len(opts.OutcomeStates) > 0 {
		if task.Outcome == nil || !slices.Contains(opts.OutcomeStates, task.Outcome.State) {
			return false
		}
	}
	if opts.MinScore != nil && (task.Outcome == nil || task.Outcome.Score < *opts.MinScore) {
		return false
	}
	if opts.Query != "" {
		q := strings.ToLower(opts.Query)
		if !strings.Contains(strings.ToLower(task.ID), q) &&
			!strings.Contains(strings.ToLower(task.Request), q) &&
			!strings.Contains(strings.ToLower(task.LastError), q) {
			return false
		}
	}
	return true
}

var _ Store = (*MemoryStore)(nil)

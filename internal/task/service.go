package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/observability/metrics"
	"ChainLoop/pkg/logger"
)

// DefaultMaxRetries 是任务默认的最大执行次数。
const DefaultMaxRetries = 3

// Service 负责任务的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的任务并推送到队列。
func (s *Service) Submit(ctx context.Context, request string) (*Task, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, xerrors.New(CodeTaskValidation, "request must not be empty")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "任务服务未初始化")
	}

	task := &Task{
		ID:         uuid.NewString(),
		Request:    request,
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, Envelope{TaskID: task.ID}); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", task.ID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(context.WithoutCancel(ctx), task.ID, CodeTaskPublish, wrapped.Error(), nil, true)
		return nil, wrapped
	}
	metrics.ObserveTask(string(StatusPending))
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", task.ID),
		slog.String("request", task.Request),
		slog.Int("max_retries", task.MaxRetries),
	)
	return task, nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "任务存储未初始化")
	}
	return s.store.Get(ctx, strings.TrimSpace(id))
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeConfigInvalid, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeConfigInvalid, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// WaitUntilCompleted 轮询任务直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/observability/alerting"
	"ChainLoop/internal/observability/metrics"
	"ChainLoop/pkg/logger"
)

const bookkeepingTimeout = 10 * time.Second

// Processor 负责从队列消费任务，并把请求交给租借到的 Runner 执行。
type Processor struct {
	pool        *RunnerPool
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor，Runner 池的容量与 worker 数量一致。
func NewProcessor(factory RunnerFactory, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	if p.logger == nil {
		p.logger = logger.Named("task")
	}
	p.pool = NewRunnerPool(factory, p.workerCount)
	return p
}

// Start 启动任务处理循环，ctx 结束后返回。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeConfigInvalid, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// Close 释放 Runner 池。
func (p *Processor) Close() error {
	return p.pool.Close()
}

func (p *Processor) handle(ctx context.Context, env Envelope) error {
	if p.store == nil {
		return xerrors.New(xerrors.CodeConfigInvalid, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, env.TaskID, env.Attempt)
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) || IsTaskError(err, CodeTaskCompleted) ||
			IsTaskError(err, CodeTaskExhausted) || IsTaskError(err, CodeTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", env.TaskID), slog.Int("attempt", env.Attempt), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", env.TaskID))
		return err
	}
	metrics.ObserveTask(string(StatusRunning))
	log := p.logger.With(slog.String("task_id", task.ID), slog.Int("attempt", task.Attempts))

	runner, err := p.pool.Acquire(ctx)
	if err != nil {
		return p.handleRunnerFailure(ctx, task, nil, fmt.Errorf("acquire runner: %w", err))
	}
	log.Info("开始执行任务")
	out, runErr := runner.Run(ctx, task.Request)
	p.pool.Release(runner)

	if runErr != nil {
		return p.handleRunnerFailure(ctx, task, Summarize(out), runErr)
	}
	summary := Summarize(out)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if summary == nil || !summary.Accepted {
		// 会话以 Failed 结束：终态，不再重试。
		code, reason := CodeTaskProcessing, "session returned no outcome"
		if summary != nil {
			reason = summary.Rationale
			if summary.ErrorCode != "" {
				code = summary.ErrorCode
			}
		}
		if err := p.store.MarkFailed(bg, task.ID, code, reason, summary, true); err != nil {
			log.Error("标记任务失败状态出错", slog.Any("error", err))
			return err
		}
		metrics.ObserveTask(string(StatusFailed))
		logger.Audit().Warn("任务执行失败",
			slog.String("task_id", task.ID),
			slog.String("error_code", string(code)),
			slog.Bool("terminal", true),
			slog.Int("attempts", task.Attempts),
		)
		p.emitAlert(bg, task, code, reason, summary, "session_failed")
		return nil
	}

	if err := p.store.MarkSucceeded(bg, task.ID, summary); err != nil {
		log.Error("标记任务成功状态失败", slog.Any("error", err))
		return err
	}
	metrics.ObserveTask(string(StatusSucceeded))
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("session_id", summary.SessionID),
		slog.Int("score", summary.Score),
	)
	return nil
}

// handleRunnerFailure 处理 Runner 返回的错误：未达上限时重投，否则终止并告警。
func (p *Processor) handleRunnerFailure(ctx context.Context, task *Task, summary *OutcomeSummary, runErr error) error {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	code := xerrors.CodeOf(runErr)
	coded := code != xerrors.CodeUnknown
	if !coded {
		code = CodeTaskProcessing
	}
	stage := "retries_exhausted"
	terminal := task.Attempts >= task.MaxRetries
	switch {
	case terminal:
		code = CodeTaskExhausted
	case coded && !xerrors.Retryable(runErr):
		// 明确不可重试的错误码直接终止。
		terminal, stage = true, "non_retryable"
	}
	if err := p.store.MarkFailed(bg, task.ID, code, runErr.Error(), summary, terminal); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行出错",
		slog.String("task_id", task.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	if terminal {
		metrics.ObserveTask(string(StatusFailed))
		p.emitAlert(bg, task, code, runErr.Error(), summary, stage)
		return nil
	}

	metrics.ObserveTask(string(StatusPending))
	if pubErr := p.producer.Publish(bg, Envelope{TaskID: task.ID, Attempt: task.Attempts}); pubErr != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		if err := p.store.MarkFailed(bg, task.ID, CodeTaskPublish, wrapped.Error(), nil, true); err != nil {
			p.logger.Error("回写失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		}
		p.emitAlert(bg, task, CodeTaskPublish, wrapped.Error(), summary, "requeue")
		return wrapped
	}
	p.logger.Debug("任务已重新排队", slog.String("task_id", task.ID), slog.Int("attempts", task.Attempts))
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, task *Task, code xerrors.Code, message string, summary *OutcomeSummary, stage string) {
	if p.alerter == nil || task == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if message == "" {
		message = attrs.Message
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     task.ID,
		Attempts:   task.Attempts,
		MaxRetries: task.MaxRetries,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if summary != nil {
		event.SessionID = summary.SessionID
		event.Metadata["score"] = strconv.Itoa(summary.Score)
		event.Metadata["plans"] = strconv.Itoa(summary.Plans)
	}
	if err := p.alerter.Notify(ctx, event); err != nil && !stdErrors.Is(err, context.Canceled) {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", task.ID),
			slog.String("stage", stage),
		)
	}
}

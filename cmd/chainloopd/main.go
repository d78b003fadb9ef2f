package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ChainLoop/internal/api"
	"ChainLoop/internal/app"
	"ChainLoop/internal/config"
	"ChainLoop/internal/task"
	"ChainLoop/pkg/logger"
)

// main 是 ChainLoop 守护进程的入口：HTTP API 与任务处理器。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainloopd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(config.ResolvePath(""))
	if err != nil {
		return err
	}
	if err := app.InitLogging(cfg.Logging, false); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("chainloopd")

	components, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.History.Close()

	store, err := app.NewTaskStore(ctx, cfg.Task.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	queue, err := app.NewTaskQueue(ctx, cfg.Task.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			lg.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	}()

	service := task.NewService(store, queue, cfg.Task.MaxRetries)
	processorOpts := []task.ProcessorOption{
		task.WithWorkerCount(cfg.Task.Workers),
		task.WithProcessorLogger(logger.Named("task")),
	}
	if components.Alerter != nil {
		processorOpts = append(processorOpts, task.WithAlertDispatcher(components.Alerter))
	}
	processor := task.NewProcessor(components.RunnerFactory(), store, queue, queue, processorOpts...)
	defer processor.Close()

	server := api.NewServer(cfg.Server.Address, service, components.History,
		api.WithTokens(cfg.Server.AuthTokens),
		api.WithRateLimit(cfg.Server.RateLimit.RequestsPerSecond, cfg.Server.RateLimit.Burst),
		api.WithLogger(logger.Named("api")),
	)

	lg.Info("ChainLoop 守护进程启动",
		slog.String("interpreter", cfg.Agent.Interpreter),
		slog.String("task_store", cfg.Task.Store.Driver),
		slog.String("task_queue", cfg.Task.Queue.Driver),
		slog.Int("workers", cfg.Task.Workers),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCancel(processor.Start(groupCtx))
	})
	group.Go(func() error {
		return ignoreCancel(server.Start(groupCtx))
	})
	if err := group.Wait(); err != nil {
		return err
	}
	lg.Info("ChainLoop 守护进程已退出")
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ChainLoop/internal/app"
	"ChainLoop/internal/config"
	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"
	"ChainLoop/internal/web3/provider"
	"ChainLoop/pkg/logger"
)

// main 启动工具进程：stdin/stdout 承载协议帧，日志只写 stderr。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "chainloop-tools: %v\n", err)
		os.Exit(1)
	}
}

type stdio struct {
	io.Reader
	io.Writer
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	if err := config.LoadEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(config.ResolvePath(""))
	if err != nil {
		return err
	}
	if err := app.InitLogging(cfg.Logging, true); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("chainloop-tools")

	policy, err := toolprovider.LoadPolicy(cfg.ToolProvider.CapabilityPolicy)
	if err != nil {
		return err
	}

	registry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer registry.Close()

	client, err := registry.DefaultClient()
	if err != nil {
		return err
	}
	tools, err := toolprovider.New(client,
		toolprovider.WithPolicy(policy),
		toolprovider.WithChainName(registry.DefaultChain()),
		toolprovider.WithLogger(logger.Named("toolprovider")),
	)
	if err != nil {
		return err
	}

	srv := tools.Server(toolrpc.WithServerLogger(logger.Named("toolrpc")))
	log.Info("工具进程已就绪",
		slog.String("chain", registry.DefaultChain()),
		slog.Any("chains", registry.Chains()),
		slog.Int("capabilities", len(tools.Capabilities())),
	)

	err = srv.Serve(ctx, stdio{Reader: in, Writer: out})
	if errors.Is(err, context.Canceled) {
		log.Info("收到退出信号")
		return nil
	}
	if err == nil {
		log.Info("stdin 已关闭，工具进程退出")
	}
	return err
}

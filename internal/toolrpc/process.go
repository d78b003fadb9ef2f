package toolrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"ChainLoop/pkg/logger"
)

// Dialer 建立一条新的通道。通道失效后由持有者再次调用以重建连接。
type Dialer func(ctx context.Context) (*Channel, error)

// ProcessConfig 描述如何启动工具进程。
type ProcessConfig struct {
	Command string
	Args    []string
	// Env 追加到当前进程环境变量之后。
	Env []string
	Dir string
	// Stderr 为空时逐行写入日志。
	Stderr io.Writer
	// StopTimeout 是关闭 stdin 后等待进程退出的时间，超时则强制结束。
	StopTimeout time.Duration
}

// Process 是以 stdin/stdout 作为字节流的子进程。
type Process struct {
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser
	stopTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// SpawnProcess 启动工具进程。进程生命周期不受 ctx 约束，ctx 只用于启动前的取消检查。
func SpawnProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	if cfg.Command == "" {
		return nil, errors.New("tool provider command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = append(os.Environ(), cfg.Env...)
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = newLineLogger(logger.Named("tool-provider").With(slog.String("command", cfg.Command)))
	}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tool provider %s: %w", cfg.Command, err)
	}

	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = 2 * time.Second
	}
	return &Process{cmd: cmd, stdin: stdin, stdout: stdout, stopTimeout: stop}, nil
}

func (p *Process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *Process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Pid 返回子进程号。
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Kill 立即结束子进程，不等待回收。
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Close 关闭 stdin 让进程自行退出，超时后强制结束并回收。
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		select {
		case err := <-done:
			p.closeErr = ignoreExit(err)
		case <-time.After(p.stopTimeout):
			_ = p.Kill()
			p.closeErr = ignoreExit(<-done)
		}
	})
	return p.closeErr
}

func ignoreExit(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// ProcessDialer 每次拨号都启动一个新的工具进程。
func ProcessDialer(cfg ProcessConfig, opts ...ChannelOption) Dialer {
	return func(ctx context.Context) (*Channel, error) {
		proc, err := SpawnProcess(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewChannel(proc, opts...), nil
	}
}

// InProcessDialer 通过内存管道连接到同进程内的 Server，每次拨号得到独立的连接。
func InProcessDialer(srv *Server, opts ...ChannelOption) Dialer {
	return func(ctx context.Context) (*Channel, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			_ = srv.Serve(context.Background(), server)
		}()
		return NewChannel(client, opts...), nil
	}
}

type lineLogger struct {
	mu  sync.Mutex
	log *slog.Logger
	buf []byte
}

func newLineLogger(l *slog.Logger) *lineLogger {
	return &lineLogger{log: l}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:idx]); len(line) > 0 {
			w.log.Info(string(line))
		}
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

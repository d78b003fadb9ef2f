package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"
	"ChainLoop/pkg/logger"
)

// Link 独占一个工具通道，负责惰性建连与一次自动重连。
type Link struct {
	dial   toolrpc.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	ch       *toolrpc.Channel
	failures int
}

// NewLink 创建 Link，首次调用时才会拨号。
func NewLink(dial toolrpc.Dialer, log *slog.Logger) *Link {
	if log == nil {
		log = logger.Named("link")
	}
	return &Link{dial: dial, logger: log}
}

// Reset 清空连续传输失败计数，每个会话开始时调用。
func (l *Link) Reset() {
	l.mu.Lock()
	l.failures = 0
	l.mu.Unlock()
}

// Call 发起一次调用。
//
// 传输失败时关闭旧通道并重连一次，重连成功后以 ping 确认，再把本次的传输失败返回给调用方。
// 连续第二次传输失败或重连失败时返回 ErrProviderUnreachable。重连用的 ping 不清零计数，
// 只有动作调用得到响应才算恢复。
func (l *Link) Call(ctx context.Context, method string, params any, out any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch, err := l.channel(ctx)
	if err != nil {
		return err
	}

	err = ch.CallInto(ctx, method, params, out)
	perr, isProtocol := toolrpc.AsProtocolError(err)
	switch {
	case err == nil:
		l.failures = 0
		return nil
	case !isProtocol:
		return err
	case perr.Kind == toolrpc.Remote || perr.Kind == toolrpc.Malformed:
		// 对端有响应，计数清零。
		l.failures = 0
		return err
	case perr.Kind != toolrpc.Transport:
		return err
	}

	l.failures++
	l.drop()
	l.logger.Warn("工具通道传输失败", slog.String("method", method), slog.Int("consecutive", l.failures), slog.Any("error", err))
	if l.failures >= 2 {
		return fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	if rerr := l.reconnect(ctx); rerr != nil {
		return fmt.Errorf("%w: reconnect after %v: %w", ErrProviderUnreachable, err, rerr)
	}
	return err
}

// Ping 检查工具进程是否存活。
func (l *Link) Ping(ctx context.Context) (toolprovider.PingResult, error) {
	var out toolprovider.PingResult
	err := l.Call(ctx, toolprovider.MethodPing, nil, &out)
	return out, err
}

// Capabilities 返回工具进程公开的能力列表。
func (l *Link) Capabilities(ctx context.Context) (toolprovider.CapabilityList, error) {
	var out toolprovider.CapabilityList
	err := l.Call(ctx, toolprovider.MethodListCapabilities, nil, &out)
	return out, err
}

// Close 关闭当前通道。
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ch == nil {
		return nil
	}
	err := l.ch.Close()
	l.ch = nil
	return err
}

func (l *Link) channel(ctx context.Context) (*toolrpc.Channel, error) {
	if l.ch != nil {
		select {
		case <-l.ch.Done():
			return l.recover(ctx)
		default:
			return l.ch, nil
		}
	}
	if l.dial == nil {
		return nil, fmt.Errorf("%w: no dialer configured", ErrProviderUnreachable)
	}
	ch, err := l.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrProviderUnreachable, err)
	}
	l.ch = ch
	return ch, nil
}

// recover 处理空闲期间断开的通道：计为一次传输失败，并占用同一份重连额度。
func (l *Link) recover(ctx context.Context) (*toolrpc.Channel, error) {
	l.drop()
	l.failures++
	l.logger.Warn("工具通道已断开", slog.Int("consecutive", l.failures))
	if l.failures >= 2 {
		return nil, fmt.Errorf("%w: channel closed by provider", ErrProviderUnreachable)
	}
	if err := l.reconnect(ctx); err != nil {
		return nil, fmt.Errorf("%w: reconnect: %w", ErrProviderUnreachable, err)
	}
	return l.ch, nil
}

func (l *Link) drop() {
	if l.ch != nil {
		_ = l.ch.Close()
		l.ch = nil
	}
}

func (l *Link) reconnect(ctx context.Context) error {
	ch, err := l.dial(ctx)
	if err != nil {
		return err
	}
	if _, err := ch.Call(ctx, toolprovider.MethodPing, nil); err != nil {
		_ = ch.Close()
		return err
	}
	l.ch = ch
	l.logger.Info("工具通道已重连")
	return nil
}

package task

import (
	"context"
	"errors"
	"sync"

	"ChainLoop/internal/agent"
)

// Runner 执行一次完整会话，*agent.Orchestrator 即满足该接口。
type Runner interface {
	Run(ctx context.Context, request string) (*agent.Outcome, error)
	Close() error
}

// RunnerFactory 按需创建 Runner，每个 Runner 独占自己的工具通道。
type RunnerFactory func(ctx context.Context) (Runner, error)

// ErrPoolClosed 表示 Runner 池已关闭。
var ErrPoolClosed = errors.New("runner pool closed")

// RunnerPool 维护至多 size 个 Runner，同一时刻每个 Runner 只租借给一个 worker。
type RunnerPool struct {
	factory RunnerFactory
	idle    chan Runner
	slots   chan struct{}

	mu     sync.Mutex
	all    []Runner
	closed bool
}

// NewRunnerPool 创建 Runner 池，Runner 在首次租借时才创建。
func NewRunnerPool(factory RunnerFactory, size int) *RunnerPool {
	if size <= 0 {
		size = 1
	}
	return &RunnerPool{
		factory: factory,
		idle:    make(chan Runner, size),
		slots:   make(chan struct{}, size),
	}
}

// Acquire 租借一个空闲 Runner；池满时阻塞直到有 Runner 归还或 ctx 结束。
func (p *RunnerPool) Acquire(ctx context.Context) (Runner, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case r := <-p.idle:
		return r, nil
	default:
	}
	select {
	case r := <-p.idle:
		return r, nil
	case p.slots <- struct{}{}:
		r, err := p.create(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release 归还 Runner。
func (p *RunnerPool) Release(r Runner) {
	if r == nil {
		return
	}
	if p.isClosed() {
		_ = r.Close()
		return
	}
	p.idle <- r
}

// Close 关闭所有已创建的 Runner。
func (p *RunnerPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := p.all
	p.all = nil
	p.mu.Unlock()

	var errs []error
	for _, r := range all {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size 返回已创建的 Runner 数量。
func (p *RunnerPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all)
}

func (p *RunnerPool) create(ctx context.Context) (Runner, error) {
	if p.factory == nil {
		return nil, errors.New("runner factory not configured")
	}
	r, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = r.Close()
		return nil, ErrPoolClosed
	}
	p.all = append(p.all, r)
	return r, nil
}

func (p *RunnerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

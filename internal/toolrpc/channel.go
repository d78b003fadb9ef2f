package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"ChainLoop/pkg/logger"
)

// Observer 在每次调用结束后被回调，用于埋点。
type Observer func(method string, elapsed time.Duration, err error)

// ChannelOption 配置 Channel。
type ChannelOption func(*Channel)

// WithCallTimeout 设置单次调用的默认超时，0 表示仅依赖调用方的 context。
func WithCallTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.timeout = d
	}
}

// WithLogger 指定通道日志。
func WithLogger(l *slog.Logger) ChannelOption {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver 注册调用观察者。
func WithObserver(o Observer) ChannelOption {
	return func(c *Channel) {
		c.observer = o
	}
}

type callResult struct {
	msg *Message
	err error
}

// Channel 是工具协议的客户端一侧。所有方法都可以并发调用。
type Channel struct {
	writer   *frameWriter
	closer   io.Closer
	timeout  time.Duration
	logger   *slog.Logger
	observer Observer

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan callResult
	err     *ProtocolError

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChannel 在给定的双向字节流上建立通道并启动读循环。通道关闭时会关闭 rwc。
func NewChannel(rwc io.ReadWriteCloser, opts ...ChannelOption) *Channel {
	c := &Channel{
		writer:  &frameWriter{w: rwc},
		closer:  rwc,
		logger:  logger.Named("toolrpc"),
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(rwc)
	return c
}

// Call 发送一次请求并等待同 id 的响应。
func (c *Channel) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.call(ctx, method, params)
	if c.observer != nil {
		c.observer(method, time.Since(start), err)
	}
	return raw, err
}

// CallInto 与 Call 相同，并把结果解码到 out。解码失败视为 Malformed。
func (c *Channel) CallInto(ctx context.Context, method string, params any, out any) error {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProtocolError{Kind: Malformed, Method: method, Message: "result does not match schema", Err: err}
	}
	return nil
}

func (c *Channel) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, &ProtocolError{Kind: Malformed, Method: method, Message: "encode params", Err: err}
		}
		rawParams = data
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.seq.Add(1)
	ch := make(chan callResult, 1)
	c.mu.Lock()
	if c.pending == nil {
		cause := c.err
		c.mu.Unlock()
		return nil, &ProtocolError{Kind: Transport, Method: method, ID: id, Message: "channel closed", Err: cause}
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writer.write(&Message{ID: id, Kind: KindRequest, Method: method, Params: rawParams}); err != nil {
		c.forget(id)
		perr := &ProtocolError{Kind: Transport, Method: method, ID: id, Message: "write request", Err: err}
		c.shutdown(perr)
		return nil, perr
	}

	select {
	case res := <-ch:
		return resolve(method, id, res)
	case <-ctx.Done():
		c.forget(id)
		select {
		case res := <-ch:
			return resolve(method, id, res)
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ProtocolError{Kind: Timeout, Method: method, ID: id, Err: ctx.Err()}
		}
		return nil, ctx.Err()
	}
}

func resolve(method string, id uint64, res callResult) (json.RawMessage, error) {
	if res.err != nil {
		if perr, ok := res.err.(*ProtocolError); ok {
			clone := *perr
			clone.Method, clone.ID = method, id
			return nil, &clone
		}
		return nil, res.err
	}
	msg := res.msg
	switch {
	case msg.Kind != KindResponse:
		return nil, &ProtocolError{Kind: Malformed, Method: method, ID: id, Message: "unexpected frame kind " + string(msg.Kind)}
	case msg.Error != nil:
		return nil, &ProtocolError{Kind: Remote, Method: method, ID: id, Code: msg.Error.Code, Message: msg.Error.Message}
	case len(msg.Result) == 0:
		return nil, &ProtocolError{Kind: Malformed, Method: method, ID: id, Message: "response carries neither result nor error"}
	}
	return msg.Result, nil
}

func (c *Channel) readLoop(r io.Reader) {
	reader := newFrameReader(r)
	for {
		frame, err := reader.next()
		if err != nil {
			msg := "stream closed"
			if !errors.Is(err, io.EOF) {
				msg = "read frame"
			}
			c.shutdown(&ProtocolError{Kind: Transport, Message: msg, Err: err})
			return
		}
		var msg Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			id, ok := peekID(frame)
			if !ok {
				c.logger.Warn("丢弃无法解析的帧", slog.Int("bytes", len(frame)), slog.Any("error", err))
				continue
			}
			c.deliver(id, callResult{err: &ProtocolError{Kind: Malformed, Message: "decode frame", Err: err}})
			continue
		}
		c.deliver(msg.ID, callResult{msg: &msg})
	}
}

func (c *Channel) deliver(id uint64, res callResult) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("丢弃无人等待的响应", slog.Uint64("id", id))
		return
	}
	ch <- res
}

func (c *Channel) forget(id uint64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Channel) shutdown(cause *ProtocolError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = cause
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, ch := range pending {
			ch <- callResult{err: cause}
		}
		close(c.closed)
		if err := c.closer.Close(); err != nil {
			c.logger.Debug("关闭底层连接失败", slog.Any("error", err))
		}
	})
}

// Close 关闭通道，所有等待中的调用以 Transport 失败返回。
func (c *Channel) Close() error {
	c.shutdown(&ProtocolError{Kind: Transport, Message: "channel closed by owner"})
	return nil
}

// Done 在通道关闭后可读。
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Err 返回导致通道关闭的原因，未关闭时为 nil。
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

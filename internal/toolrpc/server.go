package toolrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"ChainLoop/pkg/logger"
)

// HandlerFunc 处理一次请求。返回 *RemoteError 时错误码原样回传，其他错误映射为内部错误。
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ServerOption 配置 Server。
type ServerOption func(*Server)

// WithServerLogger 指定服务端日志。
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 把请求帧分发给注册的处理函数。同一连接上的请求并发执行，响应串行写回。
type Server struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewServer 创建空的服务端。
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		handlers: make(map[string]HandlerFunc),
		logger:   logger.Named("toolrpc-server"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle 注册方法处理函数，重复注册会覆盖。
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Methods 返回已注册的方法名。
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type inbound struct {
	frame []byte
	err   error
}

// Serve 在 rw 上处理请求，直到流结束或 ctx 取消。流正常结束时返回 nil。
func (s *Server) Serve(ctx context.Context, rw io.ReadWriter) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	// 连接结束后取消仍在执行的处理函数，它们的响应已无法送达。
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := &frameWriter{w: rw}
	frames := make(chan inbound)
	go func() {
		reader := newFrameReader(rw)
		for {
			frame, err := reader.next()
			select {
			case frames <- inbound{frame: frame, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, io.EOF) {
					return nil
				}
				return fmt.Errorf("read request: %w", in.err)
			}
			s.dispatch(ctx, &wg, writer, in.frame)
		}
	}
}

func (s *Server) dispatch(ctx context.Context, wg *sync.WaitGroup, writer *frameWriter, frame []byte) {
	var req Message
	if err := json.Unmarshal(frame, &req); err != nil {
		id, _ := peekID(frame)
		s.reply(writer, id, nil, NewRemoteError(CodeParseError, "decode request: %v", err))
		return
	}
	if req.Kind != KindRequest || req.Method == "" {
		s.reply(writer, req.ID, nil, NewRemoteError(CodeInvalidRequest, "expected a request frame with a method"))
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.reply(writer, req.ID, nil, NewRemoteError(CodeMethodNotFound, "unknown method %q", req.Method))
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		result, err := invoke(ctx, h, req.Params)
		s.reply(writer, req.ID, result, err)
	}()
}

func invoke(ctx context.Context, h HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewRemoteError(CodeInternal, "handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}

func (s *Server) reply(writer *frameWriter, id uint64, result any, err error) {
	resp := &Message{ID: id, Kind: KindResponse}
	if err != nil {
		var remote *RemoteError
		if !errors.As(err, &remote) {
			remote = &RemoteError{Code: CodeInternal, Message: err.Error()}
		}
		resp.Error = remote
	} else {
		if result == nil {
			result = struct{}{}
		}
		data, mErr := json.Marshal(result)
		if mErr != nil {
			resp.Error = NewRemoteError(CodeInternal, "encode result: %v", mErr)
		} else {
			resp.Result = data
		}
	}
	if wErr := writer.write(resp); wErr != nil {
		s.logger.Warn("写回响应失败", slog.Uint64("id", id), slog.Any("error", wErr))
	}
}

package toolrpc

import (
	"errors"
	"fmt"
)

// ErrorKind 标识通道级失败的类别。
type ErrorKind string

const (
	// Timeout 表示在期限内未收到匹配的响应。
	Timeout ErrorKind = "timeout"
	// Transport 表示底层字节流关闭或读写失败。
	Transport ErrorKind = "transport"
	// Remote 表示工具进程返回了结构化错误。
	Remote ErrorKind = "remote"
	// Malformed 表示响应无法按约定格式解析。
	Malformed ErrorKind = "malformed"
)

// 用于 errors.Is 的哨兵值，只比较 Kind。
var (
	ErrTimeout   = &ProtocolError{Kind: Timeout}
	ErrTransport = &ProtocolError{Kind: Transport}
	ErrRemote    = &ProtocolError{Kind: Remote}
	ErrMalformed = &ProtocolError{Kind: Malformed}
)

// ProtocolError 描述一次调用在通道层面的失败。
type ProtocolError struct {
	Kind    ErrorKind
	Method  string
	ID      uint64
	Code    int
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	var b []byte
	b = fmt.Appendf(b, "toolrpc %s", e.Kind)
	if e.Method != "" {
		b = fmt.Appendf(b, " (%s#%d)", e.Method, e.ID)
	}
	if e.Kind == Remote {
		b = fmt.Appendf(b, ": code %d", e.Code)
	}
	if e.Message != "" {
		b = fmt.Appendf(b, ": %s", e.Message)
	}
	if e.Err != nil {
		b = fmt.Appendf(b, ": %v", e.Err)
	}
	return string(b)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is 按 Kind 匹配哨兵错误。
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// AsProtocolError 从错误链中取出 *ProtocolError。
func AsProtocolError(err error) (*ProtocolError, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// IsTransient 报告错误是否属于超时或传输失败这类与请求内容无关的故障。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

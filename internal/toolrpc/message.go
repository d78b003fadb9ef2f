package toolrpc

import (
	"encoding/json"
	"fmt"
)

// MessageKind 区分请求与响应帧。
type MessageKind string

const (
	KindRequest  MessageKind = "request"
	KindResponse MessageKind = "response"
)

// 与 JSON-RPC 对齐的远端错误码，-320xx 段保留给工具能力自身。
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternal         = -32603
	CodeCapabilityDenied = -32001
	CodeExecutionFailed  = -32002
)

// Message 是线路上的一帧。
type Message struct {
	ID     uint64          `json:"id"`
	Kind   MessageKind     `json:"kind"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RemoteError    `json:"error,omitempty"`
}

// RemoteError 是工具进程返回的结构化错误。处理函数返回 *RemoteError 时原样透传给调用方。
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewRemoteError 构造远端错误。
func NewRemoteError(code int, format string, args ...any) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams 是参数校验失败时的快捷构造。
func InvalidParams(format string, args ...any) *RemoteError {
	return NewRemoteError(CodeInvalidParams, format, args...)
}

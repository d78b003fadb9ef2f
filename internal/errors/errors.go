package errors

import (
	stdErrors "errors"
	"strings"
	"sync"
)

// Code 是跨模块共享的错误码，会出现在任务记录、告警与 HTTP 响应中。
type Code string

// Severity 决定告警级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码，各业务包可通过 Register 追加自己的错误码。
const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeConflict         Code = "CONFLICT"
	CodeTimeout          Code = "TIMEOUT"
	CodeCancelled        Code = "CANCELLED"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeQueueFailure     Code = "QUEUE_FAILURE"
	CodeChainFailure     Code = "CHAIN_FAILURE"
	CodeLLMFailure       Code = "LLM_FAILURE"
	CodeLLMTimeout       Code = "LLM_TIMEOUT"
	CodeProviderFailure  Code = "PROVIDER_FAILURE"
	CodeRetriesExhausted Code = "RETRIES_EXHAUSTED"
)

// Attributes 记录错误码的默认描述与处理策略。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

type catalog struct {
	mu    sync.RWMutex
	codes map[Code]Attributes
}

func (c *catalog) set(code Code, attr Attributes) {
	c.mu.Lock()
	c.codes[code] = attr
	c.mu.Unlock()
}

func (c *catalog) get(code Code) (Attributes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	attr, ok := c.codes[code]
	return attr, ok
}

var known = &catalog{codes: map[Code]Attributes{
	CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo},
	CodeNotFound:         {Message: "resource not found", Severity: SeverityInfo},
	CodeConflict:         {Message: "resource conflict", Severity: SeverityWarning},
	CodeTimeout:          {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},
	CodeCancelled:        {Message: "operation cancelled", Severity: SeverityInfo},
	CodeConfigInvalid:    {Message: "invalid configuration", Severity: SeverityCritical, Alert: true},
	CodeStorageFailure:   {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:     {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeChainFailure:     {Message: "chain backend failure", Severity: SeverityWarning, Retryable: true},
	CodeLLMFailure:       {Message: "llm call failed", Severity: SeverityWarning, Retryable: true},
	CodeLLMTimeout:       {Message: "llm call timed out", Severity: SeverityWarning, Retryable: true},
	CodeProviderFailure:  {Message: "tool provider failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeRetriesExhausted: {Message: "retries exhausted", Severity: SeverityWarning, Alert: true},
}}

// Register 登记或覆盖错误码属性，通常在包初始化时调用。
func Register(code Code, attr Attributes) {
	known.set(code, attr)
}

// AttributesOf 查询错误码属性，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	if attr, ok := known.get(code); ok {
		return attr
	}
	attr, _ := known.get(CodeUnknown)
	return attr
}

// Error 携带错误码与可选的底层原因。
type Error struct {
	code     Code
	message  string
	cause    error
	severity Severity
}

// Option 调整单个错误实例。
type Option func(*Error)

// WithSeverity 覆盖错误码的默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = sev }
}

// New 构造错误；message 留空时取错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 为 cause 附加错误码。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[" + string(e.code) + "] " + e.message)
	if e.cause != nil {
		b.WriteString(": " + e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	var other *Error
	if e == nil || !stdErrors.As(target, &other) || other == nil {
		return false
	}
	return e.code == other.code
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Severity 优先返回实例覆盖值。
func (e *Error) Severity() Severity {
	switch {
	case e == nil:
		return SeverityInfo
	case e.severity != "":
		return e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 提取错误码，普通 error 返回 UNKNOWN。
func CodeOf(err error) Code {
	e, ok := From(err)
	if !ok {
		return CodeUnknown
	}
	return e.Code()
}

// Retryable 判断错误码是否允许重试。
func Retryable(err error) bool {
	e, ok := From(err)
	return ok && AttributesOf(e.code).Retryable
}

package llm

import (
	"context"
	"errors"
	"strings"

	xerrors "ChainLoop/internal/errors"
)

// Request 描述一次补全请求。
type Request struct {
	System      string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// Response 是大模型返回的文本。
type Response struct {
	Text  string
	Model string
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的回复。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Classify 将调用错误映射为统一错误码，超时对应 LLM_TIMEOUT。
func Classify(err error, provider string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return xerrors.Wrap(xerrors.CodeLLMTimeout, err, provider+" request timed out")
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeCancelled, err, provider+" request cancelled")
	}
	return xerrors.Wrap(xerrors.CodeLLMFailure, err, provider+" request failed")
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// Truncate 按字符截断文本。
func Truncate(text string, limit int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}

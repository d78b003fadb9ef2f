package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"ChainLoop/internal/llm"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

const (
	// DefaultModel 是未配置模型时使用的模型。
	DefaultModel     = "claude-3-5-haiku-20241022"
	defaultMaxTokens = 1024
	defaultTimeout   = 60 * time.Second
)

// Config 描述 Anthropic Messages API 的连接参数。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 Messages API 生成文本。
type Client struct {
	client *anthropic.Client
	model  string
}

// NewClient 创建 Anthropic 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Anthropic API Key")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	opts := []anthropic.ClientOption{anthropic.WithHTTPClient(&http.Client{Timeout: timeout})}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(base, "/")))
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{client: anthropic.NewClient(apiKey, opts...), model: model}, nil
}

// Generate 发送单轮对话并拼接返回的文本块。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := req.Temperature

	msgReq := anthropic.MessagesRequest{
		Model: anthropic.Model(c.model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(req.Prompt)},
		}},
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		msgReq.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
	}

	resp, err := c.client.CreateMessages(ctx, msgReq)
	if err != nil {
		return nil, llm.Classify(err, "anthropic")
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, llm.Classify(errors.New("Anthropic 响应内容为空"), "anthropic")
	}
	model := string(resp.Model)
	if model == "" {
		model = c.model
	}
	return &llm.Response{Text: strings.TrimSpace(text.String()), Model: model}, nil
}

package llmplan

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"ChainLoop/internal/agent"
	"ChainLoop/internal/interpreter/rules"
	"ChainLoop/internal/knowledge"
	"ChainLoop/internal/llm"
	"ChainLoop/pkg/logger"
)

const systemPrompt = "" +
	"You are ChainLoop's planner. Translate the user's blockchain request into an ordered list of actions. " +
	"Respond with a single JSON object {\"actions\": [{\"kind\": string, \"params\": object}]} and nothing else. " +
	"Validate every address that a transfer, deployment or contract call involves with a validate_address action placed before it. " +
	"Amounts are decimal wei strings."

const actionSchema = `validate_address  {"address": "0x..."}
read_state        {"query": "balance"|"code", "address": "0x...", "token": "0x... (optional, balance only)"}
transfer_value    {"from": "0x... (optional)", "to": "0x...", "value": "wei", "gas": int (optional)}
deploy_contract   {"from": "0x... (optional)", "bytecode": "0x...", "value": "wei (optional)", "gas": int (optional)}
call_function     {"from": "0x... (optional)", "contract": "0x...", "signature": "name(type,...)", "args": ["..."], "value": "wei (optional)", "read_only": bool}
batch_call        {"calls": [transfer_value or call_function actions in the same {kind, params} form]}`

// Option 定义可选配置。
type Option func(*Interpreter)

// WithKnowledge 设置知识库，命中的条目会作为知识卡片加入提示词。
func WithKnowledge(p knowledge.Provider) Option {
	return func(i *Interpreter) { i.knowledge = p }
}

// WithAddressBook 设置提示词中的地址簿。
func WithAddressBook(book rules.AddressBook) Option {
	return func(i *Interpreter) {
		if len(book) > 0 {
			i.book = book
		}
	}
}

// WithGeneration 设置采样温度与最大输出长度。
func WithGeneration(temperature float32, maxTokens int) Option {
	return func(i *Interpreter) {
		i.temperature = temperature
		if maxTokens > 0 {
			i.maxTokens = maxTokens
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(i *Interpreter) {
		if l != nil {
			i.logger = l
		}
	}
}

// Interpreter 请求大模型生成 JSON 计划。
type Interpreter struct {
	client      llm.Client
	knowledge   knowledge.Provider
	book        rules.AddressBook
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// New 创建基于大模型的解释器。
func New(client llm.Client, opts ...Option) *Interpreter {
	i := &Interpreter{
		client:    client,
		book:      rules.DefaultAddressBook(),
		maxTokens: 1024,
		logger:    logger.Named("llmplan"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

type planResponse struct {
	Actions []json.RawMessage `json:"actions"`
}

// Interpret 实现 agent.Interpreter。
func (i *Interpreter) Interpret(ctx context.Context, req agent.InterpretRequest) ([]agent.Action, error) {
	if i.client == nil {
		return nil, agent.NewInterpretationError(req.Request, "no language model configured")
	}
	resp, err := i.client.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Prompt:      i.prompt(req),
		Temperature: i.temperature,
		MaxTokens:   i.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}
	i.logger.Debug("模型返回计划", slog.Int("attempt", req.Attempt), slog.String("model", resp.Model), slog.String("text", llm.Truncate(resp.Text, 400)))

	actions, err := ParsePlan(resp.Text)
	if err != nil {
		return nil, &agent.InterpretationError{Request: req.Request, Reason: "model returned an unusable plan", Err: err}
	}
	return actions, nil
}

func (i *Interpreter) prompt(req agent.InterpretRequest) string {
	var b strings.Builder
	b.WriteString("## Request\n")
	b.WriteString(strings.TrimSpace(req.Request))
	b.WriteString("\n")
	if prior := strings.TrimSpace(req.PriorFailure); prior != "" {
		fmt.Fprintf(&b, "\nPrevious attempt failed: %s\nProduce a different plan that avoids this failure.\n", prior)
	}

	b.WriteString("\n## Actions\n")
	b.WriteString(actionSchema)
	b.WriteString("\n")

	if names := i.book.Names(); len(names) > 0 {
		b.WriteString("\n## Address book\n")
		for _, name := range names {
			fmt.Fprintf(&b, "%s: %s\n", name, i.book[name])
		}
	}

	if i.knowledge != nil {
		intents := agent.DetectIntents(req.Request)
		tags := make([]string, len(intents))
		for idx, intent := range intents {
			tags[idx] = string(intent)
		}
		if cards := knowledge.Cards(i.knowledge.Query(req.Request, tags)); len(cards) > 0 {
			b.WriteString("\n## Knowledge\n")
			for idx, card := range cards {
				fmt.Fprintf(&b, "[%d] %s: %s\n", idx+1, strings.TrimSpace(card.Title), strings.TrimSpace(card.Content))
			}
		}
	}
	return b.String()
}

// ParsePlan 从模型回复中提取 {"actions": [...]}，允许外层包裹 ```json 代码块。
func ParsePlan(text string) ([]agent.Action, error) {
	body := extractJSON(text)
	if body == "" {
		return nil, fmt.Errorf("no JSON object in reply %q", llm.Truncate(text, 80))
	}
	var plan planResponse
	if err := json.Unmarshal([]byte(body), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if len(plan.Actions) == 0 {
		return nil, fmt.Errorf("plan contains no actions")
	}
	actions := make([]agent.Action, 0, len(plan.Actions))
	for idx, raw := range plan.Actions {
		a, err := agent.UnmarshalAction(raw)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", idx+1, err)
		}
		if err := a.Validate(); err != nil {
			return nil, fmt.Errorf("action %d (%s): %w", idx+1, a.Kind(), err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if start := strings.Index(text, "```"); start >= 0 {
		rest := text[start+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		}
	}
	first := strings.IndexByte(text, '{')
	last := strings.LastIndexByte(text, '}')
	if first < 0 || last <= first {
		return ""
	}
	return text[first : last+1]
}

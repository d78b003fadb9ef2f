package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ChainLoop/internal/llm"
)

const judgeSystemPrompt = "You grade whether blockchain tool results satisfy a user's request. " +
	"Reply with a single number between 0 and 1, where 1 means the request is fully satisfied."

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// LLMJudge 通过大模型评估结果相关性。
type LLMJudge struct {
	client    llm.Client
	maxTokens int
}

// NewLLMJudge 创建基于大模型的相关性评估器。
func NewLLMJudge(client llm.Client) *LLMJudge {
	return &LLMJudge{client: client, maxTokens: 16}
}

// JudgeRelevance 请求模型给出 0 到 1 的分值，100 分制的回答会被换算。
func (j *LLMJudge) JudgeRelevance(ctx context.Context, request string, plan *Plan, results []StepResult) (float64, error) {
	if j == nil || j.client == nil {
		return 0, errors.New("no llm client configured")
	}
	resp, err := j.client.Generate(ctx, llm.Request{
		System:    judgeSystemPrompt,
		Prompt:    judgePrompt(request, plan, results),
		MaxTokens: j.maxTokens,
	})
	if err != nil {
		return 0, err
	}
	return parseScore(resp.Text)
}

func judgePrompt(request string, plan *Plan, results []StepResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n\nSteps:\n", strings.TrimSpace(request))
	for i, r := range results {
		desc := string(r.Kind)
		if plan != nil && i < len(plan.Actions) {
			desc = Describe(plan.Actions[i])
		}
		if r.Succeeded() {
			fmt.Fprintf(&b, "%d. %s -> succeeded %s\n", i+1, desc, llm.Truncate(fmt.Sprint(r.Payload), 160))
		} else {
			fmt.Fprintf(&b, "%d. %s -> %s\n", i+1, desc, r.Reason())
		}
	}
	b.WriteString("\nScore:")
	return b.String()
}

func parseScore(text string) (float64, error) {
	match := numberPattern.FindString(text)
	if match == "" {
		return 0, fmt.Errorf("no score in model reply %q", llm.Truncate(text, 40))
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0, err
	}
	if v > 1 {
		v /= 100
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("score %v out of range", v)
	}
	return v, nil
}

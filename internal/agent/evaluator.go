package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"ChainLoop/internal/toolprovider"
	"ChainLoop/pkg/logger"

	"github.com/google/cel-go/cel"
)

// Cause 表示评估未通过时的归因。
type Cause string

// 归因类别
const (
	CauseNone      Cause = "none"
	CauseTransient Cause = "transient"
	CauseSemantic  Cause = "semantic"
)

// Verdict 是评估器对一次执行的判断。
type Verdict struct {
	Score           int     `json:"score"`
	Accept          bool    `json:"accept"`
	Rationale       string  `json:"rationale"`
	Coverage        float64 `json:"coverage"`
	Relevance       float64 `json:"relevance"`
	SafetyViolation bool    `json:"safety_violation,omitempty"`
	Cause           Cause   `json:"cause"`
}

// RelevanceJudge 给出结果与请求意图的相关度，取值 [0,1]。
type RelevanceJudge interface {
	JudgeRelevance(ctx context.Context, request string, plan *Plan, results []StepResult) (float64, error)
}

// Intent 是从请求文本中识别出的操作意图。
type Intent string

// 支持识别的意图
const (
	IntentTransfer Intent = "transfer"
	IntentBalance  Intent = "balance"
	IntentCode     Intent = "code"
	IntentDeploy   Intent = "deploy"
	IntentCall     Intent = "call"
	IntentValidate Intent = "validate"
)

var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentTransfer, regexp.MustCompile(`(?i)\b(send|transfer|pay)\b`)},
	{IntentBalance, regexp.MustCompile(`(?i)\bbalance\b|\bhow much\b`)},
	{IntentCode, regexp.MustCompile(`(?i)\b(code|bytecode)\s+(at|of)\b`)},
	{IntentDeploy, regexp.MustCompile(`(?i)\bdeploy\b`)},
	{IntentCall, regexp.MustCompile(`(?i)\b(call|invoke)\b|\bread\s+[A-Za-z_][A-Za-z0-9_]*\s*\(`)},
	{IntentValidate, regexp.MustCompile(`(?i)\b(validate|verify)\b|\bcheck\s+address\b`)},
}

// DetectIntents 按关键词族识别请求中的意图，顺序固定。
func DetectIntents(request string) []Intent {
	var out []Intent
	for _, p := range intentPatterns {
		if p.pattern.MatchString(request) {
			out = append(out, p.intent)
		}
	}
	return out
}

// Evaluator 根据覆盖率、相关性与安全性给执行结果打分。
type Evaluator struct {
	threshold int
	scoring   ScoringPolicy
	program   cel.Program
	judge     RelevanceJudge
	logger    *slog.Logger

	mu   sync.Mutex
	memo map[string]float64
}

// NewEvaluator 创建评估器。表达式无法编译时返回错误。
func NewEvaluator(threshold int, scoring ScoringPolicy, judge RelevanceJudge, log *slog.Logger) (*Evaluator, error) {
	if log == nil {
		log = logger.Named("evaluator")
	}
	ev := &Evaluator{threshold: threshold, scoring: scoring, judge: judge, logger: log, memo: map[string]float64{}}
	if expr := strings.TrimSpace(scoring.Expression); expr != "" {
		prg, err := compileScoring(expr)
		if err != nil {
			return nil, err
		}
		ev.program = prg
	}
	return ev, nil
}

func compileScoring(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("coverage", cel.DoubleType),
		cel.Variable("relevance", cel.DoubleType),
		cel.Variable("total", cel.IntType),
		cel.Variable("succeeded", cel.IntType),
		cel.Variable("failed", cel.IntType),
		cel.Variable("skipped", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("scoring env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile scoring expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("scoring program: %w", err)
	}
	return prg, nil
}

// Evaluate 对一次执行打分。相同输入总是得到相同分数。
func (e *Evaluator) Evaluate(ctx context.Context, request string, plan *Plan, results []StepResult) Verdict {
	ok, bad, skip := tally(results)
	total := len(results)

	coverage := 0.0
	if total > 0 {
		coverage = float64(ok) / float64(total)
	}
	relevance, unsatisfied := e.relevance(ctx, request, plan, results)
	unresolved := unresolvedValidations(plan, results)

	v := Verdict{Coverage: coverage, Relevance: relevance}
	if len(unresolved) > 0 {
		v.SafetyViolation = true
		v.Score = 0
	} else {
		v.Score = e.score(coverage, relevance, total, ok, bad, skip)
	}
	v.Accept = !v.SafetyViolation && v.Score >= e.threshold
	v.Cause = classify(v, results)
	v.Rationale = rationale(v, results, unsatisfied, unresolved)
	return v
}

func (e *Evaluator) score(coverage, relevance float64, total, ok, bad, skip int) int {
	if e.program != nil {
		out, _, err := e.program.Eval(map[string]any{
			"coverage":  coverage,
			"relevance": relevance,
			"total":     int64(total),
			"succeeded": int64(ok),
			"failed":    int64(bad),
			"skipped":   int64(skip),
		})
		if err == nil {
			var value float64
			if value, err = celNumber(out.Value()); err == nil {
				return toScore(value)
			}
		}
		e.logger.Warn("评分表达式求值失败，回退到加权公式", slog.Any("error", err))
	}
	wc, wr := e.scoring.CoverageWeight, e.scoring.RelevanceWeight
	if wc+wr <= 0 {
		wc, wr = 0.5, 0.5
	}
	return toScore((wc*coverage + wr*relevance) / (wc + wr))
}

func celNumber(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("scoring expression returned %T", v)
}

func toScore(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	v = math.Max(0, math.Min(1, v))
	return int(math.Round(v * 100))
}

// relevance 返回相关度以及未满足的意图。配置了 judge 时优先使用其结果。
func (e *Evaluator) relevance(ctx context.Context, request string, plan *Plan, results []StepResult) (float64, []Intent) {
	ruleScore, unsatisfied := ruleRelevance(request, results)
	if e.judge == nil {
		return ruleScore, unsatisfied
	}

	key := memoKey(request, plan, results)
	e.mu.Lock()
	cached, hit := e.memo[key]
	e.mu.Unlock()
	if hit {
		return cached, unsatisfied
	}

	score, err := e.judge.JudgeRelevance(ctx, request, plan, results)
	if err != nil {
		// 回退值同样缓存，之后 judge 恢复也不会改变同一输入的分数。
		e.logger.Warn("相关性评估失败，使用规则结果", slog.Any("error", err))
		score = ruleScore
	}
	score = math.Max(0, math.Min(1, score))
	e.mu.Lock()
	if prev, raced := e.memo[key]; raced {
		score = prev
	} else {
		e.memo[key] = score
	}
	e.mu.Unlock()
	return score, unsatisfied
}

func memoKey(request string, plan *Plan, results []StepResult) string {
	h := sha256.New()
	h.Write([]byte(request))
	h.Write([]byte{0})
	if plan != nil {
		h.Write([]byte(plan.Fingerprint))
	}
	h.Write([]byte{0})
	for _, r := range results {
		// 耗时不参与指纹，保证相同结果得到相同分数。
		r.Duration = 0
		data, _ := json.Marshal(r)
		h.Write(data)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func ruleRelevance(request string, results []StepResult) (float64, []Intent) {
	intents := DetectIntents(request)
	if len(intents) == 0 {
		for _, r := range results {
			if r.Succeeded() {
				return 1, nil
			}
		}
		return 0, nil
	}
	var unsatisfied []Intent
	for _, intent := range intents {
		if !satisfied(intent, results) {
			unsatisfied = append(unsatisfied, intent)
		}
	}
	return float64(len(intents)-len(unsatisfied)) / float64(len(intents)), unsatisfied
}

func satisfied(intent Intent, results []StepResult) bool {
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		switch intent {
		case IntentTransfer:
			if (r.Kind == KindTransferValue && minedOK(r.Payload)) || r.Kind == KindBatchCall {
				return true
			}
		case IntentBalance:
			if r.Kind == KindReadState && hasField(r.Payload, "balance") {
				return true
			}
		case IntentCode:
			if r.Kind == KindReadState && hasField(r.Payload, "code") {
				return true
			}
		case IntentDeploy:
			if r.Kind == KindDeployContract && hasField(r.Payload, "contract_address") {
				return true
			}
		case IntentCall:
			if r.Kind == KindCallFunction && (hasField(r.Payload, "transaction_hash") || hasField(r.Payload, "return_data")) {
				return true
			}
			if r.Kind == KindBatchCall {
				return true
			}
		case IntentValidate:
			if r.Kind == KindValidateAddress {
				if valid, _ := r.Payload["is_valid"].(bool); valid {
					return true
				}
			}
		}
	}
	return false
}

func minedOK(payload map[string]any) bool {
	status, _ := payload["status"].(string)
	return status == toolprovider.StatusSuccess && hasField(payload, "transaction_hash")
}

func hasField(payload map[string]any, key string) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return s != ""
	}
	return true
}

// unresolvedValidations 返回未被后续成功校验抵消的失败地址校验步骤。
func unresolvedValidations(plan *Plan, results []StepResult) []int {
	if plan == nil {
		return nil
	}
	var out []int
	for i, r := range results {
		if r.Kind != KindValidateAddress || r.Status != StepFailed || i >= len(plan.Actions) {
			continue
		}
		addr := validatedAddress(plan.Actions[i])
		resolved := false
		for j := i + 1; j < len(results) && j < len(plan.Actions); j++ {
			if results[j].Kind == KindValidateAddress && results[j].Succeeded() &&
				strings.EqualFold(validatedAddress(plan.Actions[j]), addr) {
				resolved = true
				break
			}
		}
		if !resolved {
			out = append(out, i)
		}
	}
	return out
}

func validatedAddress(a Action) string {
	if v, ok := a.(ValidateAddress); ok {
		return v.Address
	}
	return ""
}

// classify 判断失败是否可通过重试同一计划解决。
//
// 只看执行失败的步骤，跳过的步骤是其他失败的后果。地址校验因超时或传输失败
// 而未解决时同样归为 transient：分数仍为 0，但重试即可。
func classify(v Verdict, results []StepResult) Cause {
	if v.Accept {
		return CauseNone
	}
	failures := 0
	for _, r := range results {
		if r.Status != StepFailed {
			continue
		}
		failures++
		if !r.Failure.Transient() {
			return CauseSemantic
		}
	}
	if failures == 0 {
		return CauseSemantic
	}
	return CauseTransient
}

func rationale(v Verdict, results []StepResult, unsatisfied []Intent, unresolved []int) string {
	var lines []string
	for _, r := range results {
		if r.Succeeded() {
			continue
		}
		lines = append(lines, fmt.Sprintf("step %d (%s): %s", r.Index+1, r.Kind, r.Reason()))
	}
	for _, intent := range unsatisfied {
		lines = append(lines, fmt.Sprintf("requested %s was not satisfied", intent))
	}
	if len(unresolved) > 0 {
		steps := make([]string, len(unresolved))
		for i, idx := range unresolved {
			steps[i] = fmt.Sprintf("%d", idx+1)
		}
		lines = append(lines, fmt.Sprintf("address validation failed at step %s; score forced to 0", strings.Join(steps, ", ")))
	}
	lines = append(lines, fmt.Sprintf("score %d/100 (coverage %.0f%%, relevance %.0f%%)", v.Score, v.Coverage*100, v.Relevance*100))
	return strings.Join(lines, "; ")
}

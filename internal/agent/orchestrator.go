package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/observability/alerting"
	"ChainLoop/internal/observability/metrics"
	"ChainLoop/internal/storage/mysql"
	"ChainLoop/internal/toolprovider"
	"ChainLoop/internal/toolrpc"
	"ChainLoop/pkg/logger"

	"github.com/google/uuid"
)

// State 是会话状态机的状态。
type State string

// 会话状态
const (
	StatePlanning   State = "planning"
	StateExecuting  State = "executing"
	StateEvaluating State = "evaluating"
	StateAccepted   State = "accepted"
	StateRetrying   State = "retrying"
	StateReplanning State = "replanning"
	StateFailed     State = "failed"
)

// Terminal 判断状态是否为终态。
func (s State) Terminal() bool { return s == StateAccepted || s == StateFailed }

// Transition 描述一次状态迁移。
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    string
	At        time.Time
}

// SessionRecorder 持久化会话终态。
type SessionRecorder interface {
	Save(ctx context.Context, record *mysql.SessionRecord) error
	ListRecent(ctx context.Context, limit int) ([]mysql.SessionRecord, error)
}

// Session 是一次顶层请求在所有尝试中的状态。
type Session struct {
	ID        string
	Request   string
	State     State
	Attempts  int
	Plans     int
	Plan      *Plan
	Results   []StepResult
	Verdict   *Verdict
	StartedAt time.Time

	seen      map[string]struct{}
	unsettled *Unsettled
}

// Outcome 是返回给调用方的会话结果。
type Outcome struct {
	SessionID  string        `json:"session_id"`
	Request    string        `json:"request"`
	Accepted   bool          `json:"accepted"`
	State      State         `json:"state"`
	Results    []StepResult  `json:"results"`
	Rationale  string        `json:"rationale"`
	Attempts   int           `json:"attempts"`
	Plans      int           `json:"plans"`
	Score      int           `json:"score"`
	Verdict    *Verdict      `json:"verdict,omitempty"`
	ErrorCode  xerrors.Code  `json:"error_code,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Message 生成面向用户的结果说明，包含理由与尝试次数。
func (o *Outcome) Message() string {
	if o == nil {
		return ""
	}
	if o.Accepted {
		return fmt.Sprintf("Request accepted after %s (score %d/100): %s", plural(o.Attempts, "attempt"), o.Score, o.Rationale)
	}
	return fmt.Sprintf("Request failed after %s and %s: %s", plural(o.Attempts, "attempt"), plural(o.Plans, "plan"), o.Rationale)
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder 设置会话历史存储。
func WithRecorder(r SessionRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithAlerter 设置会话失败时的告警渠道。
func WithAlerter(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.alerter = d }
}

// WithObserver 订阅状态迁移。
func WithObserver(fn func(Transition)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithConfirmer 设置重发确认策略。
func WithConfirmer(c Confirmer) Option {
	return func(o *Orchestrator) { o.confirmer = c }
}

// WithRelevanceJudge 设置基于模型的相关性评估。
func WithRelevanceJudge(j RelevanceJudge) Option {
	return func(o *Orchestrator) { o.judge = j }
}

// Orchestrator 驱动 规划 → 执行 → 评估 的状态机。同一实例上的会话串行执行。
type Orchestrator struct {
	policy    Policy
	link      *Link
	planner   *Planner
	executor  *Executor
	evaluator *Evaluator

	logger    *slog.Logger
	recorder  SessionRecorder
	alerter   alerting.Dispatcher
	observer  func(Transition)
	confirmer Confirmer
	judge     RelevanceJudge

	mu sync.Mutex
}

// New 创建编排器。工具通道在第一次调用时建立并由编排器独占。
func New(interp Interpreter, dial toolrpc.Dialer, policy Policy, opts ...Option) (*Orchestrator, error) {
	if interp == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "interpreter is required")
	}
	if dial == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "tool provider dialer is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "invalid orchestrator policy")
	}

	o := &Orchestrator{policy: policy, logger: logger.Named("agent")}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	evaluator, err := NewEvaluator(policy.EvaluationThreshold, policy.Scoring, o.judge, o.logger)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigInvalid, err, "invalid scoring policy")
	}
	o.evaluator = evaluator
	o.link = NewLink(dial, o.logger)
	o.planner = NewPlanner(interp, policy.PlanTimeout)
	o.executor = NewExecutor(o.link, policy.CallTimeout, o.confirmer, o.logger)
	return o, nil
}

// Policy 返回编排器使用的策略。
func (o *Orchestrator) Policy() Policy { return o.policy }

// Run 执行一次会话。
//
// 正常结束（包括 Failed）时返回 Outcome 与 nil 错误；会话被取消时返回部分结果与上下文错误。
func (o *Orchestrator) Run(ctx context.Context, request string) (*Outcome, error) {
	request = strings.TrimSpace(request)
	if request == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "request must not be empty")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.link.Reset()

	s := &Session{
		ID:        uuid.NewString(),
		Request:   request,
		StartedAt: time.Now().UTC(),
		seen:      map[string]struct{}{},
		unsettled: NewUnsettled(),
	}
	log := o.logger.With(slog.String("session_id", s.ID))
	log.Info("会话开始", slog.String("request", request))

	prior := ""
	for {
		o.transition(s, StatePlanning, prior)
		s.Plans++
		plan, err := o.planner.Plan(ctx, request, prior, s.Plans, s.seen)
		if err != nil {
			return o.planningFailed(ctx, s, err)
		}
		s.Plan = plan
		log.Info("计划已生成", slog.String("plan_id", plan.ID), slog.Int("actions", len(plan.Actions)), slog.Int("attempt", plan.Attempt))

		var previous []StepResult
		retries := 0
		for {
			o.transition(s, StateExecuting, "")
			s.Attempts++
			results, execErr := o.executor.Execute(ctx, s.ID, plan, previous, s.unsettled)
			s.Results = results

			o.transition(s, StateEvaluating, "")
			verdict := o.evaluator.Evaluate(ctx, request, plan, results)
			s.Verdict = &verdict
			log.Info("评估完成",
				slog.Int("score", verdict.Score),
				slog.Bool("accept", verdict.Accept),
				slog.String("cause", string(verdict.Cause)),
			)

			switch {
			case errors.Is(execErr, ErrProviderUnreachable):
				return o.finish(ctx, s, StateFailed, verdict.Rationale+"; tool provider unreachable after one reconnection attempt", CodeProviderUnreachable), nil
			case execErr != nil:
				out := o.finish(ctx, s, StateFailed, verdict.Rationale+"; session cancelled", CodeSessionCancelled)
				return out, execErr
			case verdict.Accept:
				return o.finish(ctx, s, StateAccepted, verdict.Rationale, ""), nil
			case verdict.Cause == CauseTransient:
				if retries < o.policy.MaxRetries {
					retries++
					o.transition(s, StateRetrying, verdict.Rationale)
					previous = results
					continue
				}
				return o.finish(ctx, s, StateFailed, verdict.Rationale+"; retry limit exhausted", xerrors.CodeRetriesExhausted), nil
			}

			if s.Plans-1 < o.policy.ReplanLimit {
				o.transition(s, StateReplanning, verdict.Rationale)
				prior = verdict.Rationale
				break
			}
			return o.finish(ctx, s, StateFailed, verdict.Rationale+"; replan limit exhausted", CodeEvaluationBelowThreshold), nil
		}
	}
}

func (o *Orchestrator) planningFailed(ctx context.Context, s *Session, err error) (*Outcome, error) {
	if ctx.Err() != nil {
		out := o.finish(ctx, s, StateFailed, withPrevious(s, "session cancelled during planning"), CodeSessionCancelled)
		return out, ctx.Err()
	}
	var interp *InterpretationError
	switch {
	case errors.Is(err, ErrPlanRepeated):
		return o.finish(ctx, s, StateFailed, withPrevious(s, "replanning produced the same plan again"), CodePlanRepeated), nil
	case errors.As(err, &interp) && s.Verdict == nil:
		return o.finish(ctx, s, StateFailed, "request could not be interpreted: "+interp.Reason+detail(interp.Err), CodeInterpretationFailed), nil
	default:
		return o.finish(ctx, s, StateFailed, withPrevious(s, "replanning failed: "+err.Error()), codeFor(err)), nil
	}
}

func detail(err error) string {
	if err == nil {
		return ""
	}
	return " (" + err.Error() + ")"
}

// withPrevious 在上一次评估理由之后追加说明。
func withPrevious(s *Session, note string) string {
	if s.Verdict == nil || s.Verdict.Rationale == "" {
		return note
	}
	return s.Verdict.Rationale + "; " + note
}

func (o *Orchestrator) transition(s *Session, to State, reason string) {
	from := s.State
	s.State = to
	if from != "" {
		metrics.ObserveTransition(string(from), string(to))
	}
	o.logger.Debug("状态迁移", slog.String("session_id", s.ID), slog.String("from", string(from)), slog.String("to", string(to)))
	if o.observer != nil {
		o.observer(Transition{SessionID: s.ID, From: from, To: to, Reason: reason, At: time.Now().UTC()})
	}
}

func (o *Orchestrator) finish(ctx context.Context, s *Session, state State, rationale string, code xerrors.Code) *Outcome {
	o.transition(s, state, rationale)
	now := time.Now().UTC()
	out := &Outcome{
		SessionID:  s.ID,
		Request:    s.Request,
		Accepted:   state == StateAccepted,
		State:      state,
		Results:    s.Results,
		Rationale:  rationale,
		Attempts:   s.Attempts,
		Plans:      s.Plans,
		Verdict:    s.Verdict,
		ErrorCode:  code,
		StartedAt:  s.StartedAt,
		FinishedAt: now,
		Duration:   now.Sub(s.StartedAt),
	}
	if s.Verdict != nil {
		out.Score = s.Verdict.Score
	}
	if out.Results == nil {
		out.Results = []StepResult{}
	}

	metrics.ObserveSession(string(state), out.Attempts, out.Score)
	event := "session_accepted"
	if !out.Accepted {
		event = "session_failed"
	}
	logger.Audit().Info(event,
		slog.String("session_id", out.SessionID),
		slog.Int("attempts", out.Attempts),
		slog.Int("plans", out.Plans),
		slog.Int("score", out.Score),
		slog.String("code", string(code)),
	)

	// 会话已取消时仍需落库与告警。
	bg := context.WithoutCancel(ctx)
	o.record(bg, out)
	if !out.Accepted {
		o.alert(bg, out)
	}
	o.logger.Info("会话结束",
		slog.String("session_id", out.SessionID),
		slog.String("state", string(state)),
		slog.Int("attempts", out.Attempts),
		slog.Int("score", out.Score),
	)
	return out
}

func (o *Orchestrator) record(ctx context.Context, out *Outcome) {
	if o.recorder == nil {
		return
	}
	results, err := json.Marshal(out.Results)
	if err != nil {
		o.logger.Error("序列化步骤结果失败", slog.String("session_id", out.SessionID), slog.Any("error", err))
		results = nil
	}
	record := &mysql.SessionRecord{
		SessionID: out.SessionID,
		Request:   out.Request,
		Accepted:  out.Accepted,
		State:     string(out.State),
		Attempts:  out.Attempts,
		Plans:     out.Plans,
		Score:     out.Score,
		Rationale: out.Rationale,
		Results:   results,
		CreatedAt: out.FinishedAt.Unix(),
	}
	if err := o.recorder.Save(ctx, record); err != nil {
		o.logger.Error("保存会话记录失败", slog.String("session_id", out.SessionID), slog.Any("error", err))
	}
}

func (o *Orchestrator) alert(ctx context.Context, out *Outcome) {
	if o.alerter == nil || out.ErrorCode == CodeSessionCancelled {
		return
	}
	if !xerrors.AttributesOf(out.ErrorCode).Alert {
		return
	}
	err := o.alerter.Notify(ctx, alerting.Event{
		Code:       out.ErrorCode,
		Message:    out.Rationale,
		SessionID:  out.SessionID,
		Attempts:   out.Attempts,
		MaxRetries: o.policy.MaxRetries,
		Metadata:   map[string]string{"plans": fmt.Sprint(out.Plans), "score": fmt.Sprint(out.Score)},
	})
	if err != nil {
		o.logger.Warn("发送告警失败", slog.String("session_id", out.SessionID), slog.Any("error", err))
	}
}

// Capabilities 查询工具进程的能力列表。
func (o *Orchestrator) Capabilities(ctx context.Context) (toolprovider.CapabilityList, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	list, err := o.link.Capabilities(ctx)
	if err != nil {
		return list, xerrors.Wrap(xerrors.CodeProviderFailure, err, "list capabilities")
	}
	return list, nil
}

// ListHistory 获取最近的会话记录。
func (o *Orchestrator) ListHistory(ctx context.Context, limit int) ([]mysql.SessionRecord, error) {
	if o.recorder == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "session history is not configured")
	}
	records, err := o.recorder.ListRecent(ctx, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list session history")
	}
	return records, nil
}

// Close 关闭编排器独占的工具通道。
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.link.Close()
}

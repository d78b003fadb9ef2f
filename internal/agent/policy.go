package agent

import (
	"errors"
	"fmt"
	"time"
)

// Policy 是编排器的只读配置，构造后不再修改。
type Policy struct {
	EvaluationThreshold int
	MaxRetries          int
	ReplanLimit         int
	CallTimeout         time.Duration
	PlanTimeout         time.Duration
	Scoring             ScoringPolicy
}

// ScoringPolicy 控制评分中覆盖率与相关性的权重。
// Expression 非空时使用 CEL 表达式计算 [0,1] 区间的分值。
type ScoringPolicy struct {
	CoverageWeight  float64
	RelevanceWeight float64
	Expression      string
}

// DefaultPolicy 返回默认策略。
func DefaultPolicy() Policy {
	return Policy{
		EvaluationThreshold: 70,
		MaxRetries:          3,
		ReplanLimit:         2,
		CallTimeout:         30 * time.Second,
		PlanTimeout:         60 * time.Second,
		Scoring:             ScoringPolicy{CoverageWeight: 0.5, RelevanceWeight: 0.5},
	}
}

// Validate 校验策略取值。
func (p Policy) Validate() error {
	var errs []error
	if p.EvaluationThreshold < 0 || p.EvaluationThreshold > 100 {
		errs = append(errs, fmt.Errorf("evaluation threshold must be within 0..100, got %d", p.EvaluationThreshold))
	}
	if p.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must not be negative, got %d", p.MaxRetries))
	}
	if p.ReplanLimit < 0 {
		errs = append(errs, fmt.Errorf("replan limit must not be negative, got %d", p.ReplanLimit))
	}
	if p.CallTimeout <= 0 {
		errs = append(errs, errors.New("call timeout must be positive"))
	}
	if p.PlanTimeout <= 0 {
		errs = append(errs, errors.New("plan timeout must be positive"))
	}
	if p.Scoring.CoverageWeight < 0 || p.Scoring.RelevanceWeight < 0 {
		errs = append(errs, errors.New("scoring weights must not be negative"))
	}
	if p.Scoring.Expression == "" && p.Scoring.CoverageWeight+p.Scoring.RelevanceWeight == 0 {
		errs = append(errs, errors.New("scoring weights must not both be zero"))
	}
	return errors.Join(errs...)
}

package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"ChainLoop/internal/agent"
	"ChainLoop/internal/web3"
)

var (
	clauseSplit = regexp.MustCompile(`(?i)\s*;\s*|,?\s+and\s+then\s+|,?\s+then\s+`)
	batchPrefix = regexp.MustCompile(`(?i)^\s*batch\b[\s:]*`)

	transferPattern = regexp.MustCompile(`(?i)\b(?:send|transfer|pay)\s+([0-9]+(?:\.[0-9]+)?)\s*(eth|ether|gwei|wei)?\s+(?:from\s+(\S+)\s+)?to\s+(\S+)`)
	callPattern     = regexp.MustCompile(`(?i)\bcall\s+([A-Za-z_][A-Za-z0-9_]*\([^)]*\))\s+on\s+(\S+?)(?:\s+with\s+(.+?))?(?:\s+from\s+(\S+))?\s*$`)
	readPattern     = regexp.MustCompile(`(?i)\bread\s+([A-Za-z_][A-Za-z0-9_]*\([^)]*\))\s+from\s+(\S+?)(?:\s+with\s+(.+?))?\s*$`)
	deployPattern   = regexp.MustCompile(`(?i)\bdeploy\s+(0x[0-9a-fA-F]+)(?:\s+from\s+(\S+))?`)
	codePattern     = regexp.MustCompile(`(?i)\b(?:code|bytecode)\s+(?:at|of)\s+(\S+)`)
	validatePattern = regexp.MustCompile(`(?i)\b(?:validate|check|verify)\s+(?:the\s+)?address\s+(?:of\s+)?(\S+)`)
	balancePattern  = regexp.MustCompile(`(?i)(?:\b(\S+)\s+)?balance\s+of\s+(\S+)`)
)

// Interpreter 是基于正则的确定性解释器。
type Interpreter struct {
	book AddressBook
}

// New 创建解释器，extra 会覆盖默认地址簿中的同名条目。
func New(extra map[string]string) *Interpreter {
	return &Interpreter{book: DefaultAddressBook().Merge(extra)}
}

// AddressBook 返回解释器使用的地址簿。
func (i *Interpreter) AddressBook() AddressBook { return i.book }

// Interpret 实现 agent.Interpreter。
func (i *Interpreter) Interpret(_ context.Context, req agent.InterpretRequest) ([]agent.Action, error) {
	text := strings.TrimSpace(req.Request)
	batch := batchPrefix.MatchString(text)
	if batch {
		text = batchPrefix.ReplaceAllString(text, "")
	}

	p := &planBuilder{book: i.book, validated: map[string]bool{}}
	for _, clause := range clauseSplit.Split(text, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		if err := p.clause(clause, batch); err != nil {
			return nil, agent.NewInterpretationError(req.Request, err.Error())
		}
	}
	actions := p.finish()
	if len(actions) == 0 {
		return nil, agent.NewInterpretationError(req.Request, "no actions derived from request")
	}
	return actions, nil
}

type planBuilder struct {
	book      AddressBook
	validated map[string]bool
	actions   []agent.Action
	batch     []agent.Action
	batchAt   int
}

func (p *planBuilder) clause(clause string, batch bool) error {
	if m := transferPattern.FindStringSubmatch(clause); m != nil {
		wei, err := web3.ParseAmount(m[1], m[2])
		if err != nil {
			return fmt.Errorf("clause %q: %v", clause, err)
		}
		from := p.optional(m[3])
		to, _ := p.book.Resolve(m[4])
		p.validate(from, to)
		p.mutate(agent.TransferValue{From: from, To: to, Value: wei.String()}, batch)
		return nil
	}
	if m := callPattern.FindStringSubmatch(clause); m != nil {
		contract, _ := p.book.Resolve(m[2])
		from := p.optional(m[4])
		p.validate(from, contract)
		p.mutate(agent.CallFunction{From: from, Contract: contract, Signature: m[1], Args: p.args(m[3])}, batch)
		return nil
	}
	if m := readPattern.FindStringSubmatch(clause); m != nil {
		contract, _ := p.book.Resolve(m[2])
		p.add(agent.CallFunction{Contract: contract, Signature: m[1], Args: p.args(m[3]), ReadOnly: true})
		return nil
	}
	if m := deployPattern.FindStringSubmatch(clause); m != nil {
		from := p.optional(m[2])
		p.validate(from)
		p.add(agent.DeployContract{From: from, Bytecode: m[1]})
		return nil
	}
	if m := codePattern.FindStringSubmatch(clause); m != nil {
		addr, _ := p.book.Resolve(m[1])
		p.add(agent.ReadState{Query: agent.QueryCode, Address: addr})
		return nil
	}
	if m := validatePattern.FindStringSubmatch(clause); m != nil {
		addr, _ := p.book.Resolve(m[1])
		p.validate(addr)
		return nil
	}
	if m := balancePattern.FindStringSubmatch(clause); m != nil {
		addr, _ := p.book.Resolve(m[2])
		p.add(agent.ReadState{Query: agent.QueryBalance, Address: addr, Token: p.token(m[1])})
		return nil
	}
	return fmt.Errorf("clause %q matches no known operation", clause)
}

func (p *planBuilder) add(a agent.Action) {
	p.actions = append(p.actions, a)
}

// mutate 追加会改变链上状态的动作；批量模式下先收集，最后合并为一个 BatchCall。
func (p *planBuilder) mutate(a agent.Action, batch bool) {
	if !batch {
		p.add(a)
		return
	}
	// 批量动作排在其所有地址校验之后。
	p.batchAt = len(p.actions)
	p.batch = append(p.batch, a)
}

// validate 为尚未校验过的地址追加 ValidateAddress。
func (p *planBuilder) validate(addrs ...string) {
	for _, addr := range addrs {
		key := strings.ToLower(addr)
		if addr == "" || p.validated[key] {
			continue
		}
		p.validated[key] = true
		p.add(agent.ValidateAddress{Address: addr})
	}
}

func (p *planBuilder) optional(who string) string {
	if who == "" {
		return ""
	}
	addr, _ := p.book.Resolve(who)
	return addr
}

func (p *planBuilder) args(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if addr, ok := p.book.Resolve(part); ok {
			part = addr
		}
		out = append(out, part)
	}
	return out
}

// token 只接受地址或地址簿中的名称作为代币，其余修饰词按原生币处理。
func (p *planBuilder) token(word string) string {
	word = trimWord(word)
	if word == "" || strings.EqualFold(word, "eth") || strings.EqualFold(word, "ether") {
		return ""
	}
	if addr, ok := p.book.Resolve(word); ok {
		return addr
	}
	if strings.HasPrefix(word, "0x") && len(word) == 42 {
		return word
	}
	return ""
}

func (p *planBuilder) finish() []agent.Action {
	if len(p.batch) == 0 {
		return p.actions
	}
	out := make([]agent.Action, 0, len(p.actions)+1)
	out = append(out, p.actions[:p.batchAt]...)
	out = append(out, agent.BatchCall{Calls: p.batch})
	out = append(out, p.actions[p.batchAt:]...)
	return out
}

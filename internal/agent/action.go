package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ChainLoop/internal/web3"
)

// ActionKind 标识动作类型。
type ActionKind string

// 支持的动作类型
const (
	KindValidateAddress ActionKind = "validate_address"
	KindReadState       ActionKind = "read_state"
	KindTransferValue   ActionKind = "transfer_value"
	KindDeployContract  ActionKind = "deploy_contract"
	KindCallFunction    ActionKind = "call_function"
	KindBatchCall       ActionKind = "batch_call"
)

// ReadState 支持的查询
const (
	QueryBalance = "balance"
	QueryCode    = "code"
)

// MaxBatchSize 限制 BatchCall 中的调用数量。
const MaxBatchSize = 16

// Action 是计划中的一个可执行步骤。实现仅限本包中的变体。
type Action interface {
	Kind() ActionKind
	// Validate 只检查结构，地址本身是否合法交给工具进程判断。
	Validate() error
	// Mutating 表示动作会改变链上状态。
	Mutating() bool
	// Addresses 返回动作涉及的全部地址。
	Addresses() []string
	sealed()
}

// ValidateAddress 校验地址格式与校验和。
type ValidateAddress struct {
	Address string `json:"address"`
}

// ReadState 读取账户余额或合约代码。
type ReadState struct {
	Query   string `json:"query"`
	Address string `json:"address"`
	Token   string `json:"token,omitempty"`
}

// TransferValue 发送原生代币，Value 以 wei 为单位。
type TransferValue struct {
	From  string `json:"from,omitempty"`
	To    string `json:"to"`
	Value string `json:"value"`
	Gas   uint64 `json:"gas,omitempty"`
}

// DeployContract 部署合约字节码。
type DeployContract struct {
	From     string `json:"from,omitempty"`
	Bytecode string `json:"bytecode"`
	Value    string `json:"value,omitempty"`
	Gas      uint64 `json:"gas,omitempty"`
}

// CallFunction 调用合约函数。ReadOnly 为 true 时走 eth_call。
type CallFunction struct {
	From      string   `json:"from,omitempty"`
	Contract  string   `json:"contract"`
	Signature string   `json:"signature"`
	Args      []string `json:"args,omitempty"`
	Value     string   `json:"value,omitempty"`
	Gas       uint64   `json:"gas,omitempty"`
	ReadOnly  bool     `json:"read_only,omitempty"`
}

// BatchCall 按顺序发送多笔交易，遇到第一笔失败即停止。
type BatchCall struct {
	Calls []Action `json:"-"`
}

func (ValidateAddress) Kind() ActionKind { return KindValidateAddress }
func (ReadState) Kind() ActionKind { return KindReadState }
func (TransferValue) Kind() ActionKind { return KindTransferValue }
func (DeployContract) Kind() ActionKind { return KindDeployContract }
func (CallFunction) Kind() ActionKind { return KindCallFunction }
func (BatchCall) Kind() ActionKind { return KindBatchCall }

func (ValidateAddress) sealed() {}
func (ReadState) sealed() {}
func (TransferValue) sealed() {}
func (DeployContract) sealed() {}
func (CallFunction) sealed() {}
func (BatchCall) sealed() {}

func (ValidateAddress) Mutating() bool { return false }
func (ReadState) Mutating() bool { return false }
func (TransferValue) Mutating() bool { return true }
func (DeployContract) Mutating() bool { return true }
func (a CallFunction) Mutating() bool { return !a.ReadOnly }
func (BatchCall) Mutating() bool { return true }

func (a ValidateAddress) Validate() error {
	return requireField("address", a.Address)
}

func (a ReadState) Validate() error {
	switch a.Query {
	case QueryBalance, QueryCode:
	default:
		return fmt.Errorf("read_state: unknown query %q", a.Query)
	}
	if a.Query == QueryCode && a.Token != "" {
		return errors.New("read_state: token is only valid for balance queries")
	}
	return requireField("address", a.Address)
}

func (a TransferValue) Validate() error {
	if err := requireField("to", a.To); err != nil {
		return err
	}
	if strings.TrimSpace(a.Value) == "" {
		return errors.New("transfer_value: value is required")
	}
	return checkWei("value", a.Value)
}

func (a DeployContract) Validate() error {
	if err := requireField("bytecode", a.Bytecode); err != nil {
		return err
	}
	if !isHexData(a.Bytecode) || len(a.Bytecode) <= 2 {
		return fmt.Errorf("deploy_contract: bytecode must be 0x-prefixed hex")
	}
	return checkWei("value", a.Value)
}

func (a CallFunction) Validate() error {
	if err := requireField("contract", a.Contract); err != nil {
		return err
	}
	_, types, err := web3.ParseSignature(a.Signature)
	if err != nil {
		return fmt.Errorf("call_function: %w", err)
	}
	if len(types) != len(a.Args) {
		return fmt.Errorf("call_function: %s expects %d argument(s), got %d", a.Signature, len(types), len(a.Args))
	}
	if a.ReadOnly && strings.TrimSpace(a.Value) != "" && a.Value != "0" {
		return errors.New("call_function: read-only calls cannot carry value")
	}
	return checkWei("value", a.Value)
}

func (a BatchCall) Validate() error {
	if len(a.Calls) == 0 || len(a.Calls) > MaxBatchSize {
		return fmt.Errorf("batch_call: expected 1..%d calls, got %d", MaxBatchSize, len(a.Calls))
	}
	for i, call := range a.Calls {
		switch c := call.(type) {
		case TransferValue:
		case CallFunction:
			if c.ReadOnly {
				return fmt.Errorf("batch_call: call %d is read-only", i+1)
			}
		default:
			return fmt.Errorf("batch_call: call %d has unsupported kind %q", i+1, kindOf(call))
		}
		if err := call.Validate(); err != nil {
			return fmt.Errorf("batch_call: call %d: %w", i+1, err)
		}
	}
	return nil
}

func (a ValidateAddress) Addresses() []string { return compact(a.Address) }
func (a ReadState) Addresses() []string { return compact(a.Address, a.Token) }
func (a TransferValue) Addresses() []string { return compact(a.From, a.To) }
func (a DeployContract) Addresses() []string { return compact(a.From) }
func (a CallFunction) Addresses() []string { return compact(a.From, a.Contract) }

func (a BatchCall) Addresses() []string {
	var out []string
	for _, call := range a.Calls {
		out = append(out, call.Addresses()...)
	}
	return out
}

func kindOf(a Action) ActionKind {
	if a == nil {
		return ""
	}
	return a.Kind()
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}

func checkWei(name, value string) error {
	if value == "" {
		return nil
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return fmt.Errorf("%s must be a decimal wei amount, got %q", name, value)
		}
	}
	return nil
}

func isHexData(s string) bool {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return false
	}
	body := s[2:]
	if len(body)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(body)
	return err == nil
}

func compact(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

type envelope struct {
	Kind   ActionKind      `json:"kind"`
	Params json.RawMessage `json:"params"`
}

type batchParams struct {
	Calls []json.RawMessage `json:"calls"`
}

// MarshalAction 以 {kind, params} 信封编码动作。
func MarshalAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, errors.New("nil action")
	}
	var (
		params []byte
		err    error
	)
	if batch, ok := a.(BatchCall); ok {
		bp := batchParams{Calls: make([]json.RawMessage, 0, len(batch.Calls))}
		for _, call := range batch.Calls {
			raw, err := MarshalAction(call)
			if err != nil {
				return nil, err
			}
			bp.Calls = append(bp.Calls, raw)
		}
		params, err = json.Marshal(bp)
	} else {
		params, err = json.Marshal(a)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	return json.Marshal(envelope{Kind: a.Kind(), Params: params})
}

// UnmarshalAction 解析信封格式的动作。
func UnmarshalAction(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode action: %w", err)
	}
	if len(env.Params) == 0 {
		env.Params = json.RawMessage("{}")
	}
	switch env.Kind {
	case KindValidateAddress:
		return decodeParams[ValidateAddress](env)
	case KindReadState:
		return decodeParams[ReadState](env)
	case KindTransferValue:
		return decodeParams[TransferValue](env)
	case KindDeployContract:
		return decodeParams[DeployContract](env)
	case KindCallFunction:
		return decodeParams[CallFunction](env)
	case KindBatchCall:
		var bp batchParams
		if err := json.Unmarshal(env.Params, &bp); err != nil {
			return nil, fmt.Errorf("decode %s params: %w", env.Kind, err)
		}
		batch := BatchCall{Calls: make([]Action, 0, len(bp.Calls))}
		for _, raw := range bp.Calls {
			call, err := UnmarshalAction(raw)
			if err != nil {
				return nil, err
			}
			batch.Calls = append(batch.Calls, call)
		}
		return batch, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", env.Kind)
	}
}

func decodeParams[T Action](env envelope) (Action, error) {
	var a T
	if err := json.Unmarshal(env.Params, &a); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", env.Kind, err)
	}
	return a, nil
}

// MarshalActions 编码动作列表。
func MarshalActions(actions []Action) ([]byte, error) {
	list := make([]json.RawMessage, 0, len(actions))
	for _, a := range actions {
		raw, err := MarshalAction(a)
		if err != nil {
			return nil, err
		}
		list = append(list, raw)
	}
	return json.Marshal(list)
}

// UnmarshalActions 解析动作列表。
func UnmarshalActions(data []byte) ([]Action, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("decode actions: %w", err)
	}
	actions := make([]Action, 0, len(list))
	for _, raw := range list {
		a, err := UnmarshalAction(raw)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// Fingerprint 返回动作序列的结构指纹，用于识别重复计划。
func Fingerprint(actions []Action) string {
	data, err := MarshalActions(actions)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", actions))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Describe 返回动作的简短描述。
func Describe(a Action) string {
	switch v := a.(type) {
	case ValidateAddress:
		return "validate address " + v.Address
	case ReadState:
		if v.Query == QueryCode {
			return "read code at " + v.Address
		}
		if v.Token != "" {
			return fmt.Sprintf("read %s balance of %s", v.Token, v.Address)
		}
		return "read balance of " + v.Address
	case TransferValue:
		return fmt.Sprintf("transfer %s wei to %s", v.Value, v.To)
	case DeployContract:
		return fmt.Sprintf("deploy %d byte(s) of bytecode", (len(v.Bytecode)-2)/2)
	case CallFunction:
		if v.ReadOnly {
			return fmt.Sprintf("read %s on %s", v.Signature, v.Contract)
		}
		return fmt.Sprintf("call %s on %s", v.Signature, v.Contract)
	case BatchCall:
		return fmt.Sprintf("batch of %d call(s)", len(v.Calls))
	}
	return string(kindOf(a))
}

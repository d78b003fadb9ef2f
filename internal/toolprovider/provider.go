package toolprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"ChainLoop/internal/toolrpc"
	"ChainLoop/internal/web3"
	"ChainLoop/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ValidateAddressResult 是 validate_address 的返回。
type ValidateAddressResult struct {
	IsValid            bool   `json:"is_valid"`
	ChecksummedAddress string `json:"checksummed_address,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// BalanceResult 是 check_balance 的返回，Balance 为最小单位的十进制字符串。
type BalanceResult struct {
	Address      string `json:"address"`
	Balance      string `json:"balance"`
	Denomination string `json:"denomination"`
	BlockNumber  uint64 `json:"block_number"`
}

// CodeResult 是 get_contract_code 的返回。
type CodeResult struct {
	Address string `json:"address"`
	Code    string `json:"code"`
	HasCode bool   `json:"has_code"`
	Size    int    `json:"size"`
}

// CallResult 是 call_contract 的返回。
type CallResult struct {
	ReturnData string `json:"return_data"`
}

// TransactionResult 是 compose_transaction 的返回。
type TransactionResult struct {
	TransactionHash string `json:"transaction_hash"`
	GasUsed         uint64 `json:"gas_used"`
	Status          string `json:"status"`
	BlockNumber     uint64 `json:"block_number"`
	From            string `json:"from"`
	ContractAddress string `json:"contract_address,omitempty"`
}

// CapabilityList 是 list_capabilities 的返回。
type CapabilityList struct {
	Version      string       `json:"version"`
	Chain        string       `json:"chain"`
	Capabilities []Capability `json:"capabilities"`
}

// PingResult 是 ping 的返回。
type PingResult struct {
	OK          bool   `json:"ok"`
	Chain       string `json:"chain"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
}

// 交易状态。
const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
	// StatusPending 表示交易已广播但没有等到回执，是否上链未知。
	StatusPending = "pending"
)

// Option 配置 Provider。
type Option func(*Provider)

// WithPolicy 指定能力策略。
func WithPolicy(p Policy) Option {
	return func(pr *Provider) { pr.policy = p }
}

// WithChainName 指定对外报告的链名称。
func WithChainName(name string) Option {
	return func(pr *Provider) { pr.chain = name }
}

// WithLogger 指定日志。
func WithLogger(l *slog.Logger) Option {
	return func(pr *Provider) {
		if l != nil {
			pr.logger = l
		}
	}
}

// Provider 把 web3.Client 暴露为 toolrpc 能力集，本身不持有会话状态。
type Provider struct {
	client web3.Client
	chain  string
	policy Policy
	caps   map[string]Capability
	logger *slog.Logger
}

// New 构建能力提供者。
func New(client web3.Client, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("tool provider requires a chain client")
	}
	caps, err := compileCatalog()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		client: client,
		chain:  "default",
		caps:   caps,
		logger: logger.Named("toolprovider"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.policy.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Register 把全部能力注册到 srv。被策略禁止的能力同样注册，调用时返回 -32001。
func (p *Provider) Register(srv *toolrpc.Server) {
	srv.Handle(MethodValidateAddress, p.wrap(MethodValidateAddress, p.validateAddress))
	srv.Handle(MethodCheckBalance, p.wrap(MethodCheckBalance, p.checkBalance))
	srv.Handle(MethodGetContractCode, p.wrap(MethodGetContractCode, p.contractCode))
	srv.Handle(MethodCallContract, p.wrap(MethodCallContract, p.callContract))
	srv.Handle(MethodComposeTransaction, p.wrap(MethodComposeTransaction, p.composeTransaction))
	srv.Handle(MethodListCapabilities, p.wrap(MethodListCapabilities, p.listCapabilities))
	srv.Handle(MethodPing, p.wrap(MethodPing, p.ping))
}

// Server 返回注册好全部能力的 toolrpc.Server。
func (p *Provider) Server(opts ...toolrpc.ServerOption) *toolrpc.Server {
	srv := toolrpc.NewServer(opts...)
	p.Register(srv)
	return srv
}

// Capabilities 返回策略允许的能力。
func (p *Provider) Capabilities() []Capability {
	out := make([]Capability, 0, len(catalog))
	for _, c := range Catalog() {
		if p.policy.Allowed(c.Name) {
			out = append(out, c)
		}
	}
	return out
}

func (p *Provider) wrap(method string, fn toolrpc.HandlerFunc) toolrpc.HandlerFunc {
	capability := p.caps[method]
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		if !p.policy.Allowed(method) {
			return nil, toolrpc.NewRemoteError(toolrpc.CodeCapabilityDenied, "capability %s is denied by policy", method)
		}
		doc, err := decodeObject(params)
		if err != nil {
			return nil, toolrpc.InvalidParams("%s: %v", method, err)
		}
		if err := capability.validate(doc); err != nil {
			return nil, toolrpc.InvalidParams("%s: %v", method, err)
		}
		return fn(ctx, params)
	}
}

func decodeObject(params json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	var doc map[string]any
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("params must be a JSON object")
	}
	return doc, nil
}

func decode(params json.RawMessage, out any) error {
	if len(bytes.TrimSpace(params)) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return toolrpc.InvalidParams("decode params: %v", err)
	}
	return nil
}

// requireAddress 在任何链访问之前执行校验和规则。
func requireAddress(field, raw string) (common.Address, error) {
	check := web3.CheckAddress(raw)
	if !check.Valid {
		return common.Address{}, toolrpc.InvalidParams("%s: %s", field, check.Reason)
	}
	return common.HexToAddress(check.Checksummed), nil
}

func parseQuantity(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	base := 10
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		raw, base = raw[2:], 16
	}
	n, ok := new(big.Int).SetString(raw, base)
	if !ok {
		return nil, toolrpc.InvalidParams("%s: %q is not a quantity", field, raw)
	}
	return n, nil
}

func executionFailed(method string, err error) error {
	return toolrpc.NewRemoteError(toolrpc.CodeExecutionFailed, "%s: %v", method, err)
}

func (p *Provider) validateAddress(_ context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	check := web3.CheckAddress(req.Address)
	return ValidateAddressResult{IsValid: check.Valid, ChecksummedAddress: check.Checksummed, Reason: check.Reason}, nil
}

func (p *Provider) checkBalance(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Address string `json:"address"`
		Token   string `json:"token"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	account, err := requireAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	var token *common.Address
	if req.Token != "" {
		addr, err := requireAddress("token", req.Token)
		if err != nil {
			return nil, err
		}
		token = &addr
	}
	bal, err := p.client.Balance(ctx, account, token)
	if err != nil {
		return nil, executionFailed(MethodCheckBalance, err)
	}
	return BalanceResult{
		Address:      account.Hex(),
		Balance:      bal.Amount.String(),
		Denomination: bal.Denomination,
		BlockNumber:  bal.BlockNumber,
	}, nil
}

func (p *Provider) contractCode(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		Address string `json:"address"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	account, err := requireAddress("address", req.Address)
	if err != nil {
		return nil, err
	}
	code, err := p.client.Code(ctx, account)
	if err != nil {
		return nil, executionFailed(MethodGetContractCode, err)
	}
	return CodeResult{Address: account.Hex(), Code: hexutil.Encode(code), HasCode: len(code) > 0, Size: len(code)}, nil
}

func (p *Provider) callContract(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		To   string `json:"to"`
		From string `json:"from"`
		Data string `json:"data"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}
	to, err := requireAddress("to", req.To)
	if err != nil {
		return nil, err
	}
	call := web3.CallRequest{To: to}
	if req.From != "" {
		if call.From, err = requireAddress("from", req.From); err != nil {
			return nil, err
		}
	}
	if call.Data, err = hexutil.Decode(req.Data); err != nil {
		return nil, toolrpc.InvalidParams("data: %v", err)
	}
	out, err := p.client.Call(ctx, call)
	if err != nil {
		return nil, executionFailed(MethodCallContract, err)
	}
	return CallResult{ReturnData: hexutil.Encode(out)}, nil
}

func (p *Provider) composeTransaction(ctx context.Context, params json.RawMessage) (any, error) {
	var req struct {
		To       string `json:"to"`
		From     string `json:"from"`
		Value    string `json:"value"`
		Data     string `json:"data"`
		Gas      uint64 `json:"gas"`
		GasPrice string `json:"gas_price"`
	}
	if err := decode(params, &req); err != nil {
		return nil, err
	}

	var (
		tx  web3.TxRequest
		err error
	)
	if req.To != "" {
		to, err := requireAddress("to", req.To)
		if err != nil {
			return nil, err
		}
		tx.To = &to
	}
	if req.From != "" {
		if tx.From, err = requireAddress("from", req.From); err != nil {
			return nil, err
		}
	} else {
		sender, ok := p.client.DefaultSender()
		if !ok {
			return nil, toolrpc.InvalidParams("from: no default sender is configured")
		}
		tx.From = sender
	}
	if tx.Value, err = parseQuantity("value", req.Value); err != nil {
		return nil, err
	}
	if tx.GasPrice, err = parseQuantity("gas_price", req.GasPrice); err != nil {
		return nil, err
	}
	if req.Data != "" {
		if tx.Data, err = hexutil.Decode(req.Data); err != nil {
			return nil, toolrpc.InvalidParams("data: %v", err)
		}
	}
	if tx.To == nil && len(tx.Data) == 0 {
		return nil, toolrpc.InvalidParams("contract creation requires data")
	}
	tx.Gas = req.Gas

	to := ""
	if tx.To != nil {
		to = tx.To.Hex()
	}
	logger.Audit().Info("tx_dispatch",
		slog.String("chain", p.chain),
		slog.String("from", tx.From.Hex()),
		slog.String("to", to),
		slog.String("value", quantityString(tx.Value)),
		slog.Int("data_len", len(tx.Data)),
	)
	receipt, err := p.client.SendTransaction(ctx, tx)
	if errors.Is(err, web3.ErrReceiptPending) {
		logger.Audit().Warn("tx_result",
			slog.String("chain", p.chain),
			slog.String("hash", receipt.Hash.Hex()),
			slog.String("status", StatusPending),
			slog.Any("error", err),
		)
		return TransactionResult{TransactionHash: receipt.Hash.Hex(), Status: StatusPending, From: tx.From.Hex()}, nil
	}
	if err != nil {
		logger.Audit().Warn("tx_result", slog.String("chain", p.chain), slog.Any("error", err))
		return nil, executionFailed(MethodComposeTransaction, err)
	}

	status := StatusSuccess
	if !receipt.Succeeded {
		status = StatusReverted
	}
	result := TransactionResult{
		TransactionHash: receipt.Hash.Hex(),
		GasUsed:         receipt.GasUsed,
		Status:          status,
		BlockNumber:     receipt.BlockNumber,
		From:            tx.From.Hex(),
	}
	if receipt.ContractAddress != nil {
		result.ContractAddress = receipt.ContractAddress.Hex()
	}
	logger.Audit().Info("tx_result",
		slog.String("chain", p.chain),
		slog.String("hash", result.TransactionHash),
		slog.String("status", status),
		slog.Uint64("gas_used", result.GasUsed),
	)
	return result, nil
}

func (p *Provider) listCapabilities(context.Context, json.RawMessage) (any, error) {
	return CapabilityList{Version: Version, Chain: p.chain, Capabilities: p.Capabilities()}, nil
}

func (p *Provider) ping(ctx context.Context, _ json.RawMessage) (any, error) {
	snap, err := p.client.FetchChainSnapshot(ctx)
	if err != nil {
		return nil, executionFailed(MethodPing, err)
	}
	return PingResult{OK: true, Chain: p.chain, ChainID: snap.ChainID, BlockNumber: snap.BlockNumber}, nil
}

func quantityString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ChainLoop/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name           string
	RPCURL         string
	Notes          string
	Keys           *web3.Keyring
	DefaultSender  string
	ReceiptTimeout time.Duration
}

// chainBackend is the subset of ethclient.Client that the provider needs. The
// simulated backend's client satisfies it too.
type chainBackend interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client implements the web3.Client interface for EVM compatible chains.
type Client struct {
	name           string
	notes          string
	rpcClient      *gethrpc.Client
	eth            *ethclient.Client
	backend        chainBackend
	commit         func()
	keys           *web3.Keyring
	defaultSender  common.Address
	hasSender      bool
	receiptTimeout time.Duration

	// sendMu serializes nonce selection and submission per client.
	sendMu  sync.Mutex
	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
		keys:      cfg.Keys,
	}
	if err := c.applySender(cfg); err != nil {
		rpcClient.Close()
		return nil, err
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend. Every submitted
// transaction is mined immediately.
func NewSimulatedClient(name string, sim *simulated.Backend, keys *web3.Keyring) *Client {
	c := &Client{
		name:    name,
		notes:   "simulated backend",
		backend: sim.Client(),
		commit:  func() { sim.Commit() },
		keys:    keys,
	}
	_ = c.applySender(Config{})
	return c
}

func (c *Client) applySender(cfg Config) error {
	c.receiptTimeout = cfg.ReceiptTimeout
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = 30 * time.Second
	}
	if cfg.DefaultSender != "" {
		addr, err := web3.ParseAddress(cfg.DefaultSender)
		if err != nil {
			return fmt.Errorf("默认发送账户无效: %w", err)
		}
		c.defaultSender, c.hasSender = addr, true
		return nil
	}
	if addrs := c.keys.Addresses(); len(addrs) > 0 {
		c.defaultSender, c.hasSender = addrs[0], true
	}
	return nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
		c.rpcClient = nil
	}
}

// DefaultSender returns the account used when a request omits from.
func (c *Client) DefaultSender() (common.Address, bool) {
	return c.defaultSender, c.hasSender
}

func (c *Client) chainIDOf(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = id
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	id, err := c.chainIDOf(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: head.Number.Uint64(),
		Notes:       c.notes,
	}, nil
}

// Balance returns the native balance, or the ERC-20 balance when token is set.
func (c *Client) Balance(ctx context.Context, account common.Address, token *common.Address) (web3.Balance, error) {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.Balance{}, fmt.Errorf("获取最新区块失败: %w", err)
	}
	if token == nil {
		amount, err := c.backend.BalanceAt(ctx, account, nil)
		if err != nil {
			return web3.Balance{}, fmt.Errorf("查询余额失败: %w", err)
		}
		return web3.Balance{Address: account, Amount: amount, Denomination: "wei", BlockNumber: head.Number.Uint64()}, nil
	}

	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{To: token, Data: web3.BalanceOfCalldata(account)}, nil)
	if err != nil {
		return web3.Balance{}, fmt.Errorf("查询代币余额失败: %w", err)
	}
	if len(out) < 32 {
		return web3.Balance{}, fmt.Errorf("代币合约 %s 返回了 %d 字节，不是 ERC-20 余额", token.Hex(), len(out))
	}
	return web3.Balance{
		Address:      account,
		Amount:       new(big.Int).SetBytes(out[:32]),
		Denomination: token.Hex(),
		BlockNumber:  head.Number.Uint64(),
	}, nil
}

// Code returns the deployed bytecode at account.
func (c *Client) Code(ctx context.Context, account common.Address) ([]byte, error) {
	code, err := c.backend.CodeAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询合约代码失败: %w", err)
	}
	return code, nil
}

// Call performs an eth_call against the latest block.
func (c *Client) Call(ctx context.Context, req web3.CallRequest) ([]byte, error) {
	to := req.To
	out, err := c.backend.CallContract(ctx, gethcore.CallMsg{From: req.From, To: &to, Data: req.Data}, nil)
	if err != nil {
		return nil, fmt.Errorf("合约调用失败: %w", err)
	}
	return out, nil
}

// SendTransaction signs with a local key when one is available for From and
// otherwise asks the node to sign (unlocked development accounts). It blocks
// until the receipt is available.
func (c *Client) SendTransaction(ctx context.Context, req web3.TxRequest) (web3.TxReceipt, error) {
	if req.Value == nil {
		req.Value = new(big.Int)
	}
	if req.To == nil && len(req.Data) == 0 {
		return web3.TxReceipt{}, errors.New("合约创建交易必须携带字节码")
	}

	var (
		hash common.Hash
		err  error
	)
	if key, ok := c.keys.Key(req.From); ok {
		hash, err = c.sendSigned(ctx, req, key)
	} else {
		hash, err = c.sendUnlocked(ctx, req)
	}
	if err != nil {
		return web3.TxReceipt{}, err
	}
	return c.waitReceipt(ctx, hash)
}

func (c *Client) sendUnlocked(ctx context.Context, req web3.TxRequest) (common.Hash, error) {
	c.mu.Lock()
	rpcClient := c.rpcClient
	c.mu.Unlock()
	if rpcClient == nil {
		return common.Hash{}, fmt.Errorf("没有账户 %s 的签名私钥", req.From.Hex())
	}
	args := map[string]any{
		"from":  req.From,
		"value": (*hexutil.Big)(req.Value),
	}
	if req.To != nil {
		args["to"] = req.To
	}
	if len(req.Data) > 0 {
		args["data"] = hexutil.Bytes(req.Data)
	}
	if req.Gas > 0 {
		args["gas"] = hexutil.Uint64(req.Gas)
	}
	if req.GasPrice != nil {
		args["gasPrice"] = (*hexutil.Big)(req.GasPrice)
	}
	var hash common.Hash
	if err := rpcClient.CallContext(ctx, &hash, "eth_sendTransaction", args); err != nil {
		return common.Hash{}, fmt.Errorf("节点签名发送交易失败: %w", err)
	}
	return hash, nil
}

func (c *Client) sendSigned(ctx context.Context, req web3.TxRequest, priv *ecdsa.PrivateKey) (common.Hash, error) {
	chainID, err := c.chainIDOf(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gas := req.Gas
	if gas == 0 {
		gas, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{From: req.From, To: req.To, Value: req.Value, Data: req.Data})
		if err != nil {
			return common.Hash{}, fmt.Errorf("估算 gas 失败: %w", err)
		}
	}

	var tx *coretypes.Transaction
	if req.GasPrice != nil {
		tx = coretypes.NewTx(&coretypes.LegacyTx{
			Nonce: nonce, GasPrice: req.GasPrice, Gas: gas, To: req.To, Value: req.Value, Data: req.Data,
		})
	} else {
		tip, err := c.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
		}
		head, err := c.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return common.Hash{}, fmt.Errorf("获取最新区块失败: %w", err)
		}
		feeCap := new(big.Int).Set(tip)
		if head.BaseFee != nil {
			feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		}
		tx = coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID: chainID, Nonce: nonce, GasTipCap: tip, GasFeeCap: feeCap, Gas: gas, To: req.To, Value: req.Value, Data: req.Data,
		})
	}

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(chainID), priv)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed.Hash(), nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (web3.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.commit != nil {
			c.commit()
		}
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			out := web3.TxReceipt{
				Hash:        hash,
				GasUsed:     receipt.GasUsed,
				Succeeded:   receipt.Status == coretypes.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber.Uint64(),
			}
			if receipt.ContractAddress != (common.Address{}) {
				addr := receipt.ContractAddress
				out.ContractAddress = &addr
			}
			return out, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return web3.TxReceipt{Hash: hash}, fmt.Errorf("查询交易 %s 回执失败: %w: %w", hash.Hex(), web3.ErrReceiptPending, err)
		}
		select {
		case <-ctx.Done():
			return web3.TxReceipt{Hash: hash}, fmt.Errorf("等待交易 %s 上链超时: %w: %w", hash.Hex(), web3.ErrReceiptPending, ctx.Err())
		case <-ticker.C:
		}
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)

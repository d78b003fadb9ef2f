package provider

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"ChainLoop/internal/config"
	"ChainLoop/internal/web3"
	"ChainLoop/internal/web3/ethereum"

	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient/simulated"
	"github.com/ethereum/go-ethereum/params"
)

// DevKeys 是本地开发链（anvil/hardhat）的前两个预置账户私钥，对应地址簿中的 Alice 与 Bob。
var DevKeys = []string{
	"0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80",
	"0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d",
}

// SimulatedChainName 是模拟链在注册表中的名称。
const SimulatedChainName = "simulated"

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]web3.Client
	closers      []func()
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	keys, err := web3.NewKeyring(cfg.SignerKeys...)
	if err != nil {
		return nil, err
	}

	r := &Registry{clients: make(map[string]web3.Client)}
	if cfg.Simulated {
		client, closeFn, err := NewSimulated(keys)
		if err != nil {
			return nil, err
		}
		r.clients[SimulatedChainName] = client
		r.closers = append(r.closers, closeFn)
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = SimulatedChainName
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		r.Close()
		return nil, err
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		switch chainType {
		case "", "evm", "ethereum":
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		var receiptTimeout time.Duration
		if chain.ReceiptTimeout != "" {
			receiptTimeout, err = time.ParseDuration(chain.ReceiptTimeout)
			if err != nil {
				r.Close()
				return nil, fmt.Errorf("链 %s 的 receipt_timeout 无效: %w", name, err)
			}
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           name,
			RPCURL:         chain.RPCURL,
			Notes:          chain.Description,
			Keys:           keys,
			DefaultSender:  chain.DefaultSender,
			ReceiptTimeout: receiptTimeout,
		})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
	}

	if len(r.clients) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: "default", RPCURL: cfg.RPCURL, Keys: keys})
		if err != nil {
			return nil, err
		}
		r.clients["default"] = client
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}

	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// NewSimulated 启动进程内模拟链，为 DevKeys 与 keys 中的账户各预置 10000 ETH。
// 返回的关闭函数会同时停止模拟链。
func NewSimulated(keys *web3.Keyring) (*ethereum.Client, func(), error) {
	if keys == nil {
		var err error
		if keys, err = web3.NewKeyring(); err != nil {
			return nil, nil, err
		}
	}
	dev, err := web3.NewKeyring(DevKeys...)
	if err != nil {
		return nil, nil, err
	}
	// 开发账户排在最后，配置的签名账户优先作为默认发送方。
	for _, addr := range dev.Addresses() {
		if key, ok := dev.Key(addr); ok {
			if _, exists := keys.Key(addr); !exists {
				keys.Add(key)
			}
		}
	}

	funds := new(big.Int).Mul(big.NewInt(10_000), big.NewInt(params.Ether))
	alloc := coretypes.GenesisAlloc{}
	for _, addr := range keys.Addresses() {
		alloc[addr] = coretypes.Account{Balance: funds}
	}
	sim := simulated.NewBackend(alloc)
	client := ethereum.NewSimulatedClient(SimulatedChainName, sim, keys)
	closeFn := func() {
		client.Close()
		_ = sim.Close()
	}
	return client, closeFn, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// DefaultChain 返回默认链名称。
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
	for _, fn := range r.closers {
		fn()
	}
	r.closers = nil
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot 汇总链的基本信息，供探活与能力列表使用。
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber uint64 `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Balance 是一次余额查询的结果，Amount 以最小单位计。
type Balance struct {
	Address      common.Address
	Amount       *big.Int
	Denomination string
	BlockNumber  uint64
}

// TxRequest 描述待签名发送的交易。To 为空表示合约创建。
type TxRequest struct {
	From     common.Address
	To       *common.Address
	Value    *big.Int
	Data     []byte
	Gas      uint64
	GasPrice *big.Int
}

// ErrReceiptPending 表示交易已经广播，但在等待时限内没有拿到回执。此时 TxReceipt 只有 Hash。
var ErrReceiptPending = errors.New("transaction broadcast but receipt not available")

// TxReceipt 是交易上链后的回执摘要。
type TxReceipt struct {
	Hash            common.Hash
	GasUsed         uint64
	Succeeded       bool
	BlockNumber     uint64
	ContractAddress *common.Address
}

// CallRequest 描述一次只读合约调用。
type CallRequest struct {
	From common.Address
	To   common.Address
	Data []byte
}

// Client 定义工具进程访问链所需的全部能力，不同链族各自实现。
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	Balance(ctx context.Context, account common.Address, token *common.Address) (Balance, error)
	Code(ctx context.Context, account common.Address) ([]byte, error)
	Call(ctx context.Context, req CallRequest) ([]byte, error)
	SendTransaction(ctx context.Context, req TxRequest) (TxReceipt, error)
	// DefaultSender 返回未指定 from 时使用的账户。
	DefaultSender() (common.Address, bool)
	Close()
}

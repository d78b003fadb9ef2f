package web3

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Keyring 保存工具进程可用于签名的私钥，按地址索引。
type Keyring struct {
	mu    sync.RWMutex
	keys  map[common.Address]*ecdsa.PrivateKey
	order []common.Address
}

// NewKeyring 从十六进制私钥构建签名钥匙串，空字符串会被忽略。
func NewKeyring(hexKeys ...string) (*Keyring, error) {
	k := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey)}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("解析第 %d 个签名私钥失败: %w", i+1, err)
		}
		k.Add(key)
	}
	return k, nil
}

// Add 加入一把私钥并返回其地址。
func (k *Keyring) Add(key *ecdsa.PrivateKey) common.Address {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[addr]; !ok {
		k.order = append(k.order, addr)
	}
	k.keys[addr] = key
	return addr
}

// Key 返回地址对应的私钥。
func (k *Keyring) Key(addr common.Address) (*ecdsa.PrivateKey, bool) {
	if k == nil {
		return nil, false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[addr]
	return key, ok
}

// Addresses 按加入顺序返回全部地址。
func (k *Keyring) Addresses() []common.Address {
	if k == nil {
		return nil
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return append([]common.Address(nil), k.order...)
}

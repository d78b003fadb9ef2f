package web3

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressCheck 是地址校验结果。
type AddressCheck struct {
	Valid       bool
	Checksummed string
	Reason      string
}

// CheckAddress 校验十六进制地址。全小写或全大写的地址视为未携带校验和；
// 大小写混合的地址必须与 EIP-55 校验和完全一致。
func CheckAddress(raw string) AddressCheck {
	s := strings.TrimSpace(raw)
	if !common.IsHexAddress(s) {
		return AddressCheck{Reason: fmt.Sprintf("%q is not a 20-byte hex address", raw)}
	}
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return AddressCheck{Reason: fmt.Sprintf("%q is missing the 0x prefix", raw)}
	}
	addr := common.HexToAddress(s)
	body := s[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) && "0x"+body != addr.Hex() {
		return AddressCheck{Checksummed: addr.Hex(), Reason: fmt.Sprintf("%q fails checksum validation", raw)}
	}
	return AddressCheck{Valid: true, Checksummed: addr.Hex()}
}

// ParseAddress 校验并解析地址。
func ParseAddress(raw string) (common.Address, error) {
	check := CheckAddress(raw)
	if !check.Valid {
		return common.Address{}, fmt.Errorf("invalid address: %s", check.Reason)
	}
	return common.HexToAddress(check.Checksummed), nil
}

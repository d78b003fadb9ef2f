package web3

import (
	"fmt"
	"math/big"
	"strings"
)

// DecimalsOf 返回常见计价单位对应的小数位数。
func DecimalsOf(unit string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "eth", "ether":
		return 18, nil
	case "gwei":
		return 9, nil
	case "wei":
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
}

// ParseUnits 把十进制金额字符串按 decimals 位小数换算为最小单位，不经过浮点数。
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("amount is empty")
	}
	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("amount %q is negative", amount)
	}
	whole, frac, _ := strings.Cut(amount, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("amount %q is not a decimal number", amount)
		}
	}
	digits = strings.TrimLeft(digits, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("amount %q is not a decimal number", amount)
	}
	return n, nil
}

// ParseAmount 解析形如 "1.5" + "eth" 的金额，返回 wei。
func ParseAmount(amount, unit string) (*big.Int, error) {
	decimals, err := DecimalsOf(unit)
	if err != nil {
		return nil, err
	}
	return ParseUnits(amount, decimals)
}

// FormatUnits 是 ParseUnits 的逆运算，去掉多余的尾随零。
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	s := v.String()
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		whole, frac := s[:len(s)-decimals], strings.TrimRight(s[len(s)-decimals:], "0")
		s = whole
		if frac != "" {
			s += "." + frac
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

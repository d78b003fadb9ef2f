package web3

import (
	"fmt"
	"math/big"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var signaturePattern = regexp.MustCompile(`^\s*([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*$`)

// ParseSignature 解析 "transfer(address,uint256)" 形式的函数签名，返回函数名与规范化后的参数类型。
func ParseSignature(signature string) (string, []string, error) {
	m := signaturePattern.FindStringSubmatch(signature)
	if m == nil {
		return "", nil, fmt.Errorf("malformed function signature %q", signature)
	}
	name, inner := m[1], strings.TrimSpace(m[2])
	if inner == "" {
		return name, nil, nil
	}
	parts := strings.Split(inner, ",")
	types := make([]string, len(parts))
	for i, p := range parts {
		fields := strings.Fields(p)
		if len(fields) == 0 {
			return "", nil, fmt.Errorf("empty parameter in signature %q", signature)
		}
		t := fields[0]
		switch t {
		case "uint":
			t = "uint256"
		case "int":
			t = "int256"
		}
		types[i] = t
	}
	return name, types, nil
}

// Selector 返回规范签名的 4 字节函数选择器。
func Selector(name string, types []string) []byte {
	canonical := name + "(" + strings.Join(types, ",") + ")"
	return crypto.Keccak256([]byte(canonical))[:4]
}

// EncodeCall 按函数签名把字符串参数编码为 calldata。
func EncodeCall(signature string, args []string) ([]byte, error) {
	name, types, err := ParseSignature(signature)
	if err != nil {
		return nil, err
	}
	if len(types) != len(args) {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", name, len(types), len(args))
	}
	arguments := make(abi.Arguments, len(types))
	values := make([]any, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		arguments[i] = abi.Argument{Type: typ}
		v, err := convertArg(typ, strings.TrimSpace(args[i]))
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, t, err)
		}
		values[i] = v
	}
	packed, err := arguments.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack arguments: %w", err)
	}
	return append(Selector(name, types), packed...), nil
}

func convertArg(typ abi.Type, raw string) (any, error) {
	switch typ.T {
	case abi.AddressTy:
		return ParseAddress(raw)
	case abi.BoolTy:
		return strconv.ParseBool(raw)
	case abi.StringTy:
		return raw, nil
	case abi.BytesTy:
		return hexutil.Decode(raw)
	case abi.FixedBytesTy:
		b, err := hexutil.Decode(raw)
		if err != nil {
			return nil, err
		}
		if len(b) != typ.Size {
			return nil, fmt.Errorf("expected %d bytes, got %d", typ.Size, len(b))
		}
		arr := reflect.New(typ.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil
	case abi.UintTy, abi.IntTy:
		n, ok := new(big.Int).SetString(raw, 0)
		if !ok {
			return nil, fmt.Errorf("%q is not an integer", raw)
		}
		if typ.T == abi.UintTy && n.Sign() < 0 {
			return nil, fmt.Errorf("%q is negative", raw)
		}
		if typ.Size > 64 {
			return n, nil
		}
		if typ.T == abi.UintTy {
			if n.BitLen() > typ.Size {
				return nil, fmt.Errorf("%q overflows uint%d", raw, typ.Size)
			}
			return reflect.ValueOf(n.Uint64()).Convert(typ.GetType()).Interface(), nil
		}
		if n.BitLen() >= typ.Size {
			return nil, fmt.Errorf("%q overflows int%d", raw, typ.Size)
		}
		return reflect.ValueOf(n.Int64()).Convert(typ.GetType()).Interface(), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %s", typ.String())
	}
}

// BalanceOfCalldata 构造 ERC-20 balanceOf(address) 调用。
func BalanceOfCalldata(owner common.Address) []byte {
	data := Selector("balanceOf", []string{"address"})
	return append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
}

package toolprovider

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Version 是能力集的版本号。
const Version = "1.1.0"

// 能力方法名。
const (
	MethodValidateAddress    = "validate_address"
	MethodCheckBalance       = "check_balance"
	MethodGetContractCode    = "get_contract_code"
	MethodCallContract       = "call_contract"
	MethodComposeTransaction = "compose_transaction"
	MethodListCapabilities   = "list_capabilities"
	MethodPing               = "ping"
)

// Capability 描述一个可调用的能力。
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Idempotent  bool   `json:"idempotent"`
	schema      *gojsonschema.Schema
}

const (
	addressPattern = `^0[xX][0-9a-fA-F]{40}$`
	quantity       = `^(0[xX][0-9a-fA-F]+|[0-9]+)$`
	hexData        = `^0[xX]([0-9a-fA-F]{2})*$`
)

var catalog = []struct {
	name, description string
	idempotent        bool
	schema            string
}{
	{MethodValidateAddress, "Validate a hex address and return its EIP-55 checksum form", true, `{
		"type": "object",
		"properties": {"address": {"type": "string"}},
		"required": ["address"]
	}`},
	{MethodCheckBalance, "Native or ERC-20 balance of an account in base units", true, `{
		"type": "object",
		"properties": {
			"address": {"type": "string", "pattern": "` + addressPattern + `"},
			"token": {"type": "string", "pattern": "` + addressPattern + `"}
		},
		"required": ["address"]
	}`},
	{MethodGetContractCode, "Runtime bytecode deployed at an address", true, `{
		"type": "object",
		"properties": {"address": {"type": "string", "pattern": "` + addressPattern + `"}},
		"required": ["address"]
	}`},
	{MethodCallContract, "Read-only contract call", true, `{
		"type": "object",
		"properties": {
			"to": {"type": "string", "pattern": "` + addressPattern + `"},
			"from": {"type": "string", "pattern": "` + addressPattern + `"},
			"data": {"type": "string", "pattern": "` + hexData + `"}
		},
		"required": ["to", "data"]
	}`},
	{MethodComposeTransaction, "Sign, send and wait for a transaction; omit to for contract creation", false, `{
		"type": "object",
		"properties": {
			"to": {"type": "string", "pattern": "` + addressPattern + `"},
			"from": {"type": "string", "pattern": "` + addressPattern + `"},
			"value": {"type": "string", "pattern": "` + quantity + `"},
			"data": {"type": "string", "pattern": "` + hexData + `"},
			"gas": {"type": "integer", "minimum": 0},
			"gas_price": {"type": "string", "pattern": "` + quantity + `"}
		}
	}`},
	{MethodListCapabilities, "List exposed capabilities", true, `{"type": "object"}`},
	{MethodPing, "Liveness check", true, `{"type": "object"}`},
}

// Catalog 返回完整能力集（不考虑策略）。
func Catalog() []Capability {
	out := make([]Capability, len(catalog))
	for i, c := range catalog {
		out[i] = Capability{Name: c.name, Description: c.description, Idempotent: c.idempotent}
	}
	return out
}

// IsIdempotent 报告能力是否可以安全重试，未知能力视为不可重试。
func IsIdempotent(method string) bool {
	for _, c := range catalog {
		if c.name == method {
			return c.idempotent
		}
	}
	return false
}

func compileCatalog() (map[string]Capability, error) {
	out := make(map[string]Capability, len(catalog))
	for _, c := range catalog {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(c.schema))
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", c.name, err)
		}
		out[c.name] = Capability{Name: c.name, Description: c.description, Idempotent: c.idempotent, schema: schema}
	}
	return out, nil
}

// validate 对参数做 schema 校验，返回可读的错误列表。
func (c Capability) validate(params any) error {
	if c.schema == nil {
		return nil
	}
	result, err := c.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("validate params: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

package rules

import (
	"sort"
	"strings"
)

// 本地开发链预置账户。
const (
	AliceAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
	BobAddress   = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// AddressBook 把人类可读的名称映射到地址，名称不区分大小写。
type AddressBook map[string]string

// DefaultAddressBook 返回包含 Alice 与 Bob 的地址簿。
func DefaultAddressBook() AddressBook {
	return AddressBook{"alice": AliceAddress, "bob": BobAddress}
}

// Merge 返回合并后的新地址簿，other 中的条目优先。
func (b AddressBook) Merge(other map[string]string) AddressBook {
	out := make(AddressBook, len(b)+len(other))
	for name, addr := range b {
		out[strings.ToLower(name)] = addr
	}
	for name, addr := range other {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" && strings.TrimSpace(addr) != "" {
			out[name] = strings.TrimSpace(addr)
		}
	}
	return out
}

// Resolve 解析名称；未知名称原样返回，ok 为 false。
func (b AddressBook) Resolve(who string) (string, bool) {
	who = trimWord(who)
	if addr, ok := b[strings.ToLower(who)]; ok {
		return addr, true
	}
	return who, false
}

// Names 返回排序后的名称列表。
func (b AddressBook) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// trimWord 去掉名称两侧的标点与所有格后缀。
func trimWord(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "?!.,;:\"'()")
	s = strings.TrimSuffix(s, "'s")
	return s
}

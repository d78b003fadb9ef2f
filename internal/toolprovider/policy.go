package toolprovider

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy 控制工具进程对外暴露的能力。Allow 为空表示全部允许，Deny 优先于 Allow。
type Policy struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// 探活与能力列表始终可用。
var alwaysAllowed = []string{MethodPing, MethodListCapabilities}

// LoadPolicy 读取 YAML 能力策略，路径为空时返回放行全部的策略。
func LoadPolicy(path string) (Policy, error) {
	var p Policy
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read capability policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("unmarshal capability policy: %w", err)
	}
	return p, p.Validate()
}

// Validate 拒绝引用未知能力的策略。
func (p Policy) Validate() error {
	known := Catalog()
	for _, name := range append(append([]string(nil), p.Allow...), p.Deny...) {
		if !slices.ContainsFunc(known, func(c Capability) bool { return c.Name == name }) {
			return fmt.Errorf("capability policy references unknown capability %q", name)
		}
	}
	return nil
}

// Allowed 判断能力是否可被调用。
func (p Policy) Allowed(method string) bool {
	if slices.Contains(alwaysAllowed, method) {
		return true
	}
	if slices.Contains(p.Deny, method) {
		return false
	}
	if len(p.Allow) == 0 {
		return true
	}
	return slices.Contains(p.Allow, method)
}

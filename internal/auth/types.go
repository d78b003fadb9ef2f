package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// 鉴权错误。
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Subject 是通过鉴权的调用方。
type Subject struct {
	// Token 的指纹，日志中用它代替原始令牌。
	Fingerprint string
}

// Tokens 保存静态 Bearer 令牌，比较时使用常量时间。
type Tokens struct {
	digests [][32]byte
}

// NewTokens 构造令牌集合，忽略空白项；集合为空时不做鉴权。
func NewTokens(tokens []string) *Tokens {
	t := &Tokens{}
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		t.digests = append(t.digests, sha256.Sum256([]byte(token)))
	}
	return t
}

// Enabled 判断是否配置了令牌。
func (t *Tokens) Enabled() bool {
	return t != nil && len(t.digests) > 0
}

// Authenticate 校验 Authorization 头。
func (t *Tokens) Authenticate(authorization string) (*Subject, error) {
	token, ok := bearer(authorization)
	if !ok {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	matched := 0
	for _, candidate := range t.digests {
		matched |= subtle.ConstantTimeCompare(digest[:], candidate[:])
	}
	if matched != 1 {
		return nil, ErrInvalidToken
	}
	return &Subject{Fingerprint: fingerprint(digest)}, nil
}

func bearer(header string) (string, bool) {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func fingerprint(digest [32]byte) string {
	return hex.EncodeToString(digest[:4])
}

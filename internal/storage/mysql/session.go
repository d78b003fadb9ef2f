package mysql

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound 表示会话记录不存在。
var ErrNotFound = errors.New("session record not found")

// SessionRecord 是一次编排会话的终态快照。
type SessionRecord struct {
	SessionID string          `json:"session_id"`
	Request   string          `json:"request"`
	Accepted  bool            `json:"accepted"`
	State     string          `json:"state"`
	Attempts  int             `json:"attempts"`
	Plans     int             `json:"plans"`
	Score     int             `json:"score"`
	Rationale string          `json:"rationale"`
	Results   json.RawMessage `json:"results,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// SessionRepository 定义会话历史的持久化接口。
type SessionRepository interface {
	Save(ctx context.Context, record *SessionRecord) error
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 20
	}
	if limit > 500 {
		return 500
	}
	return limit
}

package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sqliteSessionSchema = `CREATE TABLE IF NOT EXISTS sessions (
        session_id TEXT NOT NULL PRIMARY KEY,
        request TEXT NOT NULL,
        accepted INTEGER NOT NULL DEFAULT 0,
        state TEXT NOT NULL,
        attempts INTEGER NOT NULL DEFAULT 0,
        plans INTEGER NOT NULL DEFAULT 0,
        score INTEGER NOT NULL DEFAULT 0,
        rationale TEXT NOT NULL,
        results TEXT,
        created_at INTEGER NOT NULL
)`

const (
	upsertSessionMySQL = `INSERT INTO sessions (session_id, request, accepted, state, attempts, plans, score, rationale, results, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE accepted = VALUES(accepted), state = VALUES(state), attempts = VALUES(attempts), plans = VALUES(plans), score = VALUES(score), rationale = VALUES(rationale), results = VALUES(results)`
	upsertSessionSQLite = `INSERT INTO sessions (session_id, request, accepted, state, attempts, plans, score, rationale, results, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET accepted = excluded.accepted, state = excluded.state, attempts = excluded.attempts, plans = excluded.plans, score = excluded.score, rationale = excluded.rationale, results = excluded.results`
	selectSessionColumns = `SELECT session_id, request, accepted, state, attempts, plans, score, rationale, results, created_at FROM sessions`
)

// SQLSessionRepository 使用 MySQL 或 SQLite 保存会话记录。
type SQLSessionRepository struct {
	db      *sql.DB
	dialect string
}

// NewSQLSessionRepository 打开数据库并准备 sessions 表。
func NewSQLSessionRepository(ctx context.Context, cfg Config) (*SQLSessionRepository, error) {
	db, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectMySQL
	}
	repo, err := newSQLSessionRepository(ctx, db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// newSQLSessionRepository 基于已有连接初始化表结构。
func newSQLSessionRepository(ctx context.Context, db *sql.DB, dialect string) (*SQLSessionRepository, error) {
	switch dialect {
	case DialectMySQL:
		if err := Migrate(ctx, db); err != nil {
			return nil, err
		}
	case DialectSQLite:
		if _, err := db.ExecContext(ctx, sqliteSessionSchema); err != nil {
			return nil, fmt.Errorf("初始化 sessions 表失败: %w", err)
		}
	default:
		return nil, fmt.Errorf("不支持的数据库方言 %q", dialect)
	}
	return &SQLSessionRepository{db: db, dialect: dialect}, nil
}

// Save 写入会话记录，重复的会话 ID 会覆盖终态字段。
func (r *SQLSessionRepository) Save(ctx context.Context, record *SessionRecord) error {
	if record == nil || record.SessionID == "" {
		return errors.New("会话记录缺少 session_id")
	}
	query := upsertSessionMySQL
	if r.dialect == DialectSQLite {
		query = upsertSessionSQLite
	}
	var results any
	if len(record.Results) > 0 {
		results = string(record.Results)
	}
	_, err := r.db.ExecContext(ctx, query,
		record.SessionID,
		record.Request,
		record.Accepted,
		record.State,
		record.Attempts,
		record.Plans,
		record.Score,
		record.Rationale,
		results,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("写入会话记录失败: %w", err)
	}
	return nil
}

// Get 按会话 ID 读取记录。
func (r *SQLSessionRepository) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, selectSessionColumns+` WHERE session_id = ?`, sessionID)
	record, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询会话记录失败: %w", err)
	}
	return record, nil
}

// ListRecent 按创建时间倒序返回最近的记录。
func (r *SQLSessionRepository) ListRecent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectSessionColumns+` ORDER BY created_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("查询会话历史失败: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("解析会话记录失败: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历会话记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭连接池。
func (r *SQLSessionRepository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var (
		record  SessionRecord
		results sql.NullString
	)
	if err := row.Scan(
		&record.SessionID,
		&record.Request,
		&record.Accepted,
		&record.State,
		&record.Attempts,
		&record.Plans,
		&record.Score,
		&record.Rationale,
		&results,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	if results.Valid && results.String != "" {
		record.Results = []byte(results.String)
	}
	return &record, nil
}

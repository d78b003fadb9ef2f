package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/storage/mysql"

	driver "github.com/go-sql-driver/mysql"
)

const selectTaskColumns = `SELECT id, request, status, attempts, max_retries, last_error, error_code, outcome, created_at, updated_at FROM task_states`

// MySQLStore 使用 MySQL 记录任务状态。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 打开连接并执行内置迁移。
func NewMySQLStore(ctx context.Context, cfg mysql.Config) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}
	cfg.Dialect = mysql.DialectMySQL
	db, err := mysql.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := mysql.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return newMySQLStore(db), nil
}

func newMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	const stmt = `INSERT INTO task_states
        (id, request, status, attempts, max_retries, last_error, error_code, outcome, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', NULL, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Request,
		task.Status,
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *driver.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, selectTaskColumns+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string, attempt int) (*Task, error) {
	const updateStmt = `UPDATE task_states SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status = ? AND attempts = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		StatusRunning,
		time.Now().Unix(),
		id,
		StatusPending,
		attempt,
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return task, claimError(task)
	}
	return task, nil
}

// MarkSucceeded 将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, outcome *OutcomeSummary) error {
	const stmt = `UPDATE task_states SET status = ?, outcome = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`

	encoded, err := marshalOutcome(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话结果失败")
	}
	res, err := s.db.ExecContext(ctx, stmt, StatusSucceeded, encoded, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 记录失败原因，非终态失败会让任务回到 pending。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, outcome *OutcomeSummary, terminal bool) error {
	const stmt = `UPDATE task_states SET status = ?, last_error = ?, error_code = ?, outcome = COALESCE(?, outcome), updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	encoded, err := marshalOutcome(outcome)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码会话结果失败")
	}
	res, err := s.db.ExecContext(ctx, stmt, status, lastError, string(code), encoded, time.Now().Unix(), id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := selectTaskColumns
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM task_states`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusSucceeded), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Succeeded,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		lastError sql.NullString
		errorCode sql.NullString
		outcome   sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.Request,
		&task.Status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&errorCode,
		&outcome,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String
	if outcome.Valid && strings.TrimSpace(outcome.String) != "" {
		var summary OutcomeSummary
		if err := json.Unmarshal([]byte(outcome.String), &summary); err != nil {
			return nil, fmt.Errorf("decode outcome of task %s: %w", task.ID, err)
		}
		task.Outcome = &summary
	}
	return &task, nil
}

func marshalOutcome(outcome *OutcomeSummary) (sql.NullString, error) {
	if outcome == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, status)
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if len(opts.OutcomeStates) > 0 {
		placeholders := make([]string, 0, len(opts.OutcomeStates))
		for _, state := range opts.OutcomeStates {
			placeholders = append(placeholders, "?")
			args = append(args, state)
		}
		conditions = append(conditions, fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(outcome, '$.state')) IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.MinScore != nil {
		conditions = append(conditions, "CAST(JSON_EXTRACT(outcome, '$.score') AS SIGNED) >= ?")
		args = append(args, *opts.MinScore)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR request LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)

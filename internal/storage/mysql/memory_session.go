package mysql

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MemorySessionRepository 以 JSON Lines 文件保存会话记录，适合本地开发。
type MemorySessionRepository struct {
	mu      sync.RWMutex
	path    string
	records []SessionRecord
}

// NewMemorySessionRepository 在 dir 下创建或加载 sessions.jsonl。
func NewMemorySessionRepository(dir string) (*MemorySessionRepository, error) {
	if dir == "" {
		return nil, errors.New("数据目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &MemorySessionRepository{path: filepath.Join(dir, "sessions.jsonl")}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *MemorySessionRepository) load() error {
	file, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("打开会话文件失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record SessionRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("解析会话记录失败: %w", err)
		}
		r.records = append(r.records, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取会话文件失败: %w", err)
	}
	return nil
}

// Save 追加一条会话记录。
func (r *MemorySessionRepository) Save(_ context.Context, record *SessionRecord) error {
	if record == nil || record.SessionID == "" {
		return errors.New("会话记录缺少 session_id")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化会话记录失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开会话文件失败: %w", err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("写入会话记录失败: %w", err)
	}
	r.records = append(r.records, *record)
	return nil
}

// Get 按会话 ID 查找记录，同一 ID 以最后写入的为准。
func (r *MemorySessionRepository) Get(_ context.Context, sessionID string) (*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].SessionID == sessionID {
			record := r.records[i]
			return &record, nil
		}
	}
	return nil, ErrNotFound
}

// ListRecent 按创建时间倒序返回最近的记录。
func (r *MemorySessionRepository) ListRecent(_ context.Context, limit int) ([]SessionRecord, error) {
	limit = normalizeLimit(limit)

	r.mu.RLock()
	records := make([]SessionRecord, 0, len(r.records))
	for i := len(r.records) - 1; i >= 0; i-- {
		records = append(records, r.records[i])
	}
	r.mu.RUnlock()

	// 同一秒内后写入的排在前面。
	sort.SliceStable(records, func(i, j int) bool { return records[i].CreatedAt > records[j].CreatedAt })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close 实现 SessionRepository 接口。
func (r *MemorySessionRepository) Close() error { return nil }

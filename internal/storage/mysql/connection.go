package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	driver "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// 支持的 SQL 方言
const (
	DialectMySQL  = "mysql"
	DialectSQLite = "sqlite"
)

// Config 描述数据库连接参数。
type Config struct {
	Dialect         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open 打开数据库连接池。MySQL 会在库不存在时自动创建。
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("数据库 DSN 不能为空")
	}
	switch cfg.Dialect {
	case "", DialectMySQL:
		cfg.Dialect = DialectMySQL
		if err := ensureDatabase(ctx, cfg.DSN); err != nil {
			return nil, err
		}
	case DialectSQLite:
		if dir := filepath.Dir(sqlitePath(cfg.DSN)); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建 SQLite 目录失败: %w", err)
			}
		}
	default:
		return nil, fmt.Errorf("不支持的数据库方言 %q", cfg.Dialect)
	}

	db, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if cfg.Dialect == DialectSQLite {
		// SQLite 只允许单写者。
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到数据库: %w", err)
	}
	return db, nil
}

// ensureDatabase 连接到服务器并创建 DSN 指定的库。
func ensureDatabase(ctx context.Context, dsn string) error {
	parsed, err := driver.ParseDSN(dsn)
	if err != nil {
		return fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	name := parsed.DBName
	if name == "" {
		return nil
	}
	parsed.DBName = ""
	db, err := sql.Open(DialectMySQL, parsed.FormatDSN())
	if err != nil {
		return fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	defer db.Close()
	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4", strings.ReplaceAll(name, "`", ""))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("创建数据库 %s 失败: %w", name, err)
	}
	return nil
}

func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	return path
}

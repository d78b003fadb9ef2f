package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// AddSource annotates records with file:line.
	AddSource bool
	Rotation  RotationConfig
	Audit     AuditConfig
}

// RotationConfig applies to every file listed in OutputPaths.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig controls audit log output behaviour.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
	initialised   bool
)

// Init configures the global logger instances. Calling it twice returns an
// error and keeps the first configuration.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialised {
		return errors.New("logger already initialised")
	}

	handlerOpts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, cfg.Rotation, handlerOpts)
	if err != nil {
		return err
	}
	defaultLogger = slog.New(handler)
	auditLogger = defaultLogger
	if cfg.Audit.Enabled {
		audit, err := buildAuditLogger(cfg.Audit)
		if err != nil {
			return err
		}
		auditLogger = audit
	}
	initialised = true
	return nil
}

func buildHandler(format string, outputs []string, rotation RotationConfig, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		writer, err := openWriter(out, rotation)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	writer, err := newRotatingFile(cfg.Path, RotationConfig{
		MaxSizeMB:  orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 7),
		MaxAgeDays: orDefault(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, err
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("stream", "audit"), nil
}

func openWriter(path string, rotation RotationConfig) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	case "discard":
		return io.Discard, nil
	default:
		return newRotatingFile(path, rotation)
	}
}

func newRotatingFile(path string, rotation RotationConfig) (io.Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}
	closers = append(closers, writer)
	return writer, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the structured logger instance. Before Init it falls back to a
// JSON logger on stderr.
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.RLock()
	l := auditLogger
	mu.RUnlock()
	if l == nil {
		return L()
	}
	return l
}

// Named returns a child logger tagged with the provided component name.
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

// Sync closes file outputs. Loggers stay usable but further writes to rotated
// files reopen them.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	return err
}

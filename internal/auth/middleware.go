package auth

import (
	"log/slog"
	"net/http"
	"time"

	loggerpkg "ChainLoop/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
	// Audit 为空时使用全局审计日志。
	Audit *slog.Logger
}

// Middleware 返回一个 HTTP 中间件，缺失或错误的令牌返回 401 并写入审计日志。
func (t *Tokens) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			audit := cfg.Audit
			if audit == nil {
				audit = loggerpkg.Audit()
			}
			if !t.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := t.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				w.Header().Set("WWW-Authenticate", `Bearer realm="chainloop"`)
				http.Error(w, http.StatusText(status), status)
				audit.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"remote", r.RemoteAddr,
					"error", err.Error(),
				)
				return
			}
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			audit.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"token", subject.Fingerprint,
			)
		})
	}
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

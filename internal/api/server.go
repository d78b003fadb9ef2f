package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ChainLoop/internal/auth"
	xerrors "ChainLoop/internal/errors"
	"ChainLoop/internal/observability/metrics"
	"ChainLoop/internal/storage/mysql"
	"ChainLoop/internal/task"
	"ChainLoop/pkg/logger"
)

// TaskService 是 API 依赖的任务服务能力。
type TaskService interface {
	Submit(ctx context.Context, request string) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Task, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.TaskStats, error)
}

// HistoryLister 提供最近的会话记录。
type HistoryLister interface {
	ListRecent(ctx context.Context, limit int) ([]mysql.SessionRecord, error)
}

// Option 定义可选配置。
type Option func(*Server)

// WithTokens 启用 Bearer 令牌鉴权。
func WithTokens(tokens []string) Option {
	return func(s *Server) {
		s.tokens = auth.NewTokens(tokens)
	}
}

// WithRateLimit 启用按客户端 IP 的限流，rps 为 0 时不限流。
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			s.limiter = newIPLimiter(rps, burst)
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server 负责暴露 REST 接口，供外部提交请求并查询任务。
type Server struct {
	addr    string
	tasks   TaskService
	history HistoryLister
	tokens  *auth.Tokens
	limiter *ipLimiter
	logger  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, tasks TaskService, history HistoryLister, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		tasks:   tasks,
		history: history,
		tokens:  auth.NewTokens(nil),
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，/healthz 与 /metrics 不做鉴权。
func (s *Server) Handler() http.Handler {
	protect := s.tokens.Middleware(auth.MiddlewareConfig{})

	api := http.NewServeMux()
	api.Handle("/api/v1/requests", instrument("requests", http.HandlerFunc(s.handleRequests)))
	api.Handle("/api/v1/tasks", instrument("tasks", http.HandlerFunc(s.handleTasks)))
	api.Handle("/api/v1/tasks/stats", instrument("task_stats", http.HandlerFunc(s.handleStats)))
	api.Handle("/api/v1/history", instrument("history", http.HandlerFunc(s.handleHistory)))

	mux := http.NewServeMux()
	mux.Handle("/api/", s.limit(protect(api)))
	mux.Handle("/healthz", instrument("healthz", http.HandlerFunc(handleHealth)))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr), slog.Bool("auth", s.tokens.Enabled()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	Request string `json:"request"`
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "", "仅支持 POST")
		return
	}
	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}
	created, err := s.tasks.Submit(r.Context(), body.Request)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "仅支持 GET")
		return
	}
	query := r.URL.Query()
	if id := strings.TrimSpace(query.Get("id")); id != "" {
		found, err := s.tasks.Get(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, found)
		return
	}
	opts, err := listOptions(query)
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "仅支持 GET")
		return
	}
	opts, err := listOptions(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, err.Error())
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "", "仅支持 GET")
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, xerrors.CodeConfigInvalid, "会话历史未启用")
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "limit 必须为正整数")
			return
		}
		limit = parsed
	}
	records, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if records == nil {
		records = []mysql.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func listOptions(query map[string][]string) ([]task.ListOption, error) {
	get := func(key string) string {
		if v := query[key]; len(v) > 0 {
			return strings.TrimSpace(v[0])
		}
		return ""
	}
	var opts []task.ListOption
	if raw := get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, errors.New("limit 必须为正整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return nil, errors.New("offset 必须为非负整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, errors.New("未知的任务状态: " + part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if raw := get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New("since 必须为 RFC3339 时间")
		}
		opts = append(opts, task.WithUpdatedSince(since))
	}
	if raw := get("outcome"); raw != "" {
		opts = append(opts, task.WithOutcomeStates(strings.Split(raw, ",")...))
	}
	if raw := get("min_score"); raw != "" {
		score, err := strconv.Atoi(raw)
		if err != nil || score < 0 || score > 100 {
			return nil, errors.New("min_score 必须在 0 到 100 之间")
		}
		opts = append(opts, task.WithMinScore(score))
	}
	if raw := get("order"); raw == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := get("q"); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	message, severity := err.Error(), xerrors.AttributesOf(code).Severity
	if e, ok := xerrors.From(err); ok {
		severity = e.Severity()
		if e.Message() != "" {
			message = e.Message()
		}
	}
	if status >= http.StatusInternalServerError || severity == xerrors.SeverityCritical {
		s.logger.Error("请求处理失败", slog.String("path", r.URL.Path), slog.String("severity", string(severity)), slog.Any("error", err))
	}
	writeError(w, status, code, message)
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case task.CodeTaskConflict:
		return http.StatusConflict
	case task.CodeTaskPublish, xerrors.CodeConfigInvalid:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorBody struct {
	Error string       `json:"error"`
	Code  xerrors.Code `json:"code,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// instrument 记录每个路由的请求数与延迟。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(name, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// Package chainloop is a small Go client for the ChainLoop REST API.
package chainloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Task statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with the ChainLoop REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Outcome is the stored summary of the session that served a task.
type Outcome struct {
	SessionID  string `json:"session_id"`
	Accepted   bool   `json:"accepted"`
	State      string `json:"state"`
	Score      int    `json:"score"`
	Attempts   int    `json:"attempts"`
	Plans      int    `json:"plans"`
	Rationale  string `json:"rationale"`
	Message    string `json:"message"`
	ErrorCode  string `json:"error_code,omitempty"`
	Steps      int    `json:"steps"`
	Succeeded  int    `json:"succeeded"`
	DurationMS int64  `json:"duration_ms"`
}

// Task mirrors the server side task record.
type Task struct {
	ID         string   `json:"id"`
	Request    string   `json:"request"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts"`
	MaxRetries int      `json:"max_retries"`
	Outcome    *Outcome `json:"outcome,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == StatusSucceeded || t.Status == StatusFailed
}

// Session is one entry of the session history.
type Session struct {
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

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainloop api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainloop api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainLoop API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every call.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// Submit queues a natural language request and returns the created task.
func (c *Client) Submit(ctx context.Context, request string) (Task, error) {
	var task Task
	if strings.TrimSpace(request) == "" {
		return task, errors.New("chainloop: request must not be empty")
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/requests", nil, map[string]string{"request": request}, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", url.Values{"id": {taskID}}, nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// WaitTask polls the task every interval until it is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// History returns the most recent sessions, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Session, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var sessions []Session
	if err := c.do(ctx, http.MethodGet, "/api/v1/history", query, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, payload any, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + endpoint
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// 默认配置文件位置及环境变量名。
const (
	DefaultPath        = "configs/chainloop.json"
	EnvConfigPath      = "CHAINLOOP_CONFIG"
	EnvToolsBinary     = "CHAINLOOP_TOOLS_BINARY"
	EnvSignerKeys      = "CHAINLOOP_SIGNER_KEYS"
	EnvAPITokens       = "CHAINLOOP_API_TOKENS"
	EnvHistoryDSN      = "CHAINLOOP_HISTORY_DSN"
	EnvTaskStoreDSN    = "CHAINLOOP_TASK_DSN"
	defaultToolsBinary = "./chainloop-tools"
)

// Config 描述了 ChainLoop 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server"`
	Logging      LoggingConfig      `json:"logging"`
	Agent        AgentConfig        `json:"agent"`
	ToolProvider ToolProviderConfig `json:"tool_provider"`
	LLM          LLMConfig          `json:"llm"`
	Web3         Web3Config         `json:"web3"`
	Storage      StorageConfig      `json:"storage"`
	Task         TaskConfig         `json:"task"`
	Knowledge    KnowledgeConfig    `json:"knowledge"`
	Alerting     AlertingConfig     `json:"alerting"`
	Runtime      RuntimeConfig      `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址、鉴权与限流。
type ServerConfig struct {
	Address string `json:"address"`
	// AuthTokens 为空时不做鉴权。
	AuthTokens []string        `json:"auth_tokens"`
	RateLimit  RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 是按客户端 IP 的令牌桶参数，RequestsPerSecond 为 0 表示不限流。
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// LoggingConfig 对应 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AddSource   bool     `json:"add_source"`
	MaxSizeMB   int      `json:"max_size_mb"`
	MaxBackups  int      `json:"max_backups"`
	MaxAgeDays  int      `json:"max_age_days"`
	Compress    bool     `json:"compress"`
	Audit       struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"audit"`
}

// AgentConfig 是编排循环的策略参数，启动后只读。
type AgentConfig struct {
	EvaluationThreshold int `json:"evaluation_threshold"`
	// MaxRetries、ReplanLimit 为负数时表示 0。
	MaxRetries         int               `json:"max_retries"`
	ReplanLimit        int               `json:"replan_limit"`
	CallTimeoutSeconds int               `json:"call_timeout_seconds"`
	PlanTimeoutSeconds int               `json:"plan_timeout_seconds"`
	Interpreter        string            `json:"interpreter"`
	LLMRelevance       bool              `json:"llm_relevance"`
	Scoring            ScoringConfig     `json:"scoring"`
	AddressBook        map[string]string `json:"address_book"`
}

// ScoringConfig 描述评估器的打分权重，Expression 为可选的 CEL 表达式。
type ScoringConfig struct {
	CoverageWeight  float64 `json:"coverage_weight"`
	RelevanceWeight float64 `json:"relevance_weight"`
	Expression      string  `json:"expression"`
}

// CallTimeout 返回单次工具调用超时。
func (a AgentConfig) CallTimeout() time.Duration {
	return time.Duration(a.CallTimeoutSeconds) * time.Second
}

// PlanTimeout 返回单次规划超时。
func (a AgentConfig) PlanTimeout() time.Duration {
	return time.Duration(a.PlanTimeoutSeconds) * time.Second
}

// ToolProviderConfig 描述工具进程的启动方式。
type ToolProviderConfig struct {
	Command            string   `json:"command"`
	Args               []string `json:"args"`
	Env                []string `json:"env"`
	Dir                string   `json:"dir"`
	StopTimeoutSeconds int      `json:"stop_timeout_seconds"`
	// CapabilityPolicy 指向能力白名单/黑名单 YAML 文件。
	CapabilityPolicy string `json:"capability_policy"`
}

// StopTimeout 返回等待工具进程退出的时长。
func (t ToolProviderConfig) StopTimeout() time.Duration {
	return time.Duration(t.StopTimeoutSeconds) * time.Second
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	// Provider 取值 none、openai、anthropic、python_bridge。
	Provider    string             `json:"provider"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
	OpenAI      OpenAIConfig       `json:"openai"`
	Anthropic   AnthropicConfig    `json:"anthropic"`
	Python      PythonBridgeConfig `json:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回 HTTP 请求超时。
func (o OpenAIConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (o OpenAIConfig) ResolveAPIKey() string {
	return resolveSecret(o.APIKey, o.APIKeyEnv, "OPENAI_API_KEY")
}

// AnthropicConfig 描述 Anthropic Messages 接口。
type AnthropicConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Timeout 返回请求超时。
func (a AnthropicConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 优先使用显式配置，其次读取环境变量。
func (a AnthropicConfig) ResolveAPIKey() string {
	return resolveSecret(a.APIKey, a.APIKeyEnv, "ANTHROPIC_API_KEY")
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `json:"python_executable"`
	ScriptPath       string `json:"script_path"`
	WorkingDir       string `json:"working_dir"`
}

// Web3Config 描述工具进程访问区块链所需的信息。
type Web3Config struct {
	RPCURL       string `json:"rpc_url"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	// SignerKeys 是十六进制私钥，也可以通过 CHAINLOOP_SIGNER_KEYS 以逗号分隔传入。
	SignerKeys []string `json:"signer_keys"`
	// Simulated 为 true 时使用进程内模拟链，预置开发账户余额。
	Simulated bool `json:"simulated"`
}

// StorageConfig 描述会话历史的存储后端。
type StorageConfig struct {
	History HistoryConfig `json:"history"`
}

// HistoryConfig 取值 memory、mysql、sqlite。
type HistoryConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// TaskConfig 描述异步任务的存储、队列与并发。
type TaskConfig struct {
	Store      TaskStoreConfig `json:"store"`
	Queue      QueueConfig     `json:"queue"`
	Workers    int             `json:"workers"`
	MaxRetries int             `json:"max_retries"`
}

// TaskStoreConfig 取值 memory、mysql。
type TaskStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 取值 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 是 Redis 队列的连接参数。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 是 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// KnowledgeConfig 指向静态知识库文件。
type KnowledgeConfig struct {
	Source     string `json:"source"`
	MaxResults int    `json:"max_results"`
}

// AlertingConfig 配置告警通道。
type AlertingConfig struct {
	Enabled        bool   `json:"enabled"`
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// ResolvePath 返回配置文件路径：优先环境变量，其次默认值。
func ResolvePath(explicit string) string {
	if strings.TrimSpace(explicit) != "" {
		return explicit
	}
	if env := strings.TrimSpace(os.Getenv(EnvConfigPath)); env != "" {
		return env
	}
	return DefaultPath
}

// LoadEnv 加载 .env 文件，文件不存在时忽略。
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("加载 .env 失败: %w", err)
	}
	return nil
}

// Load 负责解析指定路径的 JSON 配置文件。文件不存在时返回全默认配置。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	var cfg Config
	file, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	default:
		defer file.Close()
		content, err := io.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if bin := strings.TrimSpace(os.Getenv(EnvToolsBinary)); bin != "" {
		c.ToolProvider.Command = bin
	}
	if keys := splitList(os.Getenv(EnvSignerKeys)); len(keys) > 0 {
		c.Web3.SignerKeys = append(c.Web3.SignerKeys, keys...)
	}
	if tokens := splitList(os.Getenv(EnvAPITokens)); len(tokens) > 0 {
		c.Server.AuthTokens = append(c.Server.AuthTokens, tokens...)
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvHistoryDSN)); dsn != "" {
		c.Storage.History.DSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv(EnvTaskStoreDSN)); dsn != "" {
		c.Task.Store.DSN = dsn
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit.RequestsPerSecond > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RequestsPerSecond) + 1
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Agent.EvaluationThreshold == 0 {
		c.Agent.EvaluationThreshold = 70
	}
	c.Agent.MaxRetries = defaultCount(c.Agent.MaxRetries, 3)
	c.Agent.ReplanLimit = defaultCount(c.Agent.ReplanLimit, 2)
	if c.Agent.CallTimeoutSeconds <= 0 {
		c.Agent.CallTimeoutSeconds = 30
	}
	if c.Agent.PlanTimeoutSeconds <= 0 {
		c.Agent.PlanTimeoutSeconds = 60
	}
	if c.Agent.Interpreter == "" {
		c.Agent.Interpreter = "rules"
	}
	if c.Agent.Scoring.CoverageWeight == 0 && c.Agent.Scoring.RelevanceWeight == 0 {
		c.Agent.Scoring.CoverageWeight = 0.5
		c.Agent.Scoring.RelevanceWeight = 0.5
	}

	if c.ToolProvider.Command == "" {
		c.ToolProvider.Command = defaultToolsBinary
	}
	if c.ToolProvider.StopTimeoutSeconds <= 0 {
		c.ToolProvider.StopTimeoutSeconds = 2
	}
	c.ToolProvider.CapabilityPolicy = resolve(baseDir, c.ToolProvider.CapabilityPolicy)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else {
		c.LLM.Python.WorkingDir = resolve(baseDir, c.LLM.Python.WorkingDir)
	}

	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else {
		c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.History.Driver == "" {
		c.Storage.History.Driver = "memory"
	}
	if c.Storage.History.Driver == "sqlite" && c.Storage.History.DSN == "" {
		c.Storage.History.DSN = filepath.Join(c.Runtime.DataDir, "history.db")
	}

	if c.Task.Store.Driver == "" {
		c.Task.Store.Driver = "memory"
	}
	if c.Task.Queue.Driver == "" {
		c.Task.Queue.Driver = "memory"
	}
	if c.Task.Queue.Buffer <= 0 {
		c.Task.Queue.Buffer = 1024
	}
	if c.Task.Workers <= 0 {
		c.Task.Workers = 1
	}
	if c.Task.MaxRetries <= 0 {
		c.Task.MaxRetries = 3
	}

	c.Knowledge.Source = resolve(baseDir, c.Knowledge.Source)
	if c.Knowledge.MaxResults <= 0 {
		c.Knowledge.MaxResults = 3
	}
}

// Validate 检查取值范围与枚举字段。
func (c *Config) Validate() error {
	if c.Agent.EvaluationThreshold < 0 || c.Agent.EvaluationThreshold > 100 {
		return fmt.Errorf("agent.evaluation_threshold 必须在 0-100 之间: %d", c.Agent.EvaluationThreshold)
	}
	if c.Agent.Scoring.CoverageWeight < 0 || c.Agent.Scoring.RelevanceWeight < 0 {
		return errors.New("agent.scoring 权重不能为负数")
	}
	checks := []struct {
		field, value string
		allowed      []string
	}{
		{"agent.interpreter", c.Agent.Interpreter, []string{"rules", "llm"}},
		{"llm.provider", c.LLM.Provider, []string{"none", "openai", "anthropic", "python_bridge"}},
		{"storage.history.driver", c.Storage.History.Driver, []string{"memory", "mysql", "sqlite"}},
		{"task.store.driver", c.Task.Store.Driver, []string{"memory", "mysql"}},
		{"task.queue.driver", c.Task.Queue.Driver, []string{"memory", "redis", "rabbitmq"}},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("%s 不支持取值 %q（可选: %s）", check.field, check.value, strings.Join(check.allowed, ", "))
		}
	}
	if c.Agent.Interpreter == "llm" && c.LLM.Provider == "none" {
		return errors.New("agent.interpreter=llm 需要配置 llm.provider")
	}
	return nil
}

func defaultCount(v, def int) int {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	default:
		return v
	}
}

func resolve(baseDir, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func resolveSecret(explicit, envName, fallbackEnv string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if envName != "" {
		if v := strings.TrimSpace(os.Getenv(envName)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(fallbackEnv))
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

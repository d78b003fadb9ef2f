package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"ChainLoop/internal/agent"
	"ChainLoop/internal/config"
	"ChainLoop/internal/interpreter/llmplan"
	"ChainLoop/internal/interpreter/rules"
	"ChainLoop/internal/knowledge"
	"ChainLoop/internal/llm"
	"ChainLoop/internal/llm/anthropic"
	"ChainLoop/internal/llm/openai"
	"ChainLoop/internal/llm/pythonbridge"
	"ChainLoop/internal/observability/alerting"
	"ChainLoop/internal/observability/metrics"
	"ChainLoop/internal/storage/mysql"
	"ChainLoop/internal/task"
	"ChainLoop/internal/toolrpc"
	"ChainLoop/pkg/logger"
)

// InitLogging 按配置初始化全局日志。stderrOnly 为 true 时强制只写 stderr。
func InitLogging(cfg config.LoggingConfig, stderrOnly bool) error {
	outputs := cfg.OutputPaths
	if stderrOnly {
		outputs = []string{"stderr"}
	}
	return logger.Init(logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: outputs,
		AddSource:   cfg.AddSource,
		Rotation: logger.RotationConfig{
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
		Audit: logger.AuditConfig{
			Enabled:    cfg.Audit.Enabled,
			Path:       cfg.Audit.Path,
			MaxSizeMB:  cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAgeDays: cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		},
	})
}

// Policy 把配置转换为编排器策略。
func Policy(cfg config.AgentConfig) agent.Policy {
	return agent.Policy{
		EvaluationThreshold: cfg.EvaluationThreshold,
		MaxRetries:          cfg.MaxRetries,
		ReplanLimit:         cfg.ReplanLimit,
		CallTimeout:         cfg.CallTimeout(),
		PlanTimeout:         cfg.PlanTimeout(),
		Scoring: agent.ScoringPolicy{
			CoverageWeight:  cfg.Scoring.CoverageWeight,
			RelevanceWeight: cfg.Scoring.RelevanceWeight,
			Expression:      cfg.Scoring.Expression,
		},
	}
}

// NewLLMClient 根据 llm.provider 创建模型客户端，provider 为 none 时返回 nil。
func NewLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:  cfg.OpenAI.ResolveAPIKey(),
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
			Timeout: cfg.OpenAI.Timeout(),
		})
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:  cfg.Anthropic.ResolveAPIKey(),
			BaseURL: cfg.Anthropic.BaseURL,
			Model:   cfg.Anthropic.Model,
			Timeout: cfg.Anthropic.Timeout(),
		})
	case "python_bridge":
		script := pythonbridge.ResolveScriptPath(cfg.Python.WorkingDir, cfg.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.Python.PythonExecutable, script, cfg.Python.WorkingDir)
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

// NewInterpreter 选择动作解释器。
func NewInterpreter(cfg *config.Config, client llm.Client) (agent.Interpreter, error) {
	switch cfg.Agent.Interpreter {
	case "", "rules":
		return rules.New(cfg.Agent.AddressBook), nil
	case "llm":
		if client == nil {
			return nil, fmt.Errorf("llm 解释器需要可用的大模型客户端")
		}
		opts := []llmplan.Option{
			llmplan.WithAddressBook(rules.DefaultAddressBook().Merge(cfg.Agent.AddressBook)),
			llmplan.WithGeneration(float32(cfg.LLM.Temperature), cfg.LLM.MaxTokens),
		}
		if cfg.Knowledge.Source != "" {
			kb, err := knowledge.LoadStaticProvider(cfg.Knowledge.Source, cfg.Knowledge.MaxResults)
			if err != nil {
				return nil, err
			}
			opts = append(opts, llmplan.WithKnowledge(kb))
		}
		return llmplan.New(client, opts...), nil
	default:
		return nil, fmt.Errorf("未知的解释器: %s", cfg.Agent.Interpreter)
	}
}

// NewHistory 打开会话历史存储。
func NewHistory(ctx context.Context, cfg *config.Config) (mysql.SessionRepository, error) {
	h := cfg.Storage.History
	switch h.Driver {
	case "", "memory":
		return mysql.NewMemorySessionRepository(cfg.Runtime.DataDir)
	case "mysql", "sqlite":
		return mysql.NewSQLSessionRepository(ctx, mysql.Config{
			Dialect:         h.Driver,
			DSN:             h.DSN,
			MaxOpenConns:    h.MaxOpenConns,
			MaxIdleConns:    h.MaxIdleConns,
			ConnMaxLifetime: time.Duration(h.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的会话历史驱动: %s", h.Driver)
	}
}

// NewAlerter 创建告警分发器：审计日志总是启用，配置了 Webhook 时追加。
func NewAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.WebhookURL, time.Duration(cfg.TimeoutSeconds)*time.Second))
	}
	return alerting.NewFanout(notifiers...)
}

// Dialer 返回启动工具进程的拨号器，调用耗时写入指标。
func Dialer(cfg config.ToolProviderConfig) toolrpc.Dialer {
	return toolrpc.ProcessDialer(toolrpc.ProcessConfig{
		Command:     cfg.Command,
		Args:        cfg.Args,
		Env:         cfg.Env,
		Dir:         cfg.Dir,
		StopTimeout: cfg.StopTimeout(),
	}, toolrpc.WithObserver(metrics.ObserveToolCall), toolrpc.WithLogger(logger.Named("toolrpc")))
}

// Components 是构建编排器所需的共享依赖。
type Components struct {
	Config      *config.Config
	Interpreter agent.Interpreter
	Judge       agent.RelevanceJudge
	History     mysql.SessionRepository
	Alerter     alerting.Dispatcher
	Dial        toolrpc.Dialer
	Logger      *slog.Logger
}

// Build 根据配置创建共享依赖，调用方负责关闭 History。
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	client, err := NewLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}
	interp, err := NewInterpreter(cfg, client)
	if err != nil {
		return nil, err
	}
	history, err := NewHistory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c := &Components{
		Config:      cfg,
		Interpreter: interp,
		History:     history,
		Alerter:     NewAlerter(cfg.Alerting),
		Dial:        Dialer(cfg.ToolProvider),
		Logger:      logger.Named("agent"),
	}
	if cfg.Agent.LLMRelevance && client != nil {
		c.Judge = agent.NewLLMJudge(client)
	}
	return c, nil
}

// NewOrchestrator 创建一个独占工具通道的编排器。withAlerts 为 false 时由调用方负责告警。
func (c *Components) NewOrchestrator(withAlerts bool, extra ...agent.Option) (*agent.Orchestrator, error) {
	opts := []agent.Option{
		agent.WithLogger(c.Logger),
		agent.WithRecorder(c.History),
	}
	if c.Judge != nil {
		opts = append(opts, agent.WithRelevanceJudge(c.Judge))
	}
	if withAlerts && c.Alerter != nil {
		opts = append(opts, agent.WithAlerter(c.Alerter))
	}
	opts = append(opts, extra...)
	return agent.New(c.Interpreter, c.Dial, Policy(c.Config.Agent), opts...)
}

// RunnerFactory 为任务处理器提供编排器，任务告警由处理器统一发送。
func (c *Components) RunnerFactory() task.RunnerFactory {
	return func(context.Context) (task.Runner, error) {
		orch, err := c.NewOrchestrator(false)
		if err != nil {
			return nil, err
		}
		return orch, nil
	}
}

// NewTaskStore 创建任务存储。
func NewTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, mysql.Config{DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

// NewTaskQueue 创建任务队列。
func NewTaskQueue(ctx context.Context, cfg config.QueueConfig) (task.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		return task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"ChainLoop/internal/agent"
	"ChainLoop/internal/app"
	"ChainLoop/internal/config"
	"ChainLoop/sdk/go/chainloop"
)

const configKey = "config"

// newApp 构建命令行应用。setup 在配置加载后调用，用于初始化日志。
func newApp(setup func(*config.Config) error) *cli.App {
	return &cli.App{
		Name:  "chainloop",
		Usage: "把自然语言请求转换为链上操作并评估结果",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "配置文件路径", EnvVars: []string{config.EnvConfigPath}},
			&cli.BoolFlag{Name: "json", Usage: "以 JSON 输出结果"},
		},
		Before: func(c *cli.Context) error {
			if err := config.LoadEnv(); err != nil {
				return err
			}
			cfg, err := config.Load(config.ResolvePath(c.String("config")))
			if err != nil {
				return err
			}
			if setup != nil {
				if err := setup(cfg); err != nil {
					return err
				}
			}
			c.App.Metadata = map[string]any{configKey: cfg}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "在本地执行一次请求",
				ArgsUsage: "<request>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "confirm", Usage: "结果不确定的交易在重发前询问确认"},
				},
				Action: runRequest,
			},
			{
				Name:   "capabilities",
				Usage:  "列出工具进程提供的能力",
				Action: listCapabilities,
			},
			{
				Name:  "history",
				Usage: "查看最近的会话记录",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Value: 10, Usage: "返回条数"},
				},
				Action: showHistory,
			},
			{
				Name:      "submit",
				Usage:     "把请求提交给 chainloopd",
				ArgsUsage: "<request>",
				Flags: append(remoteFlags(),
					&cli.BoolFlag{Name: "wait", Usage: "等待任务结束"},
					&cli.DurationFlag{Name: "interval", Value: time.Second, Usage: "轮询间隔"},
				),
				Action: submitRemote,
			},
			{
				Name:      "task",
				Usage:     "查询 chainloopd 上的任务",
				ArgsUsage: "<task-id>",
				Flags:     remoteFlags(),
				Action:    showTask,
			},
		},
	}
}

func remoteFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "server", Value: "http://127.0.0.1:8080", Usage: "chainloopd 地址", EnvVars: []string{"CHAINLOOP_SERVER"}},
		&cli.StringFlag{Name: "token", Usage: "API 令牌", EnvVars: []string{"CHAINLOOP_TOKEN"}},
	}
}

func loadedConfig(c *cli.Context) *config.Config {
	cfg, _ := c.App.Metadata[configKey].(*config.Config)
	return cfg
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func requestArg(c *cli.Context) (string, error) {
	request := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if request == "" {
		return "", cli.Exit("缺少请求内容", 2)
	}
	return request, nil
}

func runRequest(c *cli.Context) error {
	request, err := requestArg(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	components, err := app.Build(ctx, loadedConfig(c))
	if err != nil {
		return err
	}
	defer components.History.Close()

	var extra []agent.Option
	if c.Bool("confirm") {
		extra = append(extra, agent.WithConfirmer(promptConfirmer(os.Stdin, c.App.ErrWriter)))
	}
	orch, err := components.NewOrchestrator(true, extra...)
	if err != nil {
		return err
	}
	defer orch.Close()

	outcome, err := orch.Run(ctx, request)
	if outcome != nil {
		if perr := printOutcome(c, outcome); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if !outcome.Accepted {
		return cli.Exit("", 1)
	}
	return nil
}

// promptConfirmer 在终端上询问是否重发结果不确定的交易。
func promptConfirmer(in io.Reader, out io.Writer) agent.Confirmer {
	reader := bufio.NewReader(in)
	return agent.ConfirmFunc(func(_ context.Context, index int, action agent.Action, previous agent.StepResult) bool {
		fmt.Fprintf(out, "步骤 %d (%s) 结果不确定: %s\n是否重新发送? [y/N] ", index, action.Kind(), previous.Reason())
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	})
}

func printOutcome(c *cli.Context, outcome *agent.Outcome) error {
	if c.Bool("json") {
		return writeJSON(c.App.Writer, outcome)
	}
	w := c.App.Writer
	fmt.Fprintln(w, outcome.Message())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tKIND\tSTATUS\tDETAIL")
	for _, step := range outcome.Results {
		detail := step.Reason()
		if step.Succeeded() {
			detail = compact(step.Payload)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", step.Index, step.Kind, step.Status, detail)
	}
	return tw.Flush()
}

func listCapabilities(c *cli.Context) error {
	ctx, cancel := signalContext(c)
	defer cancel()

	components, err := app.Build(ctx, loadedConfig(c))
	if err != nil {
		return err
	}
	defer components.History.Close()
	orch, err := components.NewOrchestrator(false)
	if err != nil {
		return err
	}
	defer orch.Close()

	list, err := orch.Capabilities(ctx)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, list)
	}
	fmt.Fprintf(c.App.Writer, "chain %s, protocol %s\n", list.Chain, list.Version)
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIDEMPOTENT\tDESCRIPTION")
	for _, capability := range list.Capabilities {
		fmt.Fprintf(tw, "%s\t%t\t%s\n", capability.Name, capability.Idempotent, capability.Description)
	}
	return tw.Flush()
}

func showHistory(c *cli.Context) error {
	ctx := c.Context
	history, err := app.NewHistory(ctx, loadedConfig(c))
	if err != nil {
		return err
	}
	defer history.Close()

	records, err := history.ListRecent(ctx, c.Int("limit"))
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return writeJSON(c.App.Writer, records)
	}
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tSCORE\tATTEMPTS\tCREATED\tREQUEST")
	for _, r := range records {
		created := time.Unix(r.CreatedAt, 0).Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", r.SessionID, r.State, r.Score, r.Attempts, created, r.Request)
	}
	return tw.Flush()
}

func remoteClient(c *cli.Context) (*chainloop.Client, error) {
	client, err := chainloop.NewClient(c.String("server"), nil)
	if err != nil {
		return nil, err
	}
	if token := c.String("token"); token != "" {
		client.SetAccessToken(token)
	}
	return client, nil
}

func submitRemote(c *cli.Context) error {
	request, err := requestArg(c)
	if err != nil {
		return err
	}
	client, err := remoteClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(c)
	defer cancel()

	created, err := client.Submit(ctx, request)
	if err != nil {
		return err
	}
	if c.Bool("wait") {
		created, err = client.WaitTask(ctx, created.ID, c.Duration("interval"))
		if err != nil {
			return err
		}
	}
	return printTask(c, created)
}

func showTask(c *cli.Context) error {
	id := strings.TrimSpace(c.Args().First())
	if id == "" {
		return cli.Exit("缺少任务 ID", 2)
	}
	client, err := remoteClient(c)
	if err != nil {
		return err
	}
	found, err := client.GetTask(c.Context, id)
	if err != nil {
		return err
	}
	return printTask(c, found)
}

func printTask(c *cli.Context, t chainloop.Task) error {
	if c.Bool("json") {
		return writeJSON(c.App.Writer, t)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "task %s: %s (attempts %d/%d)\n", t.ID, t.Status, t.Attempts, t.MaxRetries)
	if t.Outcome != nil {
		fmt.Fprintln(w, t.Outcome.Message)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "last error [%s]: %s\n", t.ErrorCode, t.LastError)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compact(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(raw)
}

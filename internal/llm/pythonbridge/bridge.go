package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"ChainLoop/internal/llm"
)

// Client 通过调用 Python 脚本实现大模型推理。
// 脚本从 stdin 读取 {system, prompt, temperature, max_tokens}，向 stdout 写出 {text, model}。
type Client struct {
	pythonExec string
	scriptPath string
	workingDir string
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(pythonExec, scriptPath, workingDir string) (*Client, error) {
	if scriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if pythonExec == "" {
		pythonExec = "python3"
	}
	return &Client{
		pythonExec: pythonExec,
		scriptPath: scriptPath,
		workingDir: workingDir,
	}, nil
}

type bridgeRequest struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

type bridgeResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Error string `json:"error"`
}

// Generate 调用外部脚本，并解析输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	resp, err := c.generate(ctx, req)
	return resp, llm.Classify(err, "python bridge")
}

func (c *Client) generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	encoded, err := json.Marshal(bridgeRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.pythonExec, c.scriptPath)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("执行 Python 脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return nil, errors.New("Python 脚本未返回文本")
	}
	return &llm.Response{Text: strings.TrimSpace(resp.Text), Model: resp.Model}, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}

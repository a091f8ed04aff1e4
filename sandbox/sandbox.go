// Package sandbox 定义远程隔离执行环境的抽象，以及 Docker CLI 与
// HTTP 两种实现。
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateOptions 创建沙箱的参数。
type CreateOptions struct {
	Image    string
	Env      map[string]string
	Timeout  time.Duration
	Metadata map[string]string
}

// CommandResult 命令执行结果。
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Provider 沙箱供应商。
type Provider interface {
	Name() string
	Create(ctx context.Context, opts CreateOptions) (Handle, error)
	// Connect 重新连接到已存在的沙箱，沙箱不存在时返回 ErrNotFound。
	Connect(ctx context.Context, sandboxID string) (Handle, error)
}

// Handle 单个沙箱实例。
type Handle interface {
	ID() string
	WriteFile(ctx context.Context, path string, data []byte) error
	RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error)
	// StartDetached 后台启动进程，stdout/stderr 重定向到 logPath，立即返回。
	StartDetached(ctx context.Context, cmd, logPath string) error
	Kill(ctx context.Context) error
}

// ErrNotFound 沙箱不存在。
var ErrNotFound = errors.New("sandbox not found")

// CommandError 命令以非零状态退出。
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// StderrOf 提取错误链中 CommandError 的 stderr。
func StderrOf(err error) (string, bool) {
	var ce *CommandError
	if errors.As(err, &ce) {
		if s := strings.TrimSpace(ce.Stderr); s != "" {
			return s, true
		}
	}
	return "", false
}

// RunChecked 执行命令，非零退出转为 *CommandError。
func RunChecked(ctx context.Context, h Handle, cmd string, timeout time.Duration) (*CommandResult, error) {
	res, err := h.RunCommand(ctx, cmd, timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return res, &CommandError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// ShellQuote 单引号转义，用于拼接 sh -c 命令。
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// =============================================================================
// 📦 MockSandboxProvider - 沙箱供应商模拟实现
// =============================================================================
// 记录所有沙箱操作，支持按动作注入错误与命令结果
//
// 使用方法:
//
//	provider := mocks.NewMockSandboxProvider().WithCreateError(errors.New("quota"))
//	h, err := provider.Create(ctx, sandbox.CreateOptions{Image: "img"})
// =============================================================================
package mocks

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentrun/sandbox"
)

// Call 一次沙箱操作记录。
type Call struct {
	SandboxID string
	Action    string // create | write | run | start | kill | connect
	Arg       string
	Data      []byte
}

// MockSandboxProvider 是 sandbox.Provider 的模拟实现
type MockSandboxProvider struct {
	mu sync.Mutex

	seq     int
	handles map[string]*MockSandbox
	calls   []Call
	created []sandbox.CreateOptions

	// 错误注入
	createErr  error
	connectErr error
	writeErr   error
	startErr   error
	killErr    error

	// 命令结果，按命令子串匹配
	commandResults map[string]*sandbox.CommandResult
}

// NewMockSandboxProvider 创建新的 MockSandboxProvider
func NewMockSandboxProvider() *MockSandboxProvider {
	return &MockSandboxProvider{
		handles:        make(map[string]*MockSandbox),
		commandResults: make(map[string]*sandbox.CommandResult),
	}
}

// WithCreateError 设置创建错误
func (p *MockSandboxProvider) WithCreateError(err error) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
	return p
}

// WithConnectError 设置连接错误
func (p *MockSandboxProvider) WithConnectError(err error) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
	return p
}

// WithWriteError 设置写文件错误
func (p *MockSandboxProvider) WithWriteError(err error) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
	return p
}

// WithStartError 设置后台启动错误
func (p *MockSandboxProvider) WithStartError(err error) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
	return p
}

// WithKillError 设置销毁错误
func (p *MockSandboxProvider) WithKillError(err error) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killErr = err
	return p
}

// WithCommandResult 命令包含 substr 时返回 res
func (p *MockSandboxProvider) WithCommandResult(substr string, res *sandbox.CommandResult) *MockSandboxProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commandResults[substr] = res
	return p
}

// Name 实现 sandbox.Provider
func (p *MockSandboxProvider) Name() string { return "mock" }

// Create 实现 sandbox.Provider
func (p *MockSandboxProvider) Create(_ context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, opts)
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.seq++
	id := fmt.Sprintf("sbx-%d", p.seq)
	h := &MockSandbox{id: id, provider: p, files: make(map[string][]byte)}
	p.handles[id] = h
	p.calls = append(p.calls, Call{SandboxID: id, Action: "create", Arg: opts.Image})
	return h, nil
}

// Connect 实现 sandbox.Provider
func (p *MockSandboxProvider) Connect(_ context.Context, id string) (sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{SandboxID: id, Action: "connect"})
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	h, ok := p.handles[id]
	if !ok || h.killed {
		return nil, sandbox.ErrNotFound
	}
	return h, nil
}

// AddSandbox 预置一个已存在的沙箱
func (p *MockSandboxProvider) AddSandbox(id string) *MockSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &MockSandbox{id: id, provider: p, files: make(map[string][]byte)}
	p.handles[id] = h
	return h
}

// =============================================================================
// 📊 查询方法
// =============================================================================

// Calls 返回全部操作记录
func (p *MockSandboxProvider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Actions 返回按顺序的动作名称
func (p *MockSandboxProvider) Actions() []string {
	calls := p.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Action
	}
	return out
}

// Created 返回所有创建参数
func (p *MockSandboxProvider) Created() []sandbox.CreateOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sandbox.CreateOptions, len(p.created))
	copy(out, p.created)
	return out
}

// Sandbox 按 ID 获取沙箱
func (p *MockSandboxProvider) Sandbox(id string) *MockSandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[id]
}

// =============================================================================
// 🎯 MockSandbox
// =============================================================================

// MockSandbox 是 sandbox.Handle 的模拟实现
type MockSandbox struct {
	id       string
	provider *MockSandboxProvider
	files    map[string][]byte
	killed   bool
	started  string
	logPath  string
}

// ID 实现 sandbox.Handle
func (h *MockSandbox) ID() string { return h.id }

// WriteFile 实现 sandbox.Handle
func (h *MockSandbox) WriteFile(_ context.Context, path string, data []byte) error {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{SandboxID: h.id, Action: "write", Arg: path, Data: data})
	if p.writeErr != nil {
		return p.writeErr
	}
	h.files[path] = append([]byte(nil), data...)
	return nil
}

// RunCommand 实现 sandbox.Handle
func (h *MockSandbox) RunCommand(_ context.Context, cmd string, _ time.Duration) (*sandbox.CommandResult, error) {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{SandboxID: h.id, Action: "run", Arg: cmd})
	for substr, res := range p.commandResults {
		if strings.Contains(cmd, substr) {
			out := *res
			return &out, nil
		}
	}
	return &sandbox.CommandResult{}, nil
}

// StartDetached 实现 sandbox.Handle
func (h *MockSandbox) StartDetached(_ context.Context, cmd, logPath string) error {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{SandboxID: h.id, Action: "start", Arg: cmd})
	if p.startErr != nil {
		return p.startErr
	}
	h.started = cmd
	h.logPath = logPath
	return nil
}

// Kill 实现 sandbox.Handle
func (h *MockSandbox) Kill(_ context.Context) error {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, Call{SandboxID: h.id, Action: "kill"})
	if p.killErr != nil {
		return p.killErr
	}
	h.killed = true
	return nil
}

// File 返回写入的文件内容
func (h *MockSandbox) File(path string) ([]byte, bool) {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	b, ok := h.files[path]
	return b, ok
}

// Killed 是否已被销毁
func (h *MockSandbox) Killed() bool {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	return h.killed
}

// Started 返回后台启动的命令与日志路径
func (h *MockSandbox) Started() (cmd, logPath string) {
	h.provider.mu.Lock()
	defer h.provider.mu.Unlock()
	return h.started, h.logPath
}

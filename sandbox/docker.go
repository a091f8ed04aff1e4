package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DockerConfig Docker 沙箱配置。
type DockerConfig struct {
	Binary        string   `yaml:"binary" env:"BINARY"`
	Network       string   `yaml:"network" env:"NETWORK"`
	MemoryMB      int      `yaml:"memory_mb" env:"MEMORY_MB"`
	CPUs          float64  `yaml:"cpus" env:"CPUS"`
	ExtraRunFlags []string `yaml:"extra_run_flags"`
}

// commandRunner 执行 docker CLI，测试中可替换。
type commandRunner func(ctx context.Context, stdin io.Reader, env []string, args ...string) (stdout, stderr string, exitCode int, err error)

// DockerProvider 通过本机 docker CLI 管理沙箱容器。容器以 sleep 作为
// 主进程，寿命即沙箱超时。
type DockerProvider struct {
	cfg    DockerConfig
	run    commandRunner
	logger *zap.Logger
}

// NewDockerProvider 创建 Docker 供应商。
func NewDockerProvider(cfg DockerConfig, logger *zap.Logger) *DockerProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	p := &DockerProvider{cfg: cfg, logger: logger.With(zap.String("component", "sandbox_docker"))}
	p.run = p.execDocker
	return p
}

func (p *DockerProvider) Name() string { return "docker" }

func (p *DockerProvider) execDocker(ctx context.Context, stdin io.Reader, env []string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = stdin
	if env != nil {
		cmd.Env = append(os.Environ(), env...)
	}
	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// Create 启动容器。环境变量通过 docker CLI 进程环境传入（-e KEY），
// 值不会出现在命令行参数中。
func (p *DockerProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("docker sandbox: image is required")
	}
	name := "agentrun-" + uuid.NewString()[:8]
	args := []string{"run", "-d", "--name", name, "--security-opt", "no-new-privileges"}
	if p.cfg.Network != "" {
		args = append(args, "--network", p.cfg.Network)
	}
	if p.cfg.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", p.cfg.MemoryMB))
	}
	if p.cfg.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%.2f", p.cfg.CPUs))
	}
	for _, k := range sortedKeys(opts.Metadata) {
		args = append(args, "--label", fmt.Sprintf("agentrun.%s=%s", k, opts.Metadata[k]))
	}
	env := make([]string, 0, len(opts.Env))
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k)
		env = append(env, k+"="+opts.Env[k])
	}
	args = append(args, p.cfg.ExtraRunFlags...)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	args = append(args, "--entrypoint", "sleep", opts.Image, fmt.Sprintf("%d", int(timeout.Seconds())))

	stdout, stderr, code, err := p.run(ctx, nil, env, args...)
	if err != nil {
		return nil, fmt.Errorf("docker run: %w", err)
	}
	if code != 0 {
		return nil, &CommandError{Command: "docker run", ExitCode: code, Stderr: stderr}
	}
	id := strings.TrimSpace(stdout)
	p.logger.Debug("sandbox container started", zap.String("container", id), zap.String("image", opts.Image))
	return &dockerHandle{p: p, id: id}, nil
}

// Connect 通过 docker inspect 确认容器存在。
func (p *DockerProvider) Connect(ctx context.Context, sandboxID string) (Handle, error) {
	_, stderr, code, err := p.run(ctx, nil, nil, "inspect", "--type", "container", "--format", "{{.Id}}", sandboxID)
	if err != nil {
		return nil, fmt.Errorf("docker inspect: %w", err)
	}
	if code != 0 {
		if strings.Contains(strings.ToLower(stderr), "no such") {
			return nil, ErrNotFound
		}
		return nil, &CommandError{Command: "docker inspect", ExitCode: code, Stderr: stderr}
	}
	return &dockerHandle{p: p, id: sandboxID}, nil
}

type dockerHandle struct {
	p  *DockerProvider
	id string
}

func (h *dockerHandle) ID() string { return h.id }

func (h *dockerHandle) WriteFile(ctx context.Context, path string, data []byte) error {
	script := `mkdir -p "$(dirname "$1")" && cat > "$1"`
	_, stderr, code, err := h.p.run(ctx, bytes.NewReader(data), nil, "exec", "-i", h.id, "sh", "-c", script, "sh", path)
	if err != nil {
		return fmt.Errorf("docker exec write %s: %w", path, err)
	}
	if code != 0 {
		return &CommandError{Command: "write " + path, ExitCode: code, Stderr: stderr}
	}
	return nil
}

func (h *dockerHandle) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	stdout, stderr, code, err := h.p.run(ctx, nil, nil, "exec", h.id, "sh", "-c", cmd)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("command timed out after %s: %w", timeout, ctx.Err())
		}
		return nil, fmt.Errorf("docker exec: %w", err)
	}
	return &CommandResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

func (h *dockerHandle) StartDetached(ctx context.Context, cmd, logPath string) error {
	wrapped := fmt.Sprintf("nohup %s > %s 2>&1 &", cmd, ShellQuote(logPath))
	_, stderr, code, err := h.p.run(ctx, nil, nil, "exec", "-d", h.id, "sh", "-c", wrapped)
	if err != nil {
		return fmt.Errorf("docker exec -d: %w", err)
	}
	if code != 0 {
		return &CommandError{Command: cmd, ExitCode: code, Stderr: stderr}
	}
	return nil
}

// Kill 强制删除容器，容器已不存在视为成功。
func (h *dockerHandle) Kill(ctx context.Context) error {
	_, stderr, code, err := h.p.run(ctx, nil, nil, "rm", "-f", h.id)
	if err != nil {
		return fmt.Errorf("docker rm: %w", err)
	}
	if code != 0 && !strings.Contains(strings.ToLower(stderr), "no such") {
		return &CommandError{Command: "docker rm", ExitCode: code, Stderr: stderr}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

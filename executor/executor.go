// Package executor 在沙箱中启动 run：创建沙箱、上传运行脚本、准备存储与
// 会话状态，然后以后台进程启动 agent。
package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// 步骤名，出现在错误前缀与遥测 action 中。
const (
	StepMarkRunning    = "mark-running"
	StepBuildEnv       = "build-env"
	StepCreateSandbox  = "create-sandbox"
	StepPersistSandbox = "persist-sandbox-id"
	StepUploadRunner   = "upload-runner"
	StepDownload       = "download-storage"
	StepRestoreSession = "restore-session"
	StepStartAgent     = "start-agent"
)

// EnvironmentProduction 生产环境层级名。
const EnvironmentProduction = "production"

// Config 执行器配置。
type Config struct {
	Environment       string            `yaml:"environment" env:"ENVIRONMENT"`
	APIURL            string            `yaml:"api_url" env:"API_URL"`
	APIURLs           map[string]string `yaml:"api_urls"` // 按环境层级的回退地址
	ProductionTimeout time.Duration     `yaml:"production_timeout" env:"PRODUCTION_TIMEOUT"`
	DefaultTimeout    time.Duration     `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	CommandTimeout    time.Duration     `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
	DownloadTimeout   time.Duration     `yaml:"download_timeout" env:"DOWNLOAD_TIMEOUT"`
	HeartbeatInterval time.Duration     `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	UseMock           bool              `yaml:"use_mock" env:"USE_MOCK"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		Environment:       "development",
		ProductionTimeout: 2 * time.Hour,
		DefaultTimeout:    30 * time.Minute,
		CommandTimeout:    2 * time.Minute,
		DownloadTimeout:   10 * time.Minute,
		HeartbeatInterval: 30 * time.Second,
	}
}

// SandboxTimeout 按环境层级返回沙箱存活时长。
func (c Config) SandboxTimeout() time.Duration {
	if c.Environment == EnvironmentProduction {
		return c.ProductionTimeout
	}
	return c.DefaultTimeout
}

// ResolveAPIURL 显式地址优先，其次按环境层级回退，最后使用本地地址。
func (c Config) ResolveAPIURL() string {
	if c.APIURL != "" {
		return strings.TrimRight(c.APIURL, "/")
	}
	if u := c.APIURLs[c.Environment]; u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8080"
}

// Result 执行结果。agent 仍在沙箱中运行。
type Result struct {
	RunID     string          `json:"run_id"`
	Status    store.RunStatus `json:"status"`
	SandboxID string          `json:"sandbox_id"`
	CreatedAt time.Time       `json:"created_at"`
}

// StepError 带步骤前缀的执行错误。
type StepError struct {
	Step    string
	Message string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Step, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// Executor 沙箱执行器。
type Executor struct {
	store    *store.Store
	provider sandbox.Provider
	manifest *storage.ManifestBuilder
	sink     telemetry.Sink
	logger   *zap.Logger
	now      func() time.Time
	cfg      Config
	tracer   trace.Tracer
	bundle   []byte
}

// New 创建执行器，并预先构建运行脚本包。
func New(svc *services.Services, cfg Config) (*Executor, error) {
	svc.Normalize()
	bundle, err := RunnerBundle()
	if err != nil {
		return nil, err
	}
	return &Executor{
		store:    svc.Store,
		provider: svc.Sandbox,
		manifest: svc.Manifest,
		sink:     svc.Sink,
		logger:   svc.Logger.With(zap.String("component", "executor")),
		now:      svc.Now,
		cfg:      cfg,
		tracer:   otel.Tracer("agentrun/executor"),
		bundle:   bundle,
	}, nil
}

// Execute 启动 run 并在 agent 进程被确认启动后返回，不等待 agent 结束。
// 任一步骤失败时 run 被标记为 failed，已创建的沙箱被销毁。
func (e *Executor) Execute(ctx context.Context, ec *resolver.ExecutionContext) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute", trace.WithAttributes(
		attribute.String("run.id", ec.RunID),
		attribute.String("sandbox.provider", e.provider.Name()),
	))
	defer span.End()

	var (
		currentStep string
		handle      sandbox.Handle
		result      *Result
	)
	err := func() error {
		currentStep = StepMarkRunning
		if err := e.track(ctx, currentStep, func() error { return e.markRunning(ctx, ec.RunID) }); err != nil {
			return err
		}

		currentStep = StepBuildEnv
		var env map[string]string
		_ = e.track(ctx, currentStep, func() error {
			env = e.buildEnv(ec)
			return nil
		})

		currentStep = StepCreateSandbox
		err := e.track(ctx, currentStep, func() error {
			h, err := e.provider.Create(ctx, sandbox.CreateOptions{
				Image:   ec.Content.ResolvedImage(),
				Env:     env,
				Timeout: e.cfg.SandboxTimeout(),
				Metadata: map[string]string{
					"run_id":             ec.RunID,
					"user_id":            ec.UserID,
					"compose_version_id": ec.ComposeVersionID,
				},
			})
			handle = h
			return err
		})
		if err != nil {
			return err
		}
		createdAt := e.now()

		// 沙箱 ID 必须在启动 agent 之前落库，reaper 与取消依赖它
		currentStep = StepPersistSandbox
		if err := e.track(ctx, currentStep, func() error {
			ok, err := e.store.UpdateRun(ctx, ec.RunID, []store.RunStatus{store.RunStatusRunning}, map[string]any{"sandbox_id": handle.ID()})
			if err != nil {
				return err
			}
			if !ok {
				return types.InvalidState("run %s is no longer running", ec.RunID)
			}
			return nil
		}); err != nil {
			return err
		}

		currentStep = StepUploadRunner
		if err := e.track(ctx, currentStep, func() error { return e.uploadRunner(ctx, handle) }); err != nil {
			return err
		}

		currentStep = StepDownload
		if err := e.track(ctx, currentStep, func() error { return e.downloadStorage(ctx, handle, ec) }); err != nil {
			return err
		}

		if ec.ResumeSession != nil {
			currentStep = StepRestoreSession
			if err := e.track(ctx, currentStep, func() error { return e.restoreSession(ctx, handle, ec.ResumeSession) }); err != nil {
				return err
			}
		}

		currentStep = StepStartAgent
		if err := e.track(ctx, currentStep, func() error {
			return handle.StartDetached(ctx, "sh "+RunnerDir+"/run-agent.sh", LogPath(ec.RunID))
		}); err != nil {
			return err
		}

		result = &Result{RunID: ec.RunID, Status: store.RunStatusRunning, SandboxID: handle.ID(), CreatedAt: createdAt}
		return nil
	}()
	if err == nil {
		e.logger.Info("run started",
			zap.String("run_id", ec.RunID),
			zap.String("sandbox_id", result.SandboxID),
			zap.Strings("secret_names", ec.SecretNames),
		)
		return result, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, currentStep)
	return nil, e.fail(ctx, ec.RunID, currentStep, handle, err)
}

// fail 标记 run 失败并销毁沙箱，二者都是尽力而为。
func (e *Executor) fail(ctx context.Context, runID, step string, handle sandbox.Handle, cause error) error {
	msg := cause.Error()
	if stderr, ok := sandbox.StderrOf(cause); ok {
		msg = stderr
	}
	stepErr := &StepError{Step: step, Message: msg, Err: cause}

	// 调用方可能已取消，清理使用独立的 context
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if step != StepMarkRunning || !types.IsCode(cause, types.ErrInvalidState) {
		_ = e.track(cleanupCtx, "mark-failed", func() error {
			_, err := e.store.UpdateRun(cleanupCtx, runID, nil, map[string]any{
				"status":       store.RunStatusFailed,
				"error":        stepErr.Error(),
				"completed_at": e.now(),
			})
			if err != nil {
				e.logger.Error("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
			}
			return err
		})
	}
	if handle != nil {
		_ = e.track(cleanupCtx, "kill-sandbox", func() error {
			err := handle.Kill(cleanupCtx)
			if err != nil {
				e.logger.Warn("failed to kill sandbox", zap.String("run_id", runID), zap.String("sandbox_id", handle.ID()), zap.Error(err))
			}
			return err
		})
	}
	e.logger.Error("run execution failed", zap.String("run_id", runID), zap.String("step", step), zap.Error(cause))
	return stepErr
}

// track 记录步骤耗时与成功标记。
func (e *Executor) track(ctx context.Context, action string, fn func() error) error {
	start := time.Now()
	err := fn()
	e.sink.RecordOperation(ctx, telemetry.Operation{
		Type:       e.provider.Name(),
		Action:     action,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	})
	return err
}

func (e *Executor) markRunning(ctx context.Context, runID string) error {
	now := e.now()
	ok, err := e.store.UpdateRun(ctx, runID, []store.RunStatus{store.RunStatusPending}, map[string]any{
		"status":            store.RunStatusRunning,
		"started_at":        now,
		"last_heartbeat_at": now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return types.InvalidState("run %s is no longer pending", runID)
	}
	return nil
}

// buildEnv 用户环境先写入，系统变量覆盖同名键。
func (e *Executor) buildEnv(ec *resolver.ExecutionContext) map[string]string {
	env := make(map[string]string, len(ec.Environment)+12)
	for k, v := range ec.Environment {
		env[k] = v
	}
	env["AGENTRUN_API_URL"] = e.cfg.ResolveAPIURL()
	env["AGENTRUN_RUN_ID"] = ec.RunID
	env["AGENTRUN_API_TOKEN"] = ec.SandboxToken
	env["AGENTRUN_PROMPT"] = ec.Prompt
	env["AGENTRUN_WORKING_DIR"] = ec.Content.WorkingDir
	env["AGENTRUN_FRAMEWORK"] = string(ec.Content.Framework)
	if secs := int(e.cfg.HeartbeatInterval.Seconds()); secs > 0 {
		env["AGENTRUN_HEARTBEAT_INTERVAL"] = strconv.Itoa(secs)
	}
	if ec.ResumeSession != nil {
		env["AGENTRUN_RESUME_SESSION_ID"] = ec.ResumeSession.SessionID
	}
	if e.cfg.UseMock {
		env["AGENTRUN_USE_MOCK"] = "1"
	}
	if ec.ResumeArtifact != nil {
		env["AGENTRUN_ARTIFACT_NAME"] = ec.ResumeArtifact.Name
		env["AGENTRUN_ARTIFACT_VERSION"] = ec.ResumeArtifact.Version
	}
	if v := encodeSecretValues(ec.MaskSecrets); v != "" {
		env["AGENTRUN_SECRET_VALUES"] = v
	}
	return env
}

// encodeSecretValues 按名称排序，逐个 base64 后逗号拼接。
func encodeSecretValues(m map[string]string) string {
	if len(m) == 0 {
		return ""
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		if m[n] == "" {
			continue
		}
		parts = append(parts, base64.StdEncoding.EncodeToString([]byte(m[n])))
	}
	return strings.Join(parts, ",")
}

func (e *Executor) uploadRunner(ctx context.Context, h sandbox.Handle) error {
	if err := h.WriteFile(ctx, RunnerTarPath, e.bundle); err != nil {
		return err
	}
	cmd := fmt.Sprintf("mkdir -p %s && tar -xf %s -C %s", RunnerDir, RunnerTarPath, RunnerDir)
	_, err := sandbox.RunChecked(ctx, h, cmd, e.cfg.CommandTimeout)
	return err
}

func (e *Executor) downloadStorage(ctx context.Context, h sandbox.Handle, ec *resolver.ExecutionContext) error {
	var artifact *storage.Artifact
	if ec.ResumeArtifact != nil {
		artifact = &storage.Artifact{
			Name:      ec.ResumeArtifact.Name,
			Version:   ec.ResumeArtifact.Version,
			MountPath: ec.Content.WorkingDir,
		}
	}
	if len(ec.Volumes) == 0 && artifact == nil {
		return nil
	}
	if e.manifest == nil {
		return errors.New("object storage is not configured")
	}
	m, err := e.manifest.Build(ctx, ec.Volumes, artifact)
	if err != nil {
		return err
	}
	data, err := m.Marshal()
	if err != nil {
		return err
	}
	if err := h.WriteFile(ctx, storage.ManifestPath, data); err != nil {
		return err
	}
	_, err = sandbox.RunChecked(ctx, h, "sh "+RunnerDir+"/download.sh "+storage.ManifestPath, e.cfg.DownloadTimeout)
	return err
}

func (e *Executor) restoreSession(ctx context.Context, h sandbox.Handle, rs *resolver.ResumeSession) error {
	if _, err := sandbox.RunChecked(ctx, h, "mkdir -p "+sandbox.ShellQuote(path.Dir(rs.HistoryPath)), e.cfg.CommandTimeout); err != nil {
		return err
	}
	return h.WriteFile(ctx, rs.HistoryPath, []byte(rs.History))
}

// LogPath agent 输出日志在沙箱内的路径。
func LogPath(runID string) string {
	return "/tmp/agentrun-run-" + runID + ".log"
}

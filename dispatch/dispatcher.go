// Package dispatch 是 run 的入口：创建 run 记录、执行并发与权限检查，
// 依次调用解析器与执行器，并在失败时把 run 置为终态。
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/executor"
	"github.com/BaSui01/agentrun/internal/auth"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Executor 沙箱执行器接口。
type Executor interface {
	Execute(ctx context.Context, ec *resolver.ExecutionContext) (*executor.Result, error)
}

// Config 分发配置。
type Config struct {
	// ConcurrencyLimit 每个用户同时处于 pending/running 的 run 上限，0 表示不限。
	ConcurrencyLimit int `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
	// StalePendingTTL 超过该时长的 pending run 视为被放弃，不计入上限。
	StalePendingTTL time.Duration `yaml:"stale_pending_ttl" env:"STALE_PENDING_TTL"`
	TokenTTL        time.Duration `yaml:"token_ttl" env:"TOKEN_TTL"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		ConcurrencyLimit: 5,
		StalePendingTTL:  15 * time.Minute,
		TokenTTL:         3 * time.Hour,
	}
}

// RunResult CreateRun 的返回值。
type RunResult struct {
	RunID     string          `json:"run_id"`
	Status    store.RunStatus `json:"status"`
	SandboxID string          `json:"sandbox_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Dispatcher run 分发器。
type Dispatcher struct {
	store    *store.Store
	resolver *resolver.Resolver
	executor Executor
	tokens   *auth.TokenIssuer
	sink     telemetry.Sink
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
	cfg      Config
	tracer   trace.Tracer
}

// New 创建分发器。
func New(svc *services.Services, res *resolver.Resolver, exec Executor, cfg Config) *Dispatcher {
	svc.Normalize()
	return &Dispatcher{
		store:    svc.Store,
		resolver: res,
		executor: exec,
		tokens:   svc.Tokens,
		sink:     svc.Sink,
		metrics:  svc.Metrics,
		logger:   svc.Logger.With(zap.String("component", "dispatcher")),
		now:      svc.Now,
		cfg:      cfg,
		tracer:   otel.Tracer("agentrun/dispatch"),
	}
}

// CreateRun 创建并启动一个 run。返回时 agent 已在沙箱中启动，但尚未结束。
// 返回错误不代表没有状态变化：执行阶段的失败同样会把 run 置为 failed。
func (d *Dispatcher) CreateRun(ctx context.Context, req resolver.Request) (*RunResult, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.CreateRun", trace.WithAttributes(attribute.String("user.id", req.UserID)))
	defer span.End()

	if req.CheckpointID != "" && req.SessionID != "" {
		return nil, types.BadRequest("checkpointId and sessionId are mutually exclusive")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, types.BadRequest("prompt is required")
	}
	if err := d.checkConcurrency(ctx, req.UserID); err != nil {
		d.recordDispatch("api", "rejected")
		return nil, err
	}

	res, err := d.resolver.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := d.checkPermission(ctx, res.ComposeID, req.UserID); err != nil {
		return nil, err
	}
	return d.dispatch(ctx, req, res, dispatchOptions{})
}

// ScheduledRun 调度触发的 run 参数。
type ScheduledRun struct {
	Request    resolver.Request
	ScheduleID string
	// OnCreated 在 run 行插入后、执行开始前调用。
	OnCreated func(ctx context.Context, runID string) error
}

// DispatchScheduled 调度引擎使用的分发路径。调度归属已隐含权限，
// 且调度 run 不受并发上限约束。
func (d *Dispatcher) DispatchScheduled(ctx context.Context, p ScheduledRun) (*RunResult, error) {
	res, err := d.resolver.Prepare(ctx, p.Request)
	if err != nil {
		return nil, err
	}
	scheduleID := p.ScheduleID
	return d.dispatch(ctx, p.Request, res, dispatchOptions{scheduleID: &scheduleID, onCreated: p.OnCreated})
}

type dispatchOptions struct {
	scheduleID *string
	onCreated  func(ctx context.Context, runID string) error
}

func (d *Dispatcher) dispatch(ctx context.Context, req resolver.Request, res *resolver.Resolution, opts dispatchOptions) (*RunResult, error) {
	source := string(res.Source)
	if opts.scheduleID != nil {
		source = "schedule"
	}

	mounts, versions, err := d.planVolumes(ctx, req, res)
	if err != nil {
		d.recordDispatch(source, "rejected")
		return nil, err
	}

	now := d.now()
	run := &store.Run{
		ID:               store.NewID(),
		UserID:           req.UserID,
		ComposeID:        res.ComposeID,
		ComposeVersionID: res.ComposeVersionID,
		Status:           store.RunStatusPending,
		Prompt:           req.Prompt,
		Vars:             res.Vars,
		VolumeVersions:   versions,
		ArtifactName:     res.ArtifactName,
		ArtifactVersion:  res.ArtifactVersion,
		ScheduleID:       opts.scheduleID,
		CreatedAt:        now,
		LastHeartbeatAt:  &now,
	}
	if res.CheckpointID != "" {
		run.ResumedFromCheckpointID = &res.CheckpointID
	}
	if res.SessionID != "" {
		run.ContinuedFromSessionID = &res.SessionID
	}
	if err := d.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	d.recordTransition(store.RunStatusPending)
	logger := d.logger.With(zap.String("run_id", run.ID), zap.String("user_id", run.UserID))

	if opts.onCreated != nil {
		if err := opts.onCreated(ctx, run.ID); err != nil {
			d.markFailed(ctx, run.ID, err)
			return nil, err
		}
	}

	token, err := d.tokens.Issue(run.ID, run.UserID, d.cfg.TokenTTL)
	if err != nil {
		d.markFailed(ctx, run.ID, err)
		return nil, fmt.Errorf("issue sandbox token: %w", err)
	}

	ec, err := d.resolver.Build(ctx, req, res, run.ID, token)
	if err != nil {
		d.markFailed(ctx, run.ID, err)
		d.recordDispatch(source, "failed")
		return nil, err
	}
	ec.Volumes = mounts

	if _, err := d.store.UpdateRun(ctx, run.ID, nil, map[string]any{
		"secret_names": store.StringList(ec.SecretNames),
	}); err != nil {
		logger.Warn("failed to record secret names", zap.Error(err))
	}

	result, err := d.executor.Execute(ctx, ec)
	if err != nil {
		d.markFailed(ctx, run.ID, err)
		d.recordDispatch(source, "failed")
		return nil, err
	}
	d.recordTransition(store.RunStatusRunning)
	d.recordDispatch(source, "started")
	logger.Info("run dispatched", zap.String("source", source), zap.String("sandbox_id", result.SandboxID))

	return &RunResult{
		RunID:     run.ID,
		Status:    result.Status,
		SandboxID: result.SandboxID,
		CreatedAt: run.CreatedAt,
	}, nil
}

func (d *Dispatcher) checkConcurrency(ctx context.Context, userID string) error {
	if d.cfg.ConcurrencyLimit <= 0 {
		return nil
	}
	n, err := d.store.CountActiveRuns(ctx, userID, d.now().Add(-d.cfg.StalePendingTTL))
	if err != nil {
		return fmt.Errorf("count active runs: %w", err)
	}
	if n >= int64(d.cfg.ConcurrencyLimit) {
		return types.ConcurrentRunLimit(d.cfg.ConcurrencyLimit)
	}
	return nil
}

func (d *Dispatcher) checkPermission(ctx context.Context, composeID, userID string) error {
	c, err := d.store.GetCompose(ctx, composeID)
	if err != nil {
		return err
	}
	ok, err := d.store.CanRunCompose(ctx, c, userID)
	if err != nil {
		return fmt.Errorf("check compose permission: %w", err)
	}
	if !ok {
		return types.Forbidden("no permission to run compose %s", c.Name)
	}
	return nil
}

// markFailed 尽力把 run 置为 failed，优先使用沙箱 stderr 作为错误信息。
// 已处于终态的 run 不受影响。
func (d *Dispatcher) markFailed(ctx context.Context, runID string, cause error) {
	msg := cause.Error()
	if stderr, ok := sandbox.StderrOf(cause); ok {
		msg = stderr
	}
	ctx = context.WithoutCancel(ctx)
	ok, err := d.store.UpdateRun(ctx, runID, nil, map[string]any{
		"status":       store.RunStatusFailed,
		"error":        msg,
		"completed_at": d.now(),
	})
	d.sink.RecordOperation(ctx, telemetry.Operation{Type: "dispatch", Action: "mark-failed", Success: err == nil})
	if err != nil {
		d.logger.Error("failed to mark run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if ok {
		d.recordTransition(store.RunStatusFailed)
	}
}

func (d *Dispatcher) recordDispatch(source, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordDispatch(source, outcome)
	}
}

func (d *Dispatcher) recordTransition(to store.RunStatus) {
	if d.metrics != nil {
		d.metrics.RecordRunTransition(string(to))
	}
}

// Package schedule 管理 cron / at-time 调度，并周期性地为到期调度分发 run。
package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/dispatch"
	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// Dispatcher 调度使用的分发路径。
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, p dispatch.ScheduledRun) (*dispatch.RunResult, error)
}

// Locker 跨进程互斥，由 cache.Manager 实现。
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
	Unlock(ctx context.Context, lock *cache.Lock) error
}

// Config 调度配置。
type Config struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE"`
	LockTTL      time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Minute,
		BatchSize:    50,
		LockTTL:      5 * time.Minute,
	}
}

// Engine 调度引擎。
type Engine struct {
	store      *store.Store
	dispatcher Dispatcher
	cipher     *secrets.Cipher
	locker     Locker
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
	cfg        Config
	tracer     trace.Tracer
}

// New 创建调度引擎。locker 为 nil 时仅依赖 lastRunId 防重。
func New(svc *services.Services, dispatcher Dispatcher, cipher *secrets.Cipher, locker Locker, cfg Config) *Engine {
	svc.Normalize()
	return &Engine{
		store:      svc.Store,
		dispatcher: dispatcher,
		cipher:     cipher,
		locker:     locker,
		metrics:    svc.Metrics,
		logger:     svc.Logger.With(zap.String("component", "schedule")),
		now:        svc.Now,
		cfg:        cfg,
		tracer:     otel.Tracer("agentrun/schedule"),
	}
}

// =============================================================================
// 📅 部署与管理
// =============================================================================

// DeployRequest 部署（创建或更新）调度。
type DeployRequest struct {
	UserID          string            `json:"-"`
	ComposeID       string            `json:"compose_id"`
	Name            string            `json:"name"`
	CronExpression  string            `json:"cron_expression,omitempty"`
	AtTime          *time.Time        `json:"at_time,omitempty"`
	Timezone        string            `json:"timezone,omitempty"`
	Prompt          string            `json:"prompt"`
	Vars            map[string]string `json:"vars,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	VolumeVersions  map[string]string `json:"volume_versions,omitempty"`
	ArtifactName    string            `json:"artifact_name,omitempty"`
	ArtifactVersion string            `json:"artifact_version,omitempty"`
}

// Deploy 按 (compose, name) upsert 调度，返回调度与是否为新建。
func (e *Engine) Deploy(ctx context.Context, req DeployRequest) (*store.Schedule, bool, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, false, types.BadRequest("schedule name is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, false, types.BadRequest("prompt is required")
	}
	if req.ArtifactName != "" && req.ArtifactVersion == "" {
		return nil, false, types.BadRequest("artifact %s requires a version", req.ArtifactName)
	}
	hasCron, hasAt := req.CronExpression != "", req.AtTime != nil
	if hasCron == hasAt {
		return nil, false, types.BadRequest("exactly one of cron_expression or at_time is required")
	}
	c, err := e.store.GetCompose(ctx, req.ComposeID)
	if err != nil || c.UserID != req.UserID {
		return nil, false, types.NotFound("compose %s not found", req.ComposeID)
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	now := e.now()
	sched := &store.Schedule{
		UserID:          req.UserID,
		ComposeID:       c.ID,
		Name:            req.Name,
		Timezone:        tz,
		Prompt:          req.Prompt,
		Vars:            req.Vars,
		VolumeVersions:  req.VolumeVersions,
		ArtifactName:    req.ArtifactName,
		ArtifactVersion: req.ArtifactVersion,
		Enabled:         true,
	}
	if hasCron {
		next, err := NextCronRun(req.CronExpression, tz, now)
		if err != nil {
			return nil, false, err
		}
		expr := req.CronExpression
		sched.CronExpression = &expr
		sched.NextRunAt = &next
	} else {
		if _, err := loadLocation(tz); err != nil {
			return nil, false, err
		}
		at := req.AtTime.UTC()
		if !at.After(now) {
			return nil, false, types.BadRequest("at_time must be in the future")
		}
		sched.AtTime = &at
		sched.NextRunAt = &at
	}

	if len(req.Secrets) > 0 {
		sealed, err := e.cipher.SealMap(req.Secrets)
		if err != nil {
			return nil, false, fmt.Errorf("seal schedule secrets: %w", err)
		}
		sched.EncryptedSecrets = sealed
		sched.SecretNames = resolver.SecretNames(req.Secrets)
	}

	created, err := e.store.SaveSchedule(ctx, sched)
	if err != nil {
		return nil, false, fmt.Errorf("save schedule: %w", err)
	}
	e.logger.Info("schedule deployed",
		zap.String("schedule_id", sched.ID),
		zap.String("name", sched.Name),
		zap.Bool("created", created),
		zap.Strings("secret_names", sched.SecretNames),
	)
	return sched, created, nil
}

// Get 查询调用者自己的调度。
func (e *Engine) Get(ctx context.Context, userID, id string) (*store.Schedule, error) {
	sched, err := e.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.UserID != userID {
		return nil, types.NotFound("schedule %s not found", id)
	}
	return sched, nil
}

// List 列出调用者的调度。
func (e *Engine) List(ctx context.Context, userID string) ([]store.Schedule, error) {
	return e.store.ListSchedules(ctx, userID)
}

// Delete 删除调度。
func (e *Engine) Delete(ctx context.Context, userID, id string) error {
	if _, err := e.Get(ctx, userID, id); err != nil {
		return err
	}
	return e.store.DeleteSchedule(ctx, id)
}

// Enable 启用调度并重新计算下次触发时间。已过期的一次性调度不能启用。
func (e *Engine) Enable(ctx context.Context, userID, id string) (*store.Schedule, error) {
	sched, err := e.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	now := e.now()
	var next time.Time
	if sched.CronExpression != nil {
		next, err = NextCronRun(*sched.CronExpression, sched.Timezone, now)
		if err != nil {
			return nil, err
		}
	} else {
		if sched.AtTime == nil || !sched.AtTime.After(now) {
			return nil, types.BadRequest("one-shot schedule %s has already passed", id)
		}
		next = *sched.AtTime
	}
	if err := e.store.UpdateSchedule(ctx, id, map[string]any{"enabled": true, "next_run_at": next}); err != nil {
		return nil, err
	}
	sched.Enabled = true
	sched.NextRunAt = &next
	return sched, nil
}

// Disable 暂停调度。
func (e *Engine) Disable(ctx context.Context, userID, id string) (*store.Schedule, error) {
	sched, err := e.Get(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := e.store.UpdateSchedule(ctx, id, map[string]any{"enabled": false, "next_run_at": nil}); err != nil {
		return nil, err
	}
	sched.Enabled = false
	sched.NextRunAt = nil
	return sched, nil
}

// =============================================================================
// ⏰ 到期执行
// =============================================================================

// ExecuteResult 一次到期执行的汇总。
type ExecuteResult struct {
	Executed int      `json:"executed"`
	Skipped  int      `json:"skipped"`
	RunIDs   []string `json:"run_ids,omitempty"`
}

// ExecuteDueSchedules 为每个到期调度分发 run。上一次 run 仍未结束的调度被跳过
// 且保持不变；分发失败计为 skipped。单个调度的失败不影响其他调度。
func (e *Engine) ExecuteDueSchedules(ctx context.Context) (*ExecuteResult, error) {
	ctx, span := e.tracer.Start(ctx, "schedule.ExecuteDue")
	defer span.End()

	due, err := e.store.ListDueSchedules(ctx, e.now(), e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	span.SetAttributes(attribute.Int("schedule.due", len(due)))

	out := &ExecuteResult{}
	for i := range due {
		runID, executed := e.executeOne(ctx, &due[i])
		if executed {
			out.Executed++
			out.RunIDs = append(out.RunIDs, runID)
		} else {
			out.Skipped++
		}
	}
	if e.metrics != nil {
		e.metrics.RecordScheduleResult("executed", out.Executed)
		e.metrics.RecordScheduleResult("skipped", out.Skipped)
	}
	if len(due) > 0 {
		e.logger.Info("due schedules processed",
			zap.Int("due", len(due)), zap.Int("executed", out.Executed), zap.Int("skipped", out.Skipped))
	}
	return out, nil
}

func (e *Engine) executeOne(ctx context.Context, sched *store.Schedule) (string, bool) {
	logger := e.logger.With(zap.String("schedule_id", sched.ID))

	if e.locker != nil {
		lock, err := e.locker.TryLock(ctx, "schedule:"+sched.ID, e.cfg.LockTTL)
		if err != nil {
			logger.Warn("schedule lock failed", zap.Error(err))
			return "", false
		}
		if lock == nil {
			return "", false
		}
		defer func() {
			if err := e.locker.Unlock(context.WithoutCancel(ctx), lock); err != nil {
				logger.Warn("failed to release schedule lock", zap.Error(err))
			}
		}()
	}

	if inFlight, err := e.lastRunInFlight(ctx, sched); err != nil {
		logger.Warn("failed to check last run", zap.Error(err))
		return "", false
	} else if inFlight {
		logger.Debug("previous run still in flight, skipping", zap.String("last_run_id", *sched.LastRunID))
		return "", false
	}

	runID, dispatchErr := e.dispatch(ctx, sched)
	now := e.now()
	updates := map[string]any{"last_run_at": now}
	if dispatchErr != nil {
		logger.Warn("scheduled dispatch failed", zap.String("run_id", runID), zap.Error(dispatchErr))
		if runID != "" {
			e.markRunFailed(ctx, runID, dispatchErr)
		}
		if sched.RetryStartedAt == nil {
			updates["retry_started_at"] = now
		}
	} else {
		updates["retry_started_at"] = nil
	}

	if sched.IsOneShot() {
		updates["enabled"] = false
		updates["next_run_at"] = nil
	} else if sched.CronExpression != nil {
		next, err := NextCronRun(*sched.CronExpression, sched.Timezone, now)
		if err != nil {
			logger.Error("stored cron expression invalid, disabling schedule", zap.Error(err))
			updates["enabled"] = false
			updates["next_run_at"] = nil
		} else {
			updates["next_run_at"] = next
		}
	}
	if err := e.store.UpdateSchedule(context.WithoutCancel(ctx), sched.ID, updates); err != nil {
		logger.Error("failed to advance schedule", zap.Error(err))
	}
	return runID, dispatchErr == nil
}

func (e *Engine) lastRunInFlight(ctx context.Context, sched *store.Schedule) (bool, error) {
	if sched.LastRunID == nil {
		return false, nil
	}
	run, err := e.store.GetRun(ctx, *sched.LastRunID)
	if types.IsCode(err, types.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return run.Status == store.RunStatusPending || run.Status == store.RunStatusRunning, nil
}

// dispatch 用 compose 的 HEAD 版本分发。返回的 runID 在 run 行插入后即有效，
// 即使分发随后失败。
func (e *Engine) dispatch(ctx context.Context, sched *store.Schedule) (string, error) {
	head, err := e.store.GetHeadVersion(ctx, sched.ComposeID)
	if err != nil {
		return "", err
	}
	secretValues, err := e.cipher.OpenMap(sched.EncryptedSecrets)
	if err != nil {
		return "", fmt.Errorf("open schedule secrets: %w", err)
	}

	var runID string
	_, err = e.dispatcher.DispatchScheduled(ctx, dispatch.ScheduledRun{
		Request: resolver.Request{
			UserID:           sched.UserID,
			ComposeVersionID: head.ID,
			Prompt:           sched.Prompt,
			Vars:             sched.Vars,
			Secrets:          secretValues,
			VolumeVersions:   sched.VolumeVersions,
			ArtifactName:     sched.ArtifactName,
			ArtifactVersion:  sched.ArtifactVersion,
		},
		ScheduleID: sched.ID,
		OnCreated: func(ctx context.Context, id string) error {
			runID = id
			// 先记录 lastRunId，重叠的清扫据此跳过
			return e.store.UpdateSchedule(ctx, sched.ID, map[string]any{"last_run_id": id})
		},
	})
	return runID, err
}

func (e *Engine) markRunFailed(ctx context.Context, runID string, cause error) {
	msg := cause.Error()
	if stderr, ok := sandbox.StderrOf(cause); ok {
		msg = stderr
	}
	if _, err := e.store.UpdateRun(context.WithoutCancel(ctx), runID, nil, map[string]any{
		"status":       store.RunStatusFailed,
		"error":        msg,
		"completed_at": e.now(),
	}); err != nil {
		e.logger.Error("failed to mark scheduled run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// Run 按轮询间隔循环执行到期调度，直到 ctx 取消。
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	e.logger.Info("schedule engine started", zap.Duration("poll_interval", e.cfg.PollInterval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("schedule engine stopped")
			return nil
		case <-ticker.C:
			if _, err := e.ExecuteDueSchedules(ctx); err != nil {
				e.logger.Error("schedule sweep failed", zap.Error(err))
			}
		}
	}
}

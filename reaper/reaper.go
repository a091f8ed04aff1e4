// Package reaper 周期性回收心跳停止的 run：销毁沙箱并把 run 置为 timeout。
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/store"
)

// Locker 跨进程互斥，由 cache.Manager 实现。
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (*cache.Lock, error)
	Unlock(ctx context.Context, lock *cache.Lock) error
}

// Config 回收配置。
type Config struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	BatchSize         int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Parallelism       int           `yaml:"parallelism" env:"PARALLELISM"`
	LockTTL           time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      time.Minute,
		BatchSize:         100,
		Parallelism:       8,
		LockTTL:           2 * time.Minute,
	}
}

// 单个 run 的处理结果。
const (
	OutcomeTimeout = "timeout"
	OutcomeSkipped = "skipped" // run 在处理期间已进入其他终态
	OutcomeError   = "error"
)

// RunResult 单个 run 的回收结果。
type RunResult struct {
	RunID     string `json:"run_id"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

// Result 一次清扫的汇总。
type Result struct {
	Cleaned int         `json:"cleaned"`
	Errors  int         `json:"errors"`
	Results []RunResult `json:"results"`
}

// Reaper 心跳回收器。
type Reaper struct {
	store    *store.Store
	provider sandbox.Provider
	sink     telemetry.Sink
	metrics  *metrics.Collector
	locker   Locker
	logger   *zap.Logger
	now      func() time.Time
	cfg      Config
	tracer   trace.Tracer
}

// New 创建回收器。locker 为 nil 时不加锁。
func New(svc *services.Services, locker Locker, cfg Config) *Reaper {
	svc.Normalize()
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	return &Reaper{
		store:    svc.Store,
		provider: svc.Sandbox,
		sink:     svc.Sink,
		metrics:  svc.Metrics,
		locker:   locker,
		logger:   svc.Logger.With(zap.String("component", "reaper")),
		now:      svc.Now,
		cfg:      cfg,
		tracer:   otel.Tracer("agentrun/reaper"),
	}
}

// CleanupExpiredSandboxes 回收心跳早于 2 倍心跳间隔的 running run。
// 单个 run 的失败只记录在结果中，不影响其他 run。
func (r *Reaper) CleanupExpiredSandboxes(ctx context.Context) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.Cleanup")
	defer span.End()

	cutoff := r.now().Add(-2 * r.cfg.HeartbeatInterval)
	runs, err := r.store.ListStaleRunningRuns(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	span.SetAttributes(attribute.Int("reaper.candidates", len(runs)))

	results := make([]RunResult, len(runs))
	var (
		mu  sync.Mutex
		out = &Result{}
		g   errgroup.Group
	)
	g.SetLimit(r.cfg.Parallelism)
	for i := range runs {
		run := runs[i]
		g.Go(func() error {
			res := r.reap(ctx, &run)
			mu.Lock()
			defer mu.Unlock()
			results[i] = res
			switch res.Outcome {
			case OutcomeTimeout:
				out.Cleaned++
			case OutcomeError:
				out.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()
	out.Results = results

	if r.metrics != nil {
		r.metrics.RecordReaperResult(OutcomeTimeout, out.Cleaned)
		r.metrics.RecordReaperResult(OutcomeError, out.Errors)
	}
	if len(runs) > 0 {
		r.logger.Info("reaper sweep finished",
			zap.Int("candidates", len(runs)),
			zap.Int("cleaned", out.Cleaned),
			zap.Int("errors", out.Errors),
		)
	}
	return out, nil
}

func (r *Reaper) reap(ctx context.Context, run *store.Run) RunResult {
	res := RunResult{RunID: run.ID}
	if run.SandboxID != nil {
		res.SandboxID = *run.SandboxID
		// 沙箱销毁失败不阻止状态更新
		if err := r.killSandbox(ctx, *run.SandboxID); err != nil {
			r.logger.Warn("failed to kill stale sandbox",
				zap.String("run_id", run.ID), zap.String("sandbox_id", *run.SandboxID), zap.Error(err))
		}
	}

	ok, err := r.store.UpdateRun(ctx, run.ID, []store.RunStatus{store.RunStatusRunning}, map[string]any{
		"status":       store.RunStatusTimeout,
		"error":        "sandbox heartbeat timed out",
		"completed_at": r.now(),
	})
	switch {
	case err != nil:
		res.Outcome = OutcomeError
		res.Error = err.Error()
		r.logger.Error("failed to time out run", zap.String("run_id", run.ID), zap.Error(err))
	case !ok:
		res.Outcome = OutcomeSkipped
	default:
		res.Outcome = OutcomeTimeout
		if r.metrics != nil {
			r.metrics.RecordRunTransition(string(store.RunStatusTimeout))
		}
	}
	return res
}

func (r *Reaper) killSandbox(ctx context.Context, sandboxID string) error {
	start := time.Now()
	err := func() error {
		h, err := r.provider.Connect(ctx, sandboxID)
		if errors.Is(err, sandbox.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return h.Kill(ctx)
	}()
	r.sink.RecordOperation(ctx, telemetry.Operation{
		Type:       r.provider.Name(),
		Action:     "reap-sandbox",
		DurationMs: time.Since(start).Milliseconds(),
		Success:    err == nil,
	})
	return err
}

// Sweep 在持有锁时执行一次清扫；锁被其他进程持有时返回 (nil, nil)。
func (r *Reaper) Sweep(ctx context.Context) (*Result, error) {
	if r.locker == nil {
		return r.CleanupExpiredSandboxes(ctx)
	}
	lock, err := r.locker.TryLock(ctx, "reaper", r.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		r.logger.Debug("reaper lock held elsewhere, skipping sweep")
		return nil, nil
	}
	defer func() {
		if err := r.locker.Unlock(context.WithoutCancel(ctx), lock); err != nil {
			r.logger.Warn("failed to release reaper lock", zap.Error(err))
		}
	}()
	return r.CleanupExpiredSandboxes(ctx)
}

// Run 按轮询间隔循环清扫，直到 ctx 取消。
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	r.logger.Info("reaper started",
		zap.Duration("poll_interval", r.cfg.PollInterval),
		zap.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

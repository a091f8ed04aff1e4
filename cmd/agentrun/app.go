package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/config"
	"github.com/BaSui01/agentrun/dispatch"
	"github.com/BaSui01/agentrun/events"
	"github.com/BaSui01/agentrun/executor"
	"github.com/BaSui01/agentrun/internal/auth"
	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/internal/database"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/migration"
	"github.com/BaSui01/agentrun/internal/pool"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/reaper"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/schedule"
	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
)

// =============================================================================
// 🧱 组件装配
// =============================================================================

// app 持有全部已装配的组件，serve 与 sweep 共用。
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	pool      *database.PoolManager
	cache     *cache.Manager // 未配置 Redis 时为 nil
	store     *store.Store
	secrets   *secrets.DBStore
	collector *metrics.Collector
	sink      *telemetry.AsyncSink
	otel      *telemetry.Providers

	tokens     *auth.TokenIssuer
	dispatcher *dispatch.Dispatcher
	events     *events.Service
	reaper     *reaper.Reaper
	schedules  *schedule.Engine
}

// newApp 按依赖顺序构造组件。失败时已打开的资源会被释放。
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	if a.otel, err = telemetry.Init(ctx, cfg.Telemetry, cfg.Sandbox.Environment, logger); err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
		a.otel, err = nil, nil
	}
	a.collector = metrics.NewCollector("agentrun", logger)

	if err = a.openDatabase(ctx); err != nil {
		return nil, err
	}

	if cfg.Redis.Addr != "" {
		if a.cache, err = cache.NewManager(cfg.Redis, logger); err != nil {
			return nil, err
		}
	} else {
		logger.Info("redis not configured, sweeps run without distributed locks")
	}

	cipher, err := secrets.NewCipher(cfg.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	a.secrets = secrets.NewDBStore(a.store.DB(), cipher, logger)

	if a.tokens, err = auth.NewTokenIssuer(cfg.Auth.SandboxTokenSecret, cfg.Auth.JWTIssuer); err != nil {
		return nil, err
	}

	provider, err := newSandboxProvider(cfg.Sandbox, logger)
	if err != nil {
		return nil, err
	}

	manifest, err := newManifestBuilder(ctx, cfg.ObjectStore, logger)
	if err != nil {
		return nil, err
	}

	if err = a.buildSink(); err != nil {
		return nil, err
	}

	svc := &services.Services{
		Store:    a.store,
		Secrets:  a.secrets,
		Sandbox:  provider,
		Manifest: manifest,
		Sink:     a.sink,
		Metrics:  a.collector,
		Tokens:   a.tokens,
		Logger:   logger,
	}

	execCfg := executor.DefaultConfig()
	execCfg.Environment = cfg.Sandbox.Environment
	execCfg.APIURL = cfg.Sandbox.APIURL
	execCfg.APIURLs = cfg.Sandbox.APIURLs
	execCfg.ProductionTimeout = cfg.Sandbox.ProductionTimeout
	execCfg.DefaultTimeout = cfg.Sandbox.DefaultTimeout
	execCfg.HeartbeatInterval = cfg.Heartbeat.Interval
	execCfg.UseMock = cfg.Runs.UseMock
	exec, err := executor.New(svc, execCfg)
	if err != nil {
		return nil, err
	}

	a.dispatcher = dispatch.New(svc, resolver.New(a.store, a.secrets, logger), exec, dispatch.Config{
		ConcurrencyLimit: cfg.Runs.ConcurrencyLimit,
		StalePendingTTL:  cfg.Runs.StalePendingTTL,
		TokenTTL:         cfg.Auth.SandboxTokenTTL,
	})
	a.events = events.New(svc)

	reaperCfg := reaper.DefaultConfig()
	reaperCfg.HeartbeatInterval = cfg.Heartbeat.Interval
	reaperCfg.PollInterval = cfg.Heartbeat.ReaperPollInterval
	reaperCfg.Parallelism = cfg.Heartbeat.ReaperParallelism

	scheduleCfg := schedule.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		LockTTL:      cfg.Scheduler.LockTTL,
	}

	// nil *cache.Manager 不能直接装进接口
	if a.cache != nil {
		a.reaper = reaper.New(svc, a.cache, reaperCfg)
		a.schedules = schedule.New(svc, a.dispatcher, cipher, a.cache, scheduleCfg)
	} else {
		a.reaper = reaper.New(svc, nil, reaperCfg)
		a.schedules = schedule.New(svc, a.dispatcher, cipher, nil, scheduleCfg)
	}
	return a, nil
}

// openDatabase 打开连接池，并把 store 的事务接到带重试的连接池上。
func (a *app) openDatabase(ctx context.Context) error {
	db, err := database.Open(a.cfg.Database, a.logger)
	if err != nil {
		return err
	}
	if a.pool, err = database.NewPoolManager(db, database.PoolConfigFrom(a.cfg.Database), a.collector, a.logger); err != nil {
		return err
	}
	if err := a.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}
	a.store = store.New(a.pool.DB())
	a.store.UseTxRunner(a.pool, a.cfg.Database.TxMaxRetries)
	return nil
}

// buildSink 遥测数据经异步池写入 Prometheus、OTel 与 Redis Stream。
func (a *app) buildSink() error {
	var streams telemetry.StreamWriter
	if a.cache != nil {
		streams = a.cache
	}
	recorder, err := telemetry.NewRecorder(a.collector, streams, a.logger)
	if err != nil {
		return err
	}
	poolCfg := pool.DefaultGoroutinePoolConfig()
	poolCfg.PanicHandler = func(r any) {
		a.logger.Error("telemetry write panicked", zap.Any("panic", r))
	}
	a.sink = telemetry.NewAsyncSink(recorder, poolCfg, a.logger)
	return nil
}

// requireSchema 拒绝在未迁移或 dirty 的库上启动。
func requireSchema(ctx context.Context, cfg config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromDatabaseConfig(cfg)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	if err := m.RequireCurrent(ctx); err != nil {
		if errors.Is(err, migration.ErrPendingMigrations) || errors.Is(err, migration.ErrDirtySchema) {
			return fmt.Errorf("%w (run `agentrun migrate up`)", err)
		}
		return err
	}
	return nil
}

func newSandboxProvider(cfg config.SandboxConfig, logger *zap.Logger) (sandbox.Provider, error) {
	switch cfg.Provider {
	case "http":
		return sandbox.NewHTTPProvider(cfg.HTTP, logger)
	default:
		return sandbox.NewDockerProvider(cfg.Docker, logger), nil
	}
}

// newManifestBuilder 未配置对象存储时返回 nil，声明了卷的 run 会在解析阶段报错。
func newManifestBuilder(ctx context.Context, cfg storage.Config, logger *zap.Logger) (*storage.ManifestBuilder, error) {
	if cfg.Endpoint == "" {
		logger.Info("object store not configured, volumes and artifacts disabled")
		return nil, nil
	}
	presigner, err := storage.NewMinioPresigner(cfg)
	if err != nil {
		return nil, err
	}
	if err := presigner.CheckBucket(ctx, cfg.Bucket); err != nil {
		return nil, err
	}
	return storage.NewManifestBuilder(presigner, cfg.Bucket, cfg.PresignTTL), nil
}

// Close 按构造的逆序释放资源。
func (a *app) Close(ctx context.Context) {
	if a.sink != nil {
		a.sink.Close()
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Warn("redis close error", zap.Error(err))
		}
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			a.logger.Warn("database close error", zap.Error(err))
		}
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}
}

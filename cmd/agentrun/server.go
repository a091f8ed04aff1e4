package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentrun/api/handlers"
	"github.com/BaSui01/agentrun/internal/server"
)

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentrun",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("environment", cfg.Sandbox.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := requireSchema(ctx, cfg.Database); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)

	api := server.NewManager(newAPIHandler(gctx, a), server.Config{
		Name:            "api",
		Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger)
	g.Go(func() error { return api.Run(gctx) })

	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := server.NewManager(mux, server.Config{
			Name:            "metrics",
			Addr:            fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		g.Go(func() error { return metricsSrv.Run(gctx) })
	}

	g.Go(func() error { return a.reaper.Run(gctx) })
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return a.schedules.Run(gctx) })
	} else {
		logger.Info("scheduler disabled")
	}

	err = g.Wait()
	logger.Info("agentrun stopped", zap.Error(err))
	return err
}

// newAPIHandler 注册全部路由并套上中间件。ctx 结束时限流器的清理协程退出。
func newAPIHandler(ctx context.Context, a *app) http.Handler {
	mux := http.NewServeMux()

	health := handlers.NewHealthHandler(handlers.VersionInfo{
		Version:   Version,
		BuildTime: BuildTime,
		GitCommit: GitCommit,
	}, a.logger)
	health.RegisterCheck(handlers.CheckFunc{CheckName: "database", Fn: a.pool.Ping})
	if a.cache != nil {
		health.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: a.cache.Ping})
	}
	health.Register(mux)

	handlers.NewRunHandler(a.dispatcher, a.logger).Register(mux)
	handlers.NewScheduleHandler(a.schedules, a.logger).Register(mux)
	handlers.NewComposeHandler(a.store, a.logger).Register(mux)
	handlers.NewSecretHandler(a.secrets, a.logger).Register(mux)
	handlers.NewSandboxHandler(a.events, a.logger).Register(mux)

	cfg := a.cfg.Server
	return Chain(mux,
		Recovery(a.logger),
		RequestID(),
		OTelTracing(),
		MetricsMiddleware(a.collector),
		SecurityHeaders(),
		RequestLogger(a.logger),
		CORS(cfg.CORSAllowedOrigins),
		Authenticate(NewUserTokenVerifier(a.cfg.Auth.JWTSecret, a.cfg.Auth.JWTIssuer), a.tokens, a.logger),
		RateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst),
	)
}

// =============================================================================
// agentrun 主入口
// =============================================================================
// 使用方法:
//
//	agentrun serve                         # 启动 API、metrics、回收器与调度器
//	agentrun serve --config config.yaml    # 指定配置文件
//	agentrun sweep reaper                  # 执行一次心跳回收
//	agentrun sweep schedules               # 执行一次到期调度
//	agentrun migrate up                    # 运行数据库迁移
//	agentrun health --addr http://...      # 就绪检查
//	agentrun version                       # 显示版本信息
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentrun/config"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "agentrun %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// loadConfig 加载并校验配置
func loadConfig(configPath string) (*config.Config, error) {
	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// 🏥 health 命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Server address")
	_ = fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/readyz")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}
	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("agentrun %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentrun - agent run orchestration service

Usage:
  agentrun <command> [options]

Commands:
  serve     Start the API server, metrics server, heartbeat reaper and scheduler
  sweep     Run one pass of a background job: reaper | schedules
  migrate   Database migration commands (agentrun migrate help)
  health    Check server readiness
  version   Show version information
  help      Show this help message

Options for 'serve' and 'sweep':
  --config <path>   Path to configuration file (YAML)

Examples:
  agentrun serve --config /etc/agentrun/config.yaml
  agentrun sweep reaper
  agentrun migrate up
  agentrun health --addr http://localhost:8080`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

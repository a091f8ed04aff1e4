// =============================================================================
// 📦 AgentRun 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/storage"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       cache.DefaultConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
		Auth:        DefaultAuthConfig(),
		Runs:        DefaultRunsConfig(),
		Sandbox:     DefaultSandboxConfig(),
		Heartbeat:   DefaultHeartbeatConfig(),
		Scheduler:   DefaultSchedulerConfig(),
		ObjectStore: storage.Config{Region: "us-east-1", UseSSL: true, PresignTTL: time.Hour},
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentrun",
		Name:            "agentrun",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		TxMaxRetries:    3,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrun",
		SampleRate:   0.1,
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		JWTIssuer:       "agentrun",
		SandboxTokenTTL: 3 * time.Hour,
	}
}

// DefaultRunsConfig 返回默认 run 配置
func DefaultRunsConfig() RunsConfig {
	return RunsConfig{
		ConcurrencyLimit: 5,
		StalePendingTTL:  15 * time.Minute,
	}
}

// DefaultSandboxConfig 返回默认沙箱配置
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Provider:          "docker",
		Environment:       "development",
		ProductionTimeout: 2 * time.Hour,
		DefaultTimeout:    30 * time.Minute,
		Docker:            sandbox.DockerConfig{Binary: "docker"},
		HTTP:              sandbox.HTTPConfig{Timeout: 2 * time.Minute},
	}
}

// DefaultHeartbeatConfig 返回默认心跳配置
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:           30 * time.Second,
		ReaperPollInterval: time.Minute,
		ReaperParallelism:  8,
	}
}

// DefaultSchedulerConfig 返回默认定时任务配置
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:      true,
		PollInterval: time.Minute,
		LockTTL:      5 * time.Minute,
		BatchSize:    50,
	}
}

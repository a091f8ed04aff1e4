// =============================================================================
// 📦 AgentRun 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTRUN").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/storage"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentRun 的完整配置结构
type Config struct {
	// Server HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Redis 锁与事件流，Addr 为空表示不启用
	Redis cache.Config `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Auth 用户与沙箱令牌
	Auth AuthConfig `yaml:"auth" env:"AUTH"`

	// Runs run 创建限制
	Runs RunsConfig `yaml:"runs" env:"RUNS"`

	// Sandbox 沙箱供应商与执行参数
	Sandbox SandboxConfig `yaml:"sandbox" env:"SANDBOX"`

	// Heartbeat 心跳与回收
	Heartbeat HeartbeatConfig `yaml:"heartbeat" env:"HEARTBEAT"`

	// Scheduler 定时任务扫描
	Scheduler SchedulerConfig `yaml:"scheduler" env:"SCHEDULER"`

	// ObjectStore 卷与 artifact 存储
	ObjectStore storage.Config `yaml:"object_store" env:"OBJECT_STORE"`

	// Secrets 加密配置
	Secrets SecretsConfig `yaml:"secrets" env:"SECRETS"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每客户端每秒请求数，0 表示不限流
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的 CORS 来源
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名，sqlite 时为文件路径
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 事务冲突重试次数
	TxMaxRetries int `yaml:"tx_max_retries" env:"TX_MAX_RETRIES"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// 不使用 TLS 连接 collector
	Insecure bool `yaml:"insecure" env:"INSECURE"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	// 用户 JWT 签名密钥（HS256）
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// 用户 JWT issuer，为空不校验
	JWTIssuer string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	// 沙箱令牌签名密钥
	SandboxTokenSecret string `yaml:"sandbox_token_secret" env:"SANDBOX_TOKEN_SECRET"`
	// 沙箱令牌有效期
	SandboxTokenTTL time.Duration `yaml:"sandbox_token_ttl" env:"SANDBOX_TOKEN_TTL"`
}

// RunsConfig run 创建配置
type RunsConfig struct {
	// 每用户并发 run 上限，0 表示不限
	ConcurrencyLimit int `yaml:"concurrency_limit" env:"CONCURRENCY_LIMIT"`
	// pending 超过该时长不再计入并发
	StalePendingTTL time.Duration `yaml:"stale_pending_ttl" env:"STALE_PENDING_TTL"`
	// 使用 mock agent 代替真实 CLI
	UseMock bool `yaml:"use_mock" env:"USE_MOCK"`
}

// SandboxConfig 沙箱配置
type SandboxConfig struct {
	// 供应商: docker, http
	Provider string `yaml:"provider" env:"PROVIDER"`
	// 部署环境: production, preview, development
	Environment string `yaml:"environment" env:"ENVIRONMENT"`
	// 沙箱回调的 API 地址
	APIURL string `yaml:"api_url" env:"API_URL"`
	// 未配置 APIURL 时按环境取值
	APIURLs map[string]string `yaml:"api_urls"`
	// production 沙箱寿命
	ProductionTimeout time.Duration `yaml:"production_timeout" env:"PRODUCTION_TIMEOUT"`
	// 其他环境沙箱寿命
	DefaultTimeout time.Duration `yaml:"default_timeout" env:"DEFAULT_TIMEOUT"`
	// Docker 供应商
	Docker sandbox.DockerConfig `yaml:"docker" env:"DOCKER"`
	// HTTP 供应商
	HTTP sandbox.HTTPConfig `yaml:"http" env:"HTTP"`
}

// HeartbeatConfig 心跳配置
type HeartbeatConfig struct {
	// 沙箱上报间隔，超过两倍视为失联
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 回收扫描间隔
	ReaperPollInterval time.Duration `yaml:"reaper_poll_interval" env:"REAPER_POLL_INTERVAL"`
	// 回收并发度
	ReaperParallelism int `yaml:"reaper_parallelism" env:"REAPER_PARALLELISM"`
}

// SchedulerConfig 定时任务配置
type SchedulerConfig struct {
	// 是否在 serve 中运行扫描
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 扫描间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 单个 schedule 的锁有效期
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// 每次扫描最多处理的 schedule 数
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
}

// SecretsConfig 加密配置
type SecretsConfig struct {
	// base64 编码的 32 字节密钥
	EncryptionKey string `yaml:"encryption_key" env:"ENCRYPTION_KEY"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTRUN",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// time.Duration 按 "30s" 形式解析
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// Validate 验证配置，返回全部问题
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.Auth.SandboxTokenSecret == "" {
		errs = append(errs, "auth.sandbox_token_secret is required")
	}
	if c.Auth.SandboxTokenTTL <= 0 {
		errs = append(errs, "auth.sandbox_token_ttl must be positive")
	}
	if c.Secrets.EncryptionKey == "" {
		errs = append(errs, "secrets.encryption_key is required")
	}
	if c.Runs.ConcurrencyLimit < 0 {
		errs = append(errs, "runs.concurrency_limit must not be negative")
	}
	switch c.Sandbox.Provider {
	case "docker":
	case "http":
		if c.Sandbox.HTTP.BaseURL == "" {
			errs = append(errs, "sandbox.http.base_url is required for the http provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported sandbox provider %q", c.Sandbox.Provider))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.poll_interval must be positive")
	}
	if c.ObjectStore.Endpoint != "" {
		if err := c.ObjectStore.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateConfig 可直接传给 WithValidator
func ValidateConfig(c *Config) error {
	return c.Validate()
}

// ErrNoDSN 驱动未知时无法构造连接串
var ErrNoDSN = errors.New("config: no DSN for database driver")

// DSN 返回 gorm 驱动使用的连接字符串
func (d *DatabaseConfig) DSN() (string, error) {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		), nil
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		), nil
	case "sqlite":
		return d.Name, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrNoDSN, d.Driver)
	}
}

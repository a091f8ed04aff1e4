// Package cache provides the Redis-backed coordination layer: distributed
// locks for sweepers and append-only streams for telemetry datasets.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/tlsutil"
)

// =============================================================================
// 💾 Redis 协调管理器
// =============================================================================

// Manager Redis 协调管理器
type Manager struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// Config Redis 配置
type Config struct {
	// Redis 地址，为空表示不启用
	Addr string `yaml:"addr" json:"addr" env:"ADDR"`

	// 密码
	Password string `yaml:"password" json:"password" env:"PASSWORD"`

	// 数据库编号
	DB int `yaml:"db" json:"db" env:"DB"`

	// 键前缀
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix" env:"KEY_PREFIX"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size" env:"POOL_SIZE"`

	// 启用 TLS
	TLSEnabled bool `yaml:"tls_enabled" json:"tls_enabled" env:"TLS_ENABLED"`

	// 私有 CA 证书
	TLSCAFile string `yaml:"tls_ca_file" json:"tls_ca_file" env:"TLS_CA_FILE"`

	// 单个 stream 的近似最大长度，0 表示不裁剪
	StreamMaxLen int64 `yaml:"stream_max_len" json:"stream_max_len" env:"STREAM_MAX_LEN"`

	// 健康检查间隔
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:                "",
		KeyPrefix:           "agentrun:",
		MaxRetries:          3,
		PoolSize:            10,
		StreamMaxLen:        100000,
		HealthCheckInterval: 30 * time.Second,
	}
}

// NewManager 创建管理器并验证连接
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:       config.Addr,
		Password:   config.Password,
		DB:         config.DB,
		MaxRetries: config.MaxRetries,
		PoolSize:   config.PoolSize,
	}
	if config.TLSEnabled {
		tlsCfg, err := tlsutil.ClientConfig(config.TLSCAFile)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsCfg
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	m := &Manager{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
		stop:   make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go m.healthCheckLoop()
	}

	m.logger.Info("redis manager initialized",
		zap.String("addr", config.Addr),
		zap.Int("pool_size", config.PoolSize),
	)

	return m, nil
}

// =============================================================================
// 🔒 分布式锁
// =============================================================================

// 仅当 token 匹配时删除，避免释放他人持有的锁
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock 已持有的锁
type Lock struct {
	key   string
	token string
}

// TryLock 尝试获取锁，已被占用时返回 (nil, nil)
func (m *Manager) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	key := m.key("lock:" + name)
	ok, err := m.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{key: key, token: token}, nil
}

// Unlock 释放锁
func (m *Manager) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := unlockScript.Run(ctx, m.redis, []string{lock.key}, lock.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// =============================================================================
// 📜 Stream
// =============================================================================

// AppendStream 向 stream 追加一条记录
func (m *Manager) AppendStream(ctx context.Context, stream string, values map[string]any) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	args := &redis.XAddArgs{Stream: m.key("stream:" + stream), Values: values}
	if m.config.StreamMaxLen > 0 {
		args.MaxLen = m.config.StreamMaxLen
		args.Approx = true
	}
	if err := m.redis.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("append stream %s: %w", stream, err)
	}
	return nil
}

// StreamLen 返回 stream 长度
func (m *Manager) StreamLen(ctx context.Context, stream string) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	return m.redis.XLen(ctx, m.key("stream:"+stream)).Result()
}

// =============================================================================
// 🏥 生命周期
// =============================================================================

// Ping 检查 Redis 连接
func (m *Manager) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.redis.Ping(ctx).Err()
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.stop)
	m.logger.Info("closing redis manager")

	return m.redis.Close()
}

func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Ping(ctx); err != nil {
			m.logger.Error("redis health check failed", zap.Error(err))
		}
		cancel()
	}
}

func (m *Manager) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) key(k string) string {
	return m.config.KeyPrefix + k
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ErrClosed 管理器已关闭
var ErrClosed = errors.New("redis manager is closed")

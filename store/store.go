// Package store 基于 GORM 的持久化层：run、compose、checkpoint、session、
// schedule、volume、变量与模型供应商配置。
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/agentrun/types"
)

// Store 持久化仓库。
type Store struct {
	db      *gorm.DB
	tx      TxRunner
	retries int
}

// TxRunner 带重试的事务执行器，由 database.PoolManager 实现。
type TxRunner interface {
	WithTransactionRetry(ctx context.Context, maxRetries int, fn func(tx *gorm.DB) error) error
}

// UseTxRunner 之后 Transaction 通过 r 执行，冲突类错误最多尝试 maxRetries 次。
func (s *Store) UseTxRunner(r TxRunner, maxRetries int) {
	s.tx = r
	s.retries = maxRetries
}

// New 创建 Store。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB 返回底层 *gorm.DB。
func (s *Store) DB() *gorm.DB {
	return s.db
}

// AutoMigrate 创建或更新全部表结构（开发与测试使用，生产走 migration）。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(AllModels()...)
}

// Transaction 在单个事务中执行 fn，fn 收到绑定事务的 Store。
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	wrapped := func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	}
	if s.tx != nil {
		return s.tx.WithTransactionRetry(ctx, s.retries, wrapped)
	}
	return s.db.WithContext(ctx).Transaction(wrapped)
}

// NewID 生成资源 ID。
func NewID() string {
	return uuid.NewString()
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.NotFound(format, args...)
	}
	return err
}

// IsDuplicateKey 判断是否为唯一约束冲突。
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}

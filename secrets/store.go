// Package secrets 按用户作用域保存加密的 secret 与供应商 credential。
package secrets

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// ScopeType secret 作用域类型。
type ScopeType string

const (
	ScopeSecret     ScopeType = "secret"
	ScopeCredential ScopeType = "credential"
)

// Scope 查询作用域：某个用户的某一类 secret。
type Scope struct {
	OwnerID string
	Type    ScopeType
}

// Store secret 查询接口。
type Store interface {
	GetSecretValue(ctx context.Context, scope Scope, name string) (string, error)
	GetSecretValues(ctx context.Context, scope Scope) (map[string]string, error)
}

// DBStore 将密文保存在 ar_secrets 表中。
type DBStore struct {
	db     *gorm.DB
	cipher *Cipher
	logger *zap.Logger
}

// NewDBStore 创建数据库 secret 存储。
func NewDBStore(db *gorm.DB, cipher *Cipher, logger *zap.Logger) *DBStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DBStore{db: db, cipher: cipher, logger: logger.With(zap.String("component", "secrets"))}
}

// SetSecret 写入或覆盖 secret。
func (s *DBStore) SetSecret(ctx context.Context, scope Scope, name, value string) error {
	if name == "" {
		return types.BadRequest("secret name is required")
	}
	sealed, err := s.cipher.Seal([]byte(value))
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	rec := &store.SecretRecord{UserID: scope.OwnerID, Type: string(scope.Type), Name: name, Ciphertext: sealed}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "type"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
	}).Create(rec).Error
}

// DeleteSecret 删除 secret。
func (s *DBStore) DeleteSecret(ctx context.Context, scope Scope, name string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND name = ?", scope.OwnerID, scope.Type, name).
		Delete(&store.SecretRecord{}).Error
}

// GetSecretValue 解密单个 secret，不存在返回 NOT_FOUND。
func (s *DBStore) GetSecretValue(ctx context.Context, scope Scope, name string) (string, error) {
	var rec store.SecretRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ? AND name = ?", scope.OwnerID, scope.Type, name).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", types.NotFound("%s %q not found", scope.Type, name)
	}
	if err != nil {
		return "", err
	}
	plain, err := s.cipher.Open(rec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("open %s %q: %w", scope.Type, name, err)
	}
	return string(plain), nil
}

// GetSecretValues 解密作用域下全部 secret。单条解密失败会被跳过并记录日志，
// 引用它的模板展开会以缺失报错。
func (s *DBStore) GetSecretValues(ctx context.Context, scope Scope) (map[string]string, error) {
	var recs []store.SecretRecord
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", scope.OwnerID, scope.Type).
		Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(recs))
	for _, rec := range recs {
		plain, err := s.cipher.Open(rec.Ciphertext)
		if err != nil {
			s.logger.Warn("failed to decrypt secret",
				zap.String("owner", scope.OwnerID),
				zap.String("type", string(scope.Type)),
				zap.String("name", rec.Name),
				zap.Error(err))
			continue
		}
		out[rec.Name] = string(plain)
	}
	return out, nil
}

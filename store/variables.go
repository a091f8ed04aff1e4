package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ListVariables 返回用户的全部服务端变量。
func (s *Store) ListVariables(ctx context.Context, userID string) (map[string]string, error) {
	var rows []Variable
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Value
	}
	return out, nil
}

// SetVariable 写入或覆盖变量。
func (s *Store) SetVariable(ctx context.Context, userID, name, value string) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Variable{UserID: userID, Name: name, Value: value}).Error
}

// GetDefaultModelProvider 返回用户的默认模型供应商，未配置时返回 nil。
func (s *Store) GetDefaultModelProvider(ctx context.Context, userID string) (*ModelProvider, error) {
	var mp ModelProvider
	err := s.db.WithContext(ctx).Where("user_id = ? AND is_default = ?", userID, true).
		Order("id DESC").First(&mp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mp, nil
}

// SaveModelProvider 保存供应商；设为默认时清除该用户其他默认标记。
func (s *Store) SaveModelProvider(ctx context.Context, mp *ModelProvider) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if mp.IsDefault {
			if err := tx.db.Model(&ModelProvider{}).
				Where("user_id = ? AND id <> ?", mp.UserID, mp.ID).
				Update("is_default", false).Error; err != nil {
				return err
			}
		}
		return tx.db.Save(mp).Error
	})
}

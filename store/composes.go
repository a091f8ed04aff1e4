package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/types"
)

// SaveComposeVersion 保存 compose 内容：按 (owner, name) 查找或创建 compose，
// 内容相同的版本只保存一次，并把 HEAD 指向该版本。
func (s *Store) SaveComposeVersion(ctx context.Context, userID string, content *compose.Content) (*Compose, *ComposeVersion, error) {
	if err := content.Validate(); err != nil {
		return nil, nil, err
	}
	versionID, err := compose.VersionID(content)
	if err != nil {
		return nil, nil, err
	}
	data, err := content.Marshal()
	if err != nil {
		return nil, nil, err
	}

	var c Compose
	var v ComposeVersion
	err = s.Transaction(ctx, func(tx *Store) error {
		db := tx.db
		err := db.Where("user_id = ? AND name = ?", userID, content.Name).First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c = Compose{ID: NewID(), UserID: userID, Name: content.Name}
			err = db.Create(&c).Error
		}
		if err != nil {
			return err
		}

		err = db.Where("id = ? AND compose_id = ?", versionID, c.ID).First(&v).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			v = ComposeVersion{ID: versionID, ComposeID: c.ID, Content: string(data), CreatedBy: userID}
			err = db.Create(&v).Error
		}
		if err != nil {
			return err
		}

		c.HeadVersionID = &v.ID
		return db.Model(&c).Update("head_version_id", v.ID).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &c, &v, nil
}

// GetCompose 按 ID 查询 compose。
func (s *Store) GetCompose(ctx context.Context, id string) (*Compose, error) {
	var c Compose
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, notFound(err, "compose %s not found", id)
	}
	return &c, nil
}

// GetComposeVersion 按 ID 查询 compose 版本。相同内容可能存在于多个
// compose 下，优先返回 preferUserID 拥有的那一份。
func (s *Store) GetComposeVersion(ctx context.Context, id, preferUserID string) (*ComposeVersion, error) {
	var v ComposeVersion
	err := s.db.WithContext(ctx).
		Table(ComposeVersion{}.TableName()+" AS v").
		Select("v.*").
		Joins("JOIN "+Compose{}.TableName()+" AS c ON c.id = v.compose_id").
		Where("v.id = ?", id).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "CASE WHEN c.user_id = ? THEN 0 ELSE 1 END",
			Vars:               []any{preferUserID},
			WithoutParentheses: true,
		}}).
		Take(&v).Error
	if err != nil {
		return nil, notFound(err, "compose version %s not found", id)
	}
	return &v, nil
}

// GetComposeVersionIn 查询指定 compose 下的版本。
func (s *Store) GetComposeVersionIn(ctx context.Context, composeID, id string) (*ComposeVersion, error) {
	var v ComposeVersion
	if err := s.db.WithContext(ctx).Where("id = ? AND compose_id = ?", id, composeID).First(&v).Error; err != nil {
		return nil, notFound(err, "compose version %s not found", id)
	}
	return &v, nil
}

// GetHeadVersion 返回 compose 当前 HEAD 版本。
func (s *Store) GetHeadVersion(ctx context.Context, composeID string) (*ComposeVersion, error) {
	c, err := s.GetCompose(ctx, composeID)
	if err != nil {
		return nil, err
	}
	if c.HeadVersionID == nil {
		return nil, types.NotFound("compose %s has no versions", composeID)
	}
	return s.GetComposeVersionIn(ctx, composeID, *c.HeadVersionID)
}

// GrantComposePermission 授权 grantee 运行 compose，重复授权是幂等的。
func (s *Store) GrantComposePermission(ctx context.Context, composeID, granteeUserID string) error {
	var existing ComposePermission
	err := s.db.WithContext(ctx).
		Where("compose_id = ? AND grantee_user_id = ?", composeID, granteeUserID).
		First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	return s.db.WithContext(ctx).Create(&ComposePermission{ComposeID: composeID, GranteeUserID: granteeUserID}).Error
}

// CanRunCompose 所有者或被授权用户可以运行 compose。
func (s *Store) CanRunCompose(ctx context.Context, c *Compose, userID string) (bool, error) {
	if c.UserID == userID {
		return true, nil
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&ComposePermission{}).
		Where("compose_id = ? AND grantee_user_id = ?", c.ID, userID).
		Count(&n).Error
	return n > 0, err
}

package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/BaSui01/agentrun/types"
)

// CreateVolume 创建卷。
func (s *Store) CreateVolume(ctx context.Context, v *Volume) error {
	if v.ID == "" {
		v.ID = NewID()
	}
	err := s.db.WithContext(ctx).Create(v).Error
	if IsDuplicateKey(err) {
		return types.Conflict("volume %q already exists", v.Name)
	}
	return err
}

// FindVolume 按 (owner, name) 查询卷，不存在返回 NOT_FOUND。
func (s *Store) FindVolume(ctx context.Context, userID, name string) (*Volume, error) {
	var v Volume
	if err := s.db.WithContext(ctx).Where("user_id = ? AND name = ?", userID, name).First(&v).Error; err != nil {
		return nil, notFound(err, "volume %q not found", name)
	}
	return &v, nil
}

// AddVolumeVersion 新增卷版本并移动 HEAD。
func (s *Store) AddVolumeVersion(ctx context.Context, volumeID string, size int64, fileCount int) (*VolumeVersion, error) {
	vv := &VolumeVersion{ID: NewID(), VolumeID: volumeID, Size: size, FileCount: fileCount}
	err := s.Transaction(ctx, func(tx *Store) error {
		if err := tx.db.Create(vv).Error; err != nil {
			return err
		}
		return tx.db.Model(&Volume{}).Where("id = ?", volumeID).Update("head_version_id", vv.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return vv, nil
}

// VolumeVersionExists 卷下是否存在该版本。
func (s *Store) VolumeVersionExists(ctx context.Context, volumeID, versionID string) (bool, error) {
	var vv VolumeVersion
	err := s.db.WithContext(ctx).Where("id = ? AND volume_id = ?", versionID, volumeID).First(&vv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

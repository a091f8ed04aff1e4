package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// SaveSchedule 按 (compose_id, name) upsert 调度，返回是否为新建。
func (s *Store) SaveSchedule(ctx context.Context, sched *Schedule) (bool, error) {
	created := false
	err := s.Transaction(ctx, func(tx *Store) error {
		var existing Schedule
		err := tx.db.Where("compose_id = ? AND name = ?", sched.ComposeID, sched.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if sched.ID == "" {
				sched.ID = NewID()
			}
			created = true
			return tx.db.Create(sched).Error
		case err != nil:
			return err
		}
		sched.ID = existing.ID
		sched.CreatedAt = existing.CreatedAt
		sched.LastRunAt = existing.LastRunAt
		sched.LastRunID = existing.LastRunID
		return tx.db.Save(sched).Error
	})
	return created, err
}

// GetSchedule 按 ID 查询调度。
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sched Schedule
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&sched).Error; err != nil {
		return nil, notFound(err, "schedule %s not found", id)
	}
	return &sched, nil
}

// ListSchedules 列出用户的调度。
func (s *Store) ListSchedules(ctx context.Context, userID string) ([]Schedule, error) {
	var out []Schedule
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// DeleteSchedule 删除调度。
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&Schedule{}).Error
}

// ListDueSchedules 列出已启用且 next_run_at <= now 的调度。
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	var out []Schedule
	q := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

// UpdateSchedule 按列更新调度。
func (s *Store) UpdateSchedule(ctx context.Context, id string, updates map[string]any) error {
	return s.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).Updates(updates).Error
}

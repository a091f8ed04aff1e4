package store

import (
	"context"
	"time"

	"github.com/BaSui01/agentrun/types"
)

// RunFilter ListRuns 查询条件。
type RunFilter struct {
	UserID     string
	Status     RunStatus
	ComposeID  string
	ScheduleID string
	Limit      int
	Offset     int
}

// CreateRun 插入 run。
func (s *Store) CreateRun(ctx context.Context, run *Run) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// GetRun 按 ID 查询 run。
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&run).Error; err != nil {
		return nil, notFound(err, "run %s not found", id)
	}
	return &run, nil
}

// GetRunForUser 查询属于 userID 的 run，其他用户的 run 视为不存在。
func (s *Store) GetRunForUser(ctx context.Context, id, userID string) (*Run, error) {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.UserID != userID {
		return nil, types.NotFound("run %s not found", id)
	}
	return run, nil
}

// ListRuns 按创建时间倒序列出 run。
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	q := s.db.WithContext(ctx).Model(&Run{}).Where("user_id = ?", f.UserID)
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.ComposeID != "" {
		q = q.Where("compose_id = ?", f.ComposeID)
	}
	if f.ScheduleID != "" {
		q = q.Where("schedule_id = ?", f.ScheduleID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var runs []Run
	err := q.Order("created_at DESC").Limit(limit).Offset(f.Offset).Find(&runs).Error
	return runs, err
}

// CountActiveRuns 统计用户的活跃 run：running，以及创建时间不早于
// stalePendingBefore 的 pending。过旧的 pending 不占用并发名额。
func (s *Store) CountActiveRuns(ctx context.Context, userID string, stalePendingBefore time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Run{}).
		Where("user_id = ?", userID).
		Where("status = ? OR (status = ? AND created_at >= ?)", RunStatusRunning, RunStatusPending, stalePendingBefore).
		Count(&n).Error
	return n, err
}

// UpdateRun 条件更新 run：仅当当前状态属于 from 时生效；from 为空时
// 匹配所有非终态。返回是否有行被更新，终态 run 永远不会被修改。
func (s *Store) UpdateRun(ctx context.Context, id string, from []RunStatus, updates map[string]any) (bool, error) {
	q := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN ?", from)
	} else {
		q = q.Where("status NOT IN ?", TerminalStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ListStaleRunningRuns 列出心跳早于 before 的 running run。
func (s *Store) ListStaleRunningRuns(ctx context.Context, before time.Time, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at < ?", RunStatusRunning, before).
		Order("last_heartbeat_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&runs).Error
	return runs, err
}

package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// GetRun 查询调用者自己的 run。
func (d *Dispatcher) GetRun(ctx context.Context, userID, runID string) (*store.Run, error) {
	return d.store.GetRunForUser(ctx, runID, userID)
}

// ListRuns 列出调用者的 run。
func (d *Dispatcher) ListRuns(ctx context.Context, userID string, f store.RunFilter) ([]store.Run, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, types.BadRequest("unknown run status %q", f.Status)
	}
	f.UserID = userID
	return d.store.ListRuns(ctx, f)
}

// CancelRun 取消尚未到达沙箱的 run。只有 pending 可以取消。
func (d *Dispatcher) CancelRun(ctx context.Context, userID, runID string) (*store.Run, error) {
	run, err := d.store.GetRunForUser(ctx, runID, userID)
	if err != nil {
		return nil, err
	}
	if run.Status != store.RunStatusPending {
		return nil, types.InvalidState("run %s cannot be cancelled in status %s", runID, run.Status)
	}
	now := d.now()
	ok, err := d.store.UpdateRun(ctx, runID, []store.RunStatus{store.RunStatusPending}, map[string]any{
		"status":       store.RunStatusCancelled,
		"completed_at": now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		// 并发的执行器已把它推进到 running
		return nil, types.InvalidState("run %s is no longer pending", runID)
	}
	d.recordTransition(store.RunStatusCancelled)
	d.logger.Info("run cancelled", zap.String("run_id", runID), zap.String("user_id", userID))
	run.Status = store.RunStatusCancelled
	run.CompletedAt = &now
	return run, nil
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	config := DefaultConfig()
	config.Addr = mr.Addr()
	config.HealthCheckInterval = 0

	manager, err := NewManager(config, zap.NewNop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = manager.Close()
		mr.Close()
	})
	return mr, manager
}

func TestNewManager_ConnectFailure(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestManager_TryLockIsExclusive(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	lock, err := manager.TryLock(ctx, "schedule:s1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.True(t, mr.Exists("agentrun:lock:schedule:s1"))

	second, err := manager.TryLock(ctx, "schedule:s1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, second)

	require.NoError(t, manager.Unlock(ctx, lock))
	assert.False(t, mr.Exists("agentrun:lock:schedule:s1"))

	again, err := manager.TryLock(ctx, "schedule:s1", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestManager_UnlockIgnoresForeignToken(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	lock, err := manager.TryLock(ctx, "reaper", time.Second)
	require.NoError(t, err)
	require.NotNil(t, lock)

	// 锁过期后被他人获取
	mr.FastForward(2 * time.Second)
	other, err := manager.TryLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, other)

	require.NoError(t, manager.Unlock(ctx, lock))
	assert.True(t, mr.Exists("agentrun:lock:reaper"), "stale holder must not release a foreign lock")
	assert.NoError(t, manager.Unlock(ctx, nil))
}

func TestManager_AppendStream(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, manager.AppendStream(ctx, "agent-run-events", map[string]any{"data": i}))
	}
	n, err := manager.StreamLen(ctx, "agent-run-events")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	ctx := context.Background()
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
	_, err := manager.TryLock(ctx, "x", time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.AppendStream(ctx, "s", map[string]any{"a": 1}), ErrClosed)
}

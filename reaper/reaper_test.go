package reaper

import (
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/internal/cache"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/testutil"
	"github.com/BaSui01/agentrun/testutil/mocks"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newReaper(t *testing.T, locker Locker) (*Reaper, *store.Store, *mocks.MockSandboxProvider) {
	t.Helper()
	st := testutil.NewTestStore(t)
	provider := mocks.NewMockSandboxProvider()
	clock := testutil.NewClock(base)
	r := New(&services.Services{Store: st, Sandbox: provider, Now: clock.Now}, locker, DefaultConfig())
	return r, st, provider
}

func runningWithHeartbeat(t *testing.T, st *store.Store, hb time.Time, sandboxID string) *store.Run {
	run := &store.Run{UserID: "u1", Status: store.RunStatusRunning, LastHeartbeatAt: testutil.TimePtr(hb)}
	if sandboxID != "" {
		run.SandboxID = testutil.StrPtr(sandboxID)
	}
	return testutil.SeedRun(t, st, run)
}

func TestCleanupExpiredSandboxes(t *testing.T) {
	r, st, provider := newReaper(t, nil)
	ctx := testutil.TestContext(t)

	stale := runningWithHeartbeat(t, st, base.Add(-2*time.Minute), "sbx-stale")
	provider.AddSandbox("sbx-stale")
	fresh := runningWithHeartbeat(t, st, base.Add(-30*time.Second), "sbx-fresh")
	provider.AddSandbox("sbx-fresh")
	gone := runningWithHeartbeat(t, st, base.Add(-10*time.Minute), "sbx-gone")
	noSandbox := runningWithHeartbeat(t, st, base.Add(-5*time.Minute), "")
	completed := testutil.SeedRun(t, st, &store.Run{UserID: "u1", Status: store.RunStatusCompleted, LastHeartbeatAt: testutil.TimePtr(base.Add(-time.Hour))})

	res, err := r.CleanupExpiredSandboxes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Cleaned)
	assert.Equal(t, 0, res.Errors)
	assert.Len(t, res.Results, 3)

	for _, id := range []string{stale.ID, gone.ID, noSandbox.ID} {
		got, err := st.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.RunStatusTimeout, got.Status, id)
		assert.NotNil(t, got.CompletedAt)
	}
	got, _ := st.GetRun(ctx, fresh.ID)
	assert.Equal(t, store.RunStatusRunning, got.Status)
	got, _ = st.GetRun(ctx, completed.ID)
	assert.Equal(t, store.RunStatusCompleted, got.Status)

	assert.True(t, provider.Sandbox("sbx-stale").Killed())
	assert.False(t, provider.Sandbox("sbx-fresh").Killed())
}

func TestCleanup_KillFailureDoesNotBlock(t *testing.T) {
	r, st, provider := newReaper(t, nil)
	ctx := testutil.TestContext(t)
	provider.WithKillError(errors.New("api down"))
	provider.AddSandbox("a")
	provider.AddSandbox("b")
	runningWithHeartbeat(t, st, base.Add(-time.Hour), "a")
	runningWithHeartbeat(t, st, base.Add(-time.Hour), "b")

	res, err := r.CleanupExpiredSandboxes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Cleaned)
	for _, rr := range res.Results {
		assert.Equal(t, OutcomeTimeout, rr.Outcome)
	}
}

func TestSweep_Lock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := cache.DefaultConfig()
	cfg.Addr = mr.Addr()
	cfg.HealthCheckInterval = 0
	mgr, err := cache.NewManager(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	r, st, _ := newReaper(t, mgr)
	ctx := testutil.TestContext(t)
	runningWithHeartbeat(t, st, base.Add(-time.Hour), "")

	held, err := mgr.TryLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, held)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Nil(t, res)

	require.NoError(t, mgr.Unlock(ctx, held))
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Cleaned)

	// 锁已释放
	again, err := mgr.TryLock(ctx, "reaper", time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

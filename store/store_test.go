package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/types"
)

func setupTestDB(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s := New(db)
	require.NoError(t, s.AutoMigrate())
	return s
}

func content(name string) *compose.Content {
	return &compose.Content{Name: name, Framework: compose.FrameworkCodex, WorkingDir: "/w"}
}

func TestSaveComposeVersion_DeduplicatesAndMovesHead(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	c1, v1, err := s.SaveComposeVersion(ctx, "u1", content("agent"))
	require.NoError(t, err)
	c2, v2, err := s.SaveComposeVersion(ctx, "u1", content("agent"))
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, v1.ID, v2.ID)

	changed := content("agent")
	changed.Image = "img:2"
	_, v3, err := s.SaveComposeVersion(ctx, "u1", changed)
	require.NoError(t, err)
	assert.NotEqual(t, v1.ID, v3.ID)

	head, err := s.GetHeadVersion(ctx, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, v3.ID, head.ID)

	old, err := s.GetComposeVersion(ctx, v1.ID, "u1")
	require.NoError(t, err)
	parsed, err := old.Parse()
	require.NoError(t, err)
	assert.Empty(t, parsed.Image)
}

func TestGetComposeVersion_PrefersOwnCopy(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	ca, va, err := s.SaveComposeVersion(ctx, "alice", content("same"))
	require.NoError(t, err)
	cb, vb, err := s.SaveComposeVersion(ctx, "bob", content("same"))
	require.NoError(t, err)
	require.Equal(t, va.ID, vb.ID)

	got, err := s.GetComposeVersion(ctx, va.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, cb.ID, got.ComposeID)
	got, err = s.GetComposeVersion(ctx, va.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, ca.ID, got.ComposeID)

	_, err = s.GetComposeVersion(ctx, "missing", "bob")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCanRunCompose(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	c, _, err := s.SaveComposeVersion(ctx, "owner", content("x"))
	require.NoError(t, err)

	ok, err := s.CanRunCompose(ctx, c, "owner")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CanRunCompose(ctx, c, "guest")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.GrantComposePermission(ctx, c.ID, "guest"))
	require.NoError(t, s.GrantComposePermission(ctx, c.ID, "guest"))
	ok, err = s.CanRunCompose(ctx, c, "guest")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdateRun_TerminalStatusIsImmutable(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	run := &Run{ID: "r1", UserID: "u", ComposeID: "c", ComposeVersionID: "v", Status: RunStatusPending, CreatedAt: now}
	require.NoError(t, s.CreateRun(ctx, run))

	ok, err := s.UpdateRun(ctx, "r1", []RunStatus{RunStatusRunning}, map[string]any{"status": RunStatusCompleted})
	require.NoError(t, err)
	assert.False(t, ok, "pending run must not match a running-only transition")

	ok, err = s.UpdateRun(ctx, "r1", nil, map[string]any{"status": RunStatusFailed, "error": "boom"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateRun(ctx, "r1", nil, map[string]any{"status": RunStatusRunning})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestCountActiveRuns_IgnoresStalePending(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	mk := func(id string, status RunStatus, created time.Time) {
		require.NoError(t, s.CreateRun(ctx, &Run{ID: id, UserID: "u", ComposeID: "c", ComposeVersionID: "v", Status: status, CreatedAt: created}))
	}
	mk("fresh-pending", RunStatusPending, now.Add(-time.Minute))
	mk("stale-pending", RunStatusPending, now.Add(-2*time.Hour))
	mk("old-running", RunStatusRunning, now.Add(-3*time.Hour))
	mk("done", RunStatusCompleted, now)

	n, err := s.CountActiveRuns(ctx, "u", now.Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestListStaleRunningRuns(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-10 * time.Minute)
	recent := now.Add(-10 * time.Second)
	for id, r := range map[string]*Run{
		"stale":   {Status: RunStatusRunning, LastHeartbeatAt: &old},
		"healthy": {Status: RunStatusRunning, LastHeartbeatAt: &recent},
		"pending": {Status: RunStatusPending, LastHeartbeatAt: &old},
		"nohb":    {Status: RunStatusRunning},
	} {
		r.ID, r.UserID, r.ComposeID, r.ComposeVersionID, r.CreatedAt = id, "u", "c", "v", now
		require.NoError(t, s.CreateRun(ctx, r))
	}

	runs, err := s.ListStaleRunningRuns(ctx, now.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "stale", runs[0].ID)
}

func TestGetRunForUser_HidesOtherOwners(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRun(ctx, &Run{ID: "r", UserID: "alice", ComposeID: "c", ComposeVersionID: "v", Status: RunStatusPending, CreatedAt: time.Now().UTC()}))

	_, err := s.GetRunForUser(ctx, "r", "bob")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	got, err := s.GetRunForUser(ctx, "r", "alice")
	require.NoError(t, err)
	assert.Equal(t, "r", got.ID)
}

func TestListRuns_Filters(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()
	sched := "s1"
	for i, st := range []RunStatus{RunStatusPending, RunStatusCompleted, RunStatusCompleted} {
		r := &Run{ID: string(rune('a' + i)), UserID: "u", ComposeID: "c", ComposeVersionID: "v", Status: st, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if i == 2 {
			r.ScheduleID = &sched
		}
		require.NoError(t, s.CreateRun(ctx, r))
	}

	all, err := s.ListRuns(ctx, RunFilter{UserID: "u"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID)

	done, err := s.ListRuns(ctx, RunFilter{UserID: "u", Status: RunStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, done, 2)

	bySchedule, err := s.ListRuns(ctx, RunFilter{UserID: "u", ScheduleID: "s1"})
	require.NoError(t, err)
	assert.Len(t, bySchedule, 1)
}

func TestStringMap_NilVersusEmpty(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{ID: "nil", RunID: "r1", ConversationID: "c", ComposeVersionID: "v"}))
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{ID: "empty", RunID: "r2", ConversationID: "c", ComposeVersionID: "v", VolumeVersions: StringMap{}}))

	nilCp, err := s.GetCheckpoint(ctx, "nil")
	require.NoError(t, err)
	assert.Nil(t, nilCp.VolumeVersions)

	emptyCp, err := s.GetCheckpoint(ctx, "empty")
	require.NoError(t, err)
	assert.NotNil(t, emptyCp.VolumeVersions)
	assert.Empty(t, emptyCp.VolumeVersions)

	err = s.CreateCheckpoint(ctx, &Checkpoint{ID: "dup", RunID: "r1", ConversationID: "c", ComposeVersionID: "v"})
	assert.True(t, IsDuplicateKey(err))
}

func TestSaveSchedule_UpsertsByComposeAndName(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	cron := "0 * * * *"
	next := time.Now().UTC().Add(time.Hour)

	first := &Schedule{UserID: "u", ComposeID: "c", Name: "nightly", CronExpression: &cron, Timezone: "UTC", Prompt: "a", Enabled: true, NextRunAt: &next}
	created, err := s.SaveSchedule(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)

	second := &Schedule{UserID: "u", ComposeID: "c", Name: "nightly", CronExpression: &cron, Timezone: "UTC", Prompt: "b", Enabled: false, NextRunAt: &next}
	created, err = s.SaveSchedule(ctx, second)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	got, err := s.GetSchedule(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Prompt)
	assert.False(t, got.Enabled)

	due, err := s.ListDueSchedules(ctx, next.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "disabled schedule is never due")
}

func TestVolumesAndVariables(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	v := &Volume{UserID: "u", Name: "data"}
	require.NoError(t, s.CreateVolume(ctx, v))
	err := s.CreateVolume(ctx, &Volume{UserID: "u", Name: "data"})
	assert.True(t, types.IsCode(err, types.ErrConflict))

	vv, err := s.AddVolumeVersion(ctx, v.ID, 10, 1)
	require.NoError(t, err)
	found, err := s.FindVolume(ctx, "u", "data")
	require.NoError(t, err)
	require.NotNil(t, found.HeadVersionID)
	assert.Equal(t, vv.ID, *found.HeadVersionID)

	ok, err := s.VolumeVersionExists(ctx, v.ID, vv.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.VolumeVersionExists(ctx, v.ID, "nope")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.FindVolume(ctx, "other", "data")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	require.NoError(t, s.SetVariable(ctx, "u", "region", "us"))
	require.NoError(t, s.SetVariable(ctx, "u", "region", "eu"))
	vars, err := s.ListVariables(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"region": "eu"}, vars)
}

func TestDefaultModelProvider(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	mp, err := s.GetDefaultModelProvider(ctx, "u")
	require.NoError(t, err)
	assert.Nil(t, mp)

	require.NoError(t, s.SaveModelProvider(ctx, &ModelProvider{UserID: "u", Type: "anthropic-api-key", IsDefault: true}))
	require.NoError(t, s.SaveModelProvider(ctx, &ModelProvider{UserID: "u", Type: "moonshot-api-key", IsDefault: true}))

	mp, err = s.GetDefaultModelProvider(ctx, "u")
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.Equal(t, "moonshot-api-key", mp.Type)
}

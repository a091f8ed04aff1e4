package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/executor"
	"github.com/BaSui01/agentrun/internal/auth"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/testutil"
	"github.com/BaSui01/agentrun/testutil/mocks"
	"github.com/BaSui01/agentrun/types"
)

type testEnv struct {
	st        *store.Store
	secrets   *secrets.DBStore
	provider  *mocks.MockSandboxProvider
	presigner *mocks.MockPresigner
	sink      *mocks.MockSink
	tokens    *auth.TokenIssuer
	d         *Dispatcher
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st := testutil.NewTestStore(t)
	key, err := secrets.GenerateKey()
	require.NoError(t, err)
	cipher, err := secrets.NewCipher(key)
	require.NoError(t, err)
	tokens, err := auth.NewTokenIssuer("0123456789abcdef0123456789abcdef", "agentrun-test")
	require.NoError(t, err)

	env := &testEnv{
		st:        st,
		secrets:   secrets.NewDBStore(st.DB(), cipher, nil),
		provider:  mocks.NewMockSandboxProvider(),
		presigner: mocks.NewMockPresigner(),
		sink:      mocks.NewMockSink(),
		tokens:    tokens,
	}
	svc := &services.Services{
		Store:    st,
		Secrets:  env.secrets,
		Sandbox:  env.provider,
		Manifest: storage.NewManifestBuilder(env.presigner, "bucket", time.Hour),
		Sink:     env.sink,
		Tokens:   tokens,
	}
	exec, err := executor.New(svc, executor.DefaultConfig())
	require.NoError(t, err)
	env.d = New(svc, resolver.New(st, env.secrets, nil), exec, cfg)
	return env
}

func (e *testEnv) withExecutor(exec Executor) {
	e.d.executor = exec
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(context.Context, *resolver.ExecutionContext) (*executor.Result, error) {
	return nil, f.err
}

func directRequest(versionID string) resolver.Request {
	return resolver.Request{
		UserID:           "u1",
		ComposeVersionID: versionID,
		Prompt:           "fix the bug",
		Vars:             map[string]string{"repo": "acme/app"},
	}
}

func TestCreateRun_Success(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	content := testutil.ComposeContent("agent")
	content.Environment["TOKEN"] = "${{ secrets.GH_TOKEN }}"
	_, v := testutil.SeedCompose(t, env.st, "u1", content)

	req := directRequest(v.ID)
	req.Secrets = map[string]string{"GH_TOKEN": "ghp_secret"}
	res, err := env.d.CreateRun(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, res.Status)
	assert.NotEmpty(t, res.SandboxID)

	run, err := env.d.GetRun(ctx, "u1", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, run.Status)
	assert.Equal(t, store.StringList{"GH_TOKEN"}, run.SecretNames)
	assert.Equal(t, "acme/app", run.Vars["repo"])
	assert.NotContains(t, testutil.MustJSON(run), "ghp_secret")

	// sandbox token is scoped to the run
	token := env.provider.Created()[0].Env["AGENTRUN_API_TOKEN"]
	claims, err := env.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, claims.RunID)

	_, err = env.d.GetRun(ctx, "u2", res.RunID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCreateRun_Validation(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)

	_, err := env.d.CreateRun(ctx, resolver.Request{UserID: "u1", CheckpointID: "nope", SessionID: "nope", Prompt: "x"})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))

	_, err = env.d.CreateRun(ctx, resolver.Request{UserID: "u1", ComposeVersionID: "v", Prompt: "  "})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
}

func TestCreateRun_ConcurrencyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConcurrencyLimit = 2
	env := newTestEnv(t, cfg)
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))

	// 过期的 pending 不计入
	testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusPending, CreatedAt: time.Now().UTC().Add(-time.Hour)})
	testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusCompleted})

	_, err := env.d.CreateRun(ctx, directRequest(v.ID))
	require.NoError(t, err)
	_, err = env.d.CreateRun(ctx, directRequest(v.ID))
	require.NoError(t, err)

	_, err = env.d.CreateRun(ctx, directRequest(v.ID))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrConcurrentRunLimit))
	assert.True(t, types.IsRetryable(err))

	// 其他用户不受影响
	_, v2 := testutil.SeedCompose(t, env.st, "u2", testutil.ComposeContent("agent"))
	req := directRequest(v2.ID)
	req.UserID = "u2"
	_, err = env.d.CreateRun(ctx, req)
	assert.NoError(t, err)
}

func TestCreateRun_UnlimitedWhenZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConcurrencyLimit = 0
	env := newTestEnv(t, cfg)
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))
	for i := 0; i < 8; i++ {
		testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusRunning})
	}
	_, err := env.d.CreateRun(ctx, directRequest(v.ID))
	assert.NoError(t, err)
}

func TestCreateRun_Permission(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	c, v := testutil.SeedCompose(t, env.st, "owner", testutil.ComposeContent("agent"))

	req := directRequest(v.ID)
	_, err := env.d.CreateRun(ctx, req)
	assert.True(t, types.IsCode(err, types.ErrForbidden))

	require.NoError(t, env.st.GrantComposePermission(ctx, c.ID, "u1"))
	_, err = env.d.CreateRun(ctx, req)
	assert.NoError(t, err)
}

func TestCreateRun_ExecutorFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))
	env.withExecutor(failingExecutor{err: errors.New("provider unavailable")})

	_, err := env.d.CreateRun(ctx, directRequest(v.ID))
	require.EqualError(t, err, "provider unavailable")

	runs, err := env.d.ListRuns(ctx, "u1", store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "provider unavailable", runs[0].Error)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestCreateRun_ResolveFailureMarksRunFailed(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))

	req := directRequest(v.ID)
	req.Vars = nil
	_, err := env.d.CreateRun(ctx, req)
	require.True(t, types.IsCode(err, types.ErrBadRequest))

	runs, err := env.d.ListRuns(ctx, "u1", store.RunFilter{Status: store.RunStatusFailed})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	assert.Empty(t, env.provider.Created())
}

func volumeCompose() *compose.Content {
	c := testutil.ComposeContent("vol-agent")
	c.Volumes = []compose.VolumeMount{
		{Name: "data", MountPath: "/data"},
		{Name: "cache", MountPath: "/cache", Optional: true},
	}
	return c
}

func TestCreateRun_RequiredVolumeMissing(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", volumeCompose())

	_, err := env.d.CreateRun(ctx, directRequest(v.ID))
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	runs, _ := env.d.ListRuns(ctx, "u1", store.RunFilter{})
	assert.Empty(t, runs)

	_, dataHead := testutil.SeedVolume(t, env.st, "u1", "data")
	res, err := env.d.CreateRun(ctx, directRequest(v.ID))
	require.NoError(t, err)
	run, _ := env.d.GetRun(ctx, "u1", res.RunID)
	assert.Equal(t, store.StringMap{"data": dataHead}, run.VolumeVersions)

	req := directRequest(v.ID)
	req.VolumeVersions = map[string]string{"data": "does-not-exist"}
	_, err = env.d.CreateRun(ctx, req)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestCreateRun_CheckpointKeepsSkippedVolumeSkipped(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	c, v := testutil.SeedCompose(t, env.st, "u1", volumeCompose())
	_, dataHead := testutil.SeedVolume(t, env.st, "u1", "data")

	prev := testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", ComposeID: c.ID, ComposeVersionID: v.ID, Status: store.RunStatusCompleted})
	conv := &store.Conversation{ID: store.NewID(), RunID: prev.ID, CliAgentType: "claude-code", SessionID: "s1"}
	require.NoError(t, env.st.CreateConversation(ctx, conv))
	cp := &store.Checkpoint{
		ID: store.NewID(), RunID: prev.ID, ConversationID: conv.ID, ComposeVersionID: v.ID,
		Vars:           store.StringMap{"repo": "acme/app"},
		VolumeVersions: store.StringMap{"data": dataHead},
	}
	require.NoError(t, env.st.CreateCheckpoint(ctx, cp))

	// cache 在 checkpoint 之后才创建
	testutil.SeedVolume(t, env.st, "u1", "cache")

	res, err := env.d.CreateRun(ctx, resolver.Request{UserID: "u1", CheckpointID: cp.ID, Prompt: "continue"})
	require.NoError(t, err)
	run, _ := env.d.GetRun(ctx, "u1", res.RunID)
	assert.Equal(t, store.StringMap{"data": dataHead}, run.VolumeVersions)
	require.NotNil(t, run.ResumedFromCheckpointID)
	assert.Equal(t, cp.ID, *run.ResumedFromCheckpointID)
}

func TestCreateRun_SessionRechecksVolumes(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	c, _ := testutil.SeedCompose(t, env.st, "u1", volumeCompose())
	_, dataHead := testutil.SeedVolume(t, env.st, "u1", "data")

	sess := &store.AgentSession{ID: store.NewID(), UserID: "u1", ComposeID: c.ID,
		Vars: store.StringMap{"repo": "acme/app"}, VolumeVersions: store.StringMap{"data": "gone"}}
	require.NoError(t, env.st.SaveAgentSession(ctx, sess))
	_, cacheHead := testutil.SeedVolume(t, env.st, "u1", "cache")

	res, err := env.d.CreateRun(ctx, resolver.Request{UserID: "u1", SessionID: sess.ID, Prompt: "more"})
	require.NoError(t, err)
	run, _ := env.d.GetRun(ctx, "u1", res.RunID)
	assert.Equal(t, store.StringMap{"data": dataHead, "cache": cacheHead}, run.VolumeVersions)
}

func TestCreateRun_SessionResumesArtifactVersion(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	c, _ := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))

	sess := &store.AgentSession{ID: store.NewID(), UserID: "u1", ComposeID: c.ID,
		Vars: store.StringMap{"repo": "acme/app"}, ArtifactName: "repo", ArtifactVersion: "v7"}
	require.NoError(t, env.st.SaveAgentSession(ctx, sess))

	res, err := env.d.CreateRun(ctx, resolver.Request{UserID: "u1", SessionID: sess.ID, Prompt: "more"})
	require.NoError(t, err)
	require.Equal(t, []string{storage.ArtifactKey("repo", "v7")}, env.presigner.Keys())
	assert.Equal(t, "artifacts/repo/v7.tar.gz", env.presigner.Keys()[0])
	assert.Equal(t, "v7", env.provider.Created()[0].Env["AGENTRUN_ARTIFACT_VERSION"])

	run, err := env.d.GetRun(ctx, "u1", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "v7", run.ArtifactVersion)
}

func TestCreateRun_ArtifactWithoutVersionRejected(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	c, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))

	// 旧会话只记录了名称
	sess := &store.AgentSession{ID: store.NewID(), UserID: "u1", ComposeID: c.ID,
		Vars: store.StringMap{"repo": "acme/app"}, ArtifactName: "repo"}
	require.NoError(t, env.st.SaveAgentSession(ctx, sess))
	_, err := env.d.CreateRun(ctx, resolver.Request{UserID: "u1", SessionID: sess.ID, Prompt: "more"})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))

	req := directRequest(v.ID)
	req.ArtifactName = "repo"
	_, err = env.d.CreateRun(ctx, req)
	assert.True(t, types.IsCode(err, types.ErrBadRequest))

	assert.Empty(t, env.presigner.Keys())
	assert.Empty(t, env.provider.Created())
}

func TestDispatchScheduled_BypassesLimitAndCallsOnCreated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConcurrencyLimit = 1
	env := newTestEnv(t, cfg)
	ctx := testutil.TestContext(t)
	_, v := testutil.SeedCompose(t, env.st, "u1", testutil.ComposeContent("agent"))
	testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusRunning})

	var created string
	res, err := env.d.DispatchScheduled(ctx, ScheduledRun{
		Request:    directRequest(v.ID),
		ScheduleID: "sched-1",
		OnCreated: func(_ context.Context, runID string) error {
			created = runID
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, res.RunID, created)
	run, _ := env.d.GetRun(ctx, "u1", res.RunID)
	require.NotNil(t, run.ScheduleID)
	assert.Equal(t, "sched-1", *run.ScheduleID)
}

func TestCancelRun(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	ctx := testutil.TestContext(t)
	pending := testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusPending})
	running := testutil.SeedRun(t, env.st, &store.Run{UserID: "u1", Status: store.RunStatusRunning})

	_, err := env.d.CancelRun(ctx, "u2", pending.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	run, err := env.d.CancelRun(ctx, "u1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCancelled, run.Status)

	_, err = env.d.CancelRun(ctx, "u1", pending.ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
	_, err = env.d.CancelRun(ctx, "u1", running.ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))

	_, err = env.d.ListRuns(ctx, "u1", store.RunFilter{Status: "bogus"})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
}

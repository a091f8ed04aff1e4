package executor

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/testutil"
	"github.com/BaSui01/agentrun/testutil/mocks"
)

type harness struct {
	st        *store.Store
	provider  *mocks.MockSandboxProvider
	sink      *mocks.MockSink
	presigner *mocks.MockPresigner
	exec      *Executor
	clock     *testutil.Clock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		st:        testutil.NewTestStore(t),
		provider:  mocks.NewMockSandboxProvider(),
		sink:      mocks.NewMockSink(),
		presigner: mocks.NewMockPresigner(),
		clock:     testutil.NewClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	ex, err := New(&services.Services{
		Store:    h.st,
		Sandbox:  h.provider,
		Manifest: storage.NewManifestBuilder(h.presigner, "bucket", time.Hour),
		Sink:     h.sink,
		Now:      h.clock.Now,
	}, cfg)
	require.NoError(t, err)
	h.exec = ex
	return h
}

func (h *harness) pendingRun(t *testing.T) (*store.Run, *resolver.ExecutionContext) {
	t.Helper()
	run := testutil.SeedRun(t, h.st, &store.Run{UserID: "u1", Status: store.RunStatusPending})
	ec := &resolver.ExecutionContext{
		RunID:        run.ID,
		UserID:       "u1",
		Content:      testutil.ComposeContent("agent"),
		Prompt:       "do it",
		Environment:  map[string]string{"REPO": "r", "AGENTRUN_RUN_ID": "spoofed"},
		MaskSecrets:  map[string]string{"B": "bee", "A": "ay"},
		SandboxToken: "tok",
	}
	return run, ec
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	run, ec := h.pendingRun(t)
	ec.ResumeSession = &resolver.ResumeSession{
		SessionID:   "s1",
		History:     "line\n",
		WorkingDir:  "/home/user/workspace",
		HistoryPath: "/home/user/.claude/projects/-home-user-workspace/s1.jsonl",
	}
	ec.ResumeArtifact = &resolver.ResumeArtifact{Name: "repo", Version: "a1"}
	ec.Volumes = []storage.VolumeMount{{Name: "data", MountPath: "/data", VersionID: "v1"}}

	res, err := h.exec.Execute(testutil.TestContext(t), ec)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, res.Status)
	assert.Equal(t, "sbx-1", res.SandboxID)

	got, err := h.st.GetRun(testutil.TestContext(t), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, got.Status)
	require.NotNil(t, got.SandboxID)
	assert.Equal(t, "sbx-1", *got.SandboxID)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.LastHeartbeatAt)

	created := h.provider.Created()
	require.Len(t, created, 1)
	env := created[0].Env
	assert.Equal(t, run.ID, env["AGENTRUN_RUN_ID"])
	assert.Equal(t, "r", env["REPO"])
	assert.Equal(t, "http://localhost:8080", env["AGENTRUN_API_URL"])
	assert.Equal(t, "s1", env["AGENTRUN_RESUME_SESSION_ID"])
	assert.Equal(t, "a1", env["AGENTRUN_ARTIFACT_VERSION"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("ay"))+","+base64.StdEncoding.EncodeToString([]byte("bee")), env["AGENTRUN_SECRET_VALUES"])
	assert.Equal(t, 30*time.Minute, created[0].Timeout)
	assert.Equal(t, "agentrun/claude-code:latest", created[0].Image)

	sbx := h.provider.Sandbox("sbx-1")
	history, ok := sbx.File(ec.ResumeSession.HistoryPath)
	require.True(t, ok)
	assert.Equal(t, "line\n", string(history))
	manifest, ok := sbx.File(storage.ManifestPath)
	require.True(t, ok)
	assert.Contains(t, string(manifest), "volumes/data/v1.tar.gz")
	assert.Contains(t, string(manifest), "artifacts/repo/a1.tar.gz")

	cmd, logPath := sbx.Started()
	assert.Equal(t, "sh /opt/agentrun/run-agent.sh", cmd)
	assert.Equal(t, "/tmp/agentrun-run-"+run.ID+".log", logPath)

	// 沙箱 ID 落库发生在启动之前：持久化步骤先于 start 动作记录
	actions := h.sink.Actions()
	assert.Equal(t, []string{
		StepMarkRunning, StepBuildEnv, StepCreateSandbox, StepPersistSandbox, StepUploadRunner,
		StepDownload, StepRestoreSession, StepStartAgent,
	}, actions)
	assert.Equal(t, "start", h.provider.Actions()[len(h.provider.Actions())-1])
}

func TestExecute_DownloadFailureUsesStderr(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.WithCommandResult("download.sh", &sandbox.CommandResult{ExitCode: 2, Stderr: "403 Forbidden\n"})
	run, ec := h.pendingRun(t)
	ec.Volumes = []storage.VolumeMount{{Name: "data", MountPath: "/data", VersionID: "v1"}}

	_, err := h.exec.Execute(testutil.TestContext(t), ec)
	require.Error(t, err)
	assert.Equal(t, "[download-storage] 403 Forbidden", err.Error())
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepDownload, stepErr.Step)

	got, err := h.st.GetRun(testutil.TestContext(t), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	assert.Equal(t, "[download-storage] 403 Forbidden", got.Error)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, h.provider.Sandbox("sbx-1").Killed())
}

func TestExecute_CreateFailure(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.WithCreateError(errors.New("quota exceeded"))
	run, ec := h.pendingRun(t)

	_, err := h.exec.Execute(testutil.TestContext(t), ec)
	require.EqualError(t, err, "[create-sandbox] quota exceeded")

	got, _ := h.st.GetRun(testutil.TestContext(t), run.ID)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	assert.Nil(t, got.SandboxID)
	assert.NotContains(t, h.provider.Actions(), "kill")
}

func TestExecute_StartFailureKillsSandbox(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.provider.WithStartError(errors.New("exec failed"))
	_, ec := h.pendingRun(t)

	_, err := h.exec.Execute(testutil.TestContext(t), ec)
	require.EqualError(t, err, "[start-agent] exec failed")
	assert.True(t, h.provider.Sandbox("sbx-1").Killed())

	var failedOps []string
	for _, op := range h.sink.Operations() {
		if !op.Success {
			failedOps = append(failedOps, op.Action)
		}
	}
	assert.Equal(t, []string{StepStartAgent}, failedOps)
}

func TestExecute_NotPending(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	run, ec := h.pendingRun(t)
	_, err := h.st.UpdateRun(testutil.TestContext(t), run.ID, nil, map[string]any{"status": store.RunStatusCancelled})
	require.NoError(t, err)

	_, err = h.exec.Execute(testutil.TestContext(t), ec)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "[mark-running]"))
	assert.Empty(t, h.provider.Created())

	got, _ := h.st.GetRun(testutil.TestContext(t), run.ID)
	assert.Equal(t, store.RunStatusCancelled, got.Status)
}

// leavingProvider 在沙箱创建期间把 run 推到终态
type leavingProvider struct {
	*mocks.MockSandboxProvider
	onCreate func()
}

func (p leavingProvider) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	h, err := p.MockSandboxProvider.Create(ctx, opts)
	p.onCreate()
	return h, err
}

func TestExecute_RunLeftRunningBeforeSandboxPersisted(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	run, ec := h.pendingRun(t)
	ctx := testutil.TestContext(t)

	provider := leavingProvider{MockSandboxProvider: h.provider, onCreate: func() {
		_, err := h.st.UpdateRun(ctx, run.ID, nil, map[string]any{"status": store.RunStatusTimeout})
		require.NoError(t, err)
	}}
	ex, err := New(&services.Services{
		Store:   h.st,
		Sandbox: provider,
		Sink:    h.sink,
		Now:     h.clock.Now,
	}, DefaultConfig())
	require.NoError(t, err)

	_, err = ex.Execute(ctx, ec)
	require.Error(t, err)
	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepPersistSandbox, stepErr.Step)

	sbx := h.provider.Sandbox("sbx-1")
	assert.True(t, sbx.Killed())
	started, _ := sbx.Started()
	assert.Empty(t, started)

	got, err := h.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusTimeout, got.Status)
	assert.Nil(t, got.SandboxID)
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIURLs = map[string]string{"production": "https://api.agentrun.dev/", "preview": "https://preview.agentrun.dev"}
	assert.Equal(t, "http://localhost:8080", cfg.ResolveAPIURL())

	cfg.Environment = "preview"
	assert.Equal(t, "https://preview.agentrun.dev", cfg.ResolveAPIURL())
	assert.Equal(t, 30*time.Minute, cfg.SandboxTimeout())

	cfg.Environment = EnvironmentProduction
	assert.Equal(t, "https://api.agentrun.dev", cfg.ResolveAPIURL())
	assert.Equal(t, 2*time.Hour, cfg.SandboxTimeout())

	cfg.APIURL = "https://override.example"
	assert.Equal(t, "https://override.example", cfg.ResolveAPIURL())
}

func TestRunnerBundle(t *testing.T) {
	data, err := RunnerBundle()
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(data))
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		assert.Equal(t, int64(0o755), hdr.Mode)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "#!/bin/sh"))
	}
	assert.Equal(t, []string{"common.sh", "download.sh", "heartbeat.sh", "run-agent.sh"}, names)
}

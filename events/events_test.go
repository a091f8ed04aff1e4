package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/testutil"
	"github.com/BaSui01/agentrun/testutil/mocks"
	"github.com/BaSui01/agentrun/types"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, *store.Store, *mocks.MockSink) {
	t.Helper()
	st := testutil.NewTestStore(t)
	sink := mocks.NewMockSink()
	clock := testutil.NewClock(base)
	return New(&services.Services{Store: st, Sink: sink, Now: clock.Now}), st, sink
}

func seedRunning(t *testing.T, st *store.Store) *store.Run {
	return testutil.SeedRun(t, st, &store.Run{
		UserID:          "u1",
		Status:          store.RunStatusRunning,
		Vars:            store.StringMap{"repo": "acme/app"},
		SecretNames:     store.StringList{"GH_TOKEN"},
		VolumeVersions:  store.StringMap{"data": "vv1"},
		ArtifactName:    "workspace",
		ArtifactVersion: "a1",
	})
}

func TestHeartbeat(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)
	run := seedRunning(t, st)

	require.NoError(t, svc.Heartbeat(ctx, run.ID))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeatAt)
	assert.True(t, got.LastHeartbeatAt.Equal(base))
}

func TestHeartbeat_Rejected(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)

	err := svc.Heartbeat(ctx, "missing")
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	done := testutil.SeedRun(t, st, &store.Run{UserID: "u1", Status: store.RunStatusCompleted})
	err = svc.Heartbeat(ctx, done.ID)
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
}

func TestIngestEvents(t *testing.T) {
	svc, st, sink := newService(t)
	ctx := testutil.TestContext(t)
	run := seedRunning(t, st)

	res, err := svc.IngestEvents(ctx, run.ID, []Event{
		{Sequence: 7, Data: json.RawMessage(`{"type":"text"}`)},
		{Sequence: 3, Data: json.RawMessage(`{"type":"tool"}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, &IngestResult{Received: 2, FirstSequence: 7, LastSequence: 3}, res)

	ingests := sink.Ingests()
	require.Len(t, ingests, 1)
	assert.Equal(t, DatasetRunEvents, ingests[0].Dataset)
	require.Len(t, ingests[0].Records, 2)
	assert.Equal(t, int64(7), ingests[0].Records[0]["sequence"])
	assert.Equal(t, "u1", ingests[0].Records[0]["user_id"])
	assert.Equal(t, `{"type":"tool"}`, ingests[0].Records[1]["data"])
}

func TestIngestEvents_Invalid(t *testing.T) {
	svc, st, sink := newService(t)
	ctx := testutil.TestContext(t)
	run := seedRunning(t, st)

	_, err := svc.IngestEvents(ctx, run.ID, nil)
	assert.True(t, types.IsCode(err, types.ErrBadRequest))

	_, err = svc.IngestEvents(ctx, "missing", []Event{{Sequence: 1}})
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.Empty(t, sink.Ingests())
}

func TestCreateCheckpoint_NewSession(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)
	run := seedRunning(t, st)

	res, err := svc.CreateCheckpoint(ctx, CheckpointRequest{
		RunID:          run.ID,
		CliAgentType:   "claude",
		SessionID:      "cli-sess-1",
		SessionHistory: `{"turn":1}`,
	})
	require.NoError(t, err)

	cp, err := st.GetCheckpoint(ctx, res.Checkpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ComposeVersionID, cp.ComposeVersionID)
	assert.Equal(t, store.StringMap{"repo": "acme/app"}, cp.Vars)
	assert.Equal(t, store.StringList{"GH_TOKEN"}, cp.SecretNames)
	assert.Equal(t, store.StringMap{"data": "vv1"}, cp.VolumeVersions)
	assert.Equal(t, "a1", cp.ArtifactVersion)

	conv, err := st.GetConversation(ctx, cp.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "cli-sess-1", conv.SessionID)
	assert.Equal(t, `{"turn":1}`, conv.SessionHistory)

	sess, err := st.GetAgentSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, run.ComposeID, sess.ComposeID)
	require.NotNil(t, sess.ConversationID)
	assert.Equal(t, conv.ID, *sess.ConversationID)
	assert.Equal(t, "workspace", sess.ArtifactName)
	assert.Equal(t, "a1", sess.ArtifactVersion)
}

func TestCreateCheckpoint_ContinuedSessionUpdated(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)

	prev := &store.AgentSession{ID: store.NewID(), UserID: "u1", ComposeID: "c", CreatedAt: base.Add(-time.Hour)}
	require.NoError(t, st.SaveAgentSession(ctx, prev))
	run := testutil.SeedRun(t, st, &store.Run{
		UserID:                 "u1",
		Status:                 store.RunStatusRunning,
		ContinuedFromSessionID: testutil.StrPtr(prev.ID),
	})

	res, err := svc.CreateCheckpoint(ctx, CheckpointRequest{
		RunID:           run.ID,
		CliAgentType:    "codex",
		SessionID:       "cli-sess-2",
		ArtifactName:    "out",
		ArtifactVersion: "a9",
	})
	require.NoError(t, err)
	assert.Equal(t, prev.ID, res.SessionID)
	assert.Equal(t, "out", res.Checkpoint.ArtifactName)

	sess, err := st.GetAgentSession(ctx, prev.ID)
	require.NoError(t, err)
	require.NotNil(t, sess.ConversationID)
	assert.Equal(t, res.Checkpoint.ConversationID, *sess.ConversationID)
	assert.Equal(t, "out", sess.ArtifactName)
	assert.Equal(t, "a9", sess.ArtifactVersion)
}

func TestCreateCheckpoint_Duplicate(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)
	run := seedRunning(t, st)
	req := CheckpointRequest{RunID: run.ID, CliAgentType: "claude", SessionID: "s"}

	_, err := svc.CreateCheckpoint(ctx, req)
	require.NoError(t, err)
	_, err = svc.CreateCheckpoint(ctx, req)
	assert.True(t, types.IsCode(err, types.ErrConflict))
}

func TestCreateCheckpoint_Validation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)

	_, err := svc.CreateCheckpoint(ctx, CheckpointRequest{RunID: "r"})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
	_, err = svc.CreateCheckpoint(ctx, CheckpointRequest{RunID: "missing", CliAgentType: "claude", SessionID: "s"})
	assert.True(t, types.IsCode(err, types.ErrNotFound))

	// 没有版本的 artifact 无法在恢复时下载
	run := seedRunning(t, st)
	_, err = svc.CreateCheckpoint(ctx, CheckpointRequest{RunID: run.ID, CliAgentType: "claude", SessionID: "s", ArtifactName: "out"})
	assert.True(t, types.IsCode(err, types.ErrBadRequest))
	exists, err := st.CheckpointExistsForRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCompleteRun(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		errMsg   string
		status   store.RunStatus
		wantErr  string
	}{
		{name: "success", exitCode: 0, status: store.RunStatusCompleted},
		{name: "failure with message", exitCode: 1, errMsg: "boom", status: store.RunStatusFailed, wantErr: "boom"},
		{name: "failure default message", exitCode: 137, status: store.RunStatusFailed, wantErr: "agent exited with code 137"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, st, _ := newService(t)
			ctx := testutil.TestContext(t)
			run := seedRunning(t, st)

			got, err := svc.CompleteRun(ctx, run.ID, tt.exitCode, tt.errMsg)
			require.NoError(t, err)
			assert.Equal(t, tt.status, got.Status)
			assert.Equal(t, tt.wantErr, got.Error)
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestCompleteRun_TerminalIsNoop(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)
	run := testutil.SeedRun(t, st, &store.Run{UserID: "u1", Status: store.RunStatusTimeout, Error: "heartbeat expired"})

	got, err := svc.CompleteRun(ctx, run.ID, 0, "")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusTimeout, got.Status)
	assert.Equal(t, "heartbeat expired", got.Error)
}

func TestCompleteRun_Pending(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := testutil.TestContext(t)
	run := testutil.SeedRun(t, st, &store.Run{UserID: "u1", Status: store.RunStatusPending})

	_, err := svc.CompleteRun(ctx, run.ID, 0, "")
	assert.True(t, types.IsCode(err, types.ErrInvalidState))
}

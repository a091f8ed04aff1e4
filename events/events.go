// Package events 处理沙箱回调：心跳、事件批量写入、checkpoint 与完成上报。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/services"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// DatasetRunEvents agent 事件数据集名。
const DatasetRunEvents = "agent-run-events"

// Event 沙箱上报的单条事件，序号由沙箱分配。
type Event struct {
	Sequence int64           `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// IngestResult 事件写入结果。
type IngestResult struct {
	Received      int   `json:"received"`
	FirstSequence int64 `json:"first_sequence"`
	LastSequence  int64 `json:"last_sequence"`
}

// Service 沙箱回调服务。
type Service struct {
	store   *store.Store
	sink    telemetry.Sink
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// New 创建回调服务。
func New(svc *services.Services) *Service {
	svc.Normalize()
	return &Service{
		store:   svc.Store,
		sink:    svc.Sink,
		metrics: svc.Metrics,
		logger:  svc.Logger.With(zap.String("component", "events")),
		now:     svc.Now,
	}
}

// Heartbeat 刷新 running run 的心跳时间。
func (s *Service) Heartbeat(ctx context.Context, runID string) error {
	ok, err := s.store.UpdateRun(ctx, runID, []store.RunStatus{store.RunStatusRunning}, map[string]any{
		"last_heartbeat_at": s.now(),
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	return types.InvalidState("run %s is %s", runID, run.Status)
}

// IngestEvents 按原样转发一批事件，不重新编号也不检查连续性。
func (s *Service) IngestEvents(ctx context.Context, runID string, events []Event) (*IngestResult, error) {
	if len(events) == 0 {
		return nil, types.BadRequest("events batch is empty")
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	records := make([]map[string]any, len(events))
	for i, ev := range events {
		records[i] = map[string]any{
			"run_id":   run.ID,
			"user_id":  run.UserID,
			"sequence": ev.Sequence,
			"data":     string(ev.Data),
		}
	}
	s.sink.Ingest(ctx, DatasetRunEvents, records)

	return &IngestResult{
		Received:      len(events),
		FirstSequence: events[0].Sequence,
		LastSequence:  events[len(events)-1].Sequence,
	}, nil
}

// CheckpointRequest 沙箱在 run 结束时上报的 checkpoint。
type CheckpointRequest struct {
	RunID           string `json:"run_id"`
	CliAgentType    string `json:"cli_agent_type"`
	SessionID       string `json:"session_id"`
	SessionHistory  string `json:"-"`
	ArtifactName    string `json:"artifact_name,omitempty"`
	ArtifactVersion string `json:"artifact_version,omitempty"`
}

// CheckpointResult checkpoint 与其所属会话。
type CheckpointResult struct {
	Checkpoint *store.Checkpoint `json:"checkpoint"`
	SessionID  string            `json:"session_id"`
}

// CreateCheckpoint 在一个事务中创建 Conversation 与 Checkpoint，并更新或创建
// run 所属的会话。同一 run 重复创建返回 CONFLICT。
func (s *Service) CreateCheckpoint(ctx context.Context, req CheckpointRequest) (*CheckpointResult, error) {
	if req.SessionID == "" || req.CliAgentType == "" {
		return nil, types.BadRequest("session_id and cli_agent_type are required")
	}
	run, err := s.store.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, err
	}
	artifactName, artifactVersion := run.ArtifactName, run.ArtifactVersion
	if req.ArtifactName != "" {
		if req.ArtifactVersion == "" {
			return nil, types.BadRequest("artifact %s requires a version", req.ArtifactName)
		}
		artifactName, artifactVersion = req.ArtifactName, req.ArtifactVersion
	}

	now := s.now()
	result := &CheckpointResult{}
	err = s.store.Transaction(ctx, func(tx *store.Store) error {
		exists, err := tx.CheckpointExistsForRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if exists {
			return types.Conflict("checkpoint already exists for run %s", run.ID)
		}

		conv := &store.Conversation{
			ID:             store.NewID(),
			RunID:          run.ID,
			CliAgentType:   req.CliAgentType,
			SessionID:      req.SessionID,
			SessionHistory: req.SessionHistory,
			CreatedAt:      now,
		}
		if err := tx.CreateConversation(ctx, conv); err != nil {
			return fmt.Errorf("create conversation: %w", err)
		}
		cp := &store.Checkpoint{
			ID:               store.NewID(),
			RunID:            run.ID,
			ConversationID:   conv.ID,
			ComposeVersionID: run.ComposeVersionID,
			Vars:             run.Vars,
			SecretNames:      run.SecretNames,
			ArtifactName:     artifactName,
			ArtifactVersion:  artifactVersion,
			VolumeVersions:   run.VolumeVersions,
			CreatedAt:        now,
		}
		if err := tx.CreateCheckpoint(ctx, cp); err != nil {
			if store.IsDuplicateKey(err) {
				return types.Conflict("checkpoint already exists for run %s", run.ID)
			}
			return fmt.Errorf("create checkpoint: %w", err)
		}

		sess, err := s.upsertSession(ctx, tx, run, conv.ID, artifactName, artifactVersion)
		if err != nil {
			return err
		}
		result.Checkpoint = cp
		result.SessionID = sess.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("checkpoint created",
		zap.String("run_id", run.ID),
		zap.String("checkpoint_id", result.Checkpoint.ID),
		zap.String("session_id", result.SessionID),
	)
	return result, nil
}

// upsertSession 继续会话的 run 更新原会话，否则新建会话。
func (s *Service) upsertSession(ctx context.Context, tx *store.Store, run *store.Run, conversationID, artifactName, artifactVersion string) (*store.AgentSession, error) {
	var sess *store.AgentSession
	if run.ContinuedFromSessionID != nil {
		existing, err := tx.GetAgentSession(ctx, *run.ContinuedFromSessionID)
		if err != nil && !types.IsCode(err, types.ErrNotFound) {
			return nil, err
		}
		sess = existing
	}
	if sess == nil {
		sess = &store.AgentSession{
			ID:        store.NewID(),
			UserID:    run.UserID,
			ComposeID: run.ComposeID,
			CreatedAt: s.now(),
		}
	}
	sess.ConversationID = &conversationID
	sess.Vars = run.Vars
	sess.SecretNames = run.SecretNames
	sess.ArtifactName = artifactName
	sess.ArtifactVersion = artifactVersion
	sess.VolumeVersions = run.VolumeVersions
	if err := tx.SaveAgentSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return sess, nil
}

// CompleteRun 沙箱上报 agent 退出。退出码 0 为 completed，其余为 failed。
// 已处于终态的 run 保持不变。
func (s *Service) CompleteRun(ctx context.Context, runID string, exitCode int, errMsg string) (*store.Run, error) {
	status := store.RunStatusCompleted
	updates := map[string]any{"completed_at": s.now()}
	if exitCode != 0 {
		status = store.RunStatusFailed
		if errMsg == "" {
			errMsg = fmt.Sprintf("agent exited with code %d", exitCode)
		}
		updates["error"] = errMsg
	}
	updates["status"] = status

	ok, err := s.store.UpdateRun(ctx, runID, []store.RunStatus{store.RunStatusRunning}, updates)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		if s.metrics != nil {
			s.metrics.RecordRunTransition(string(status))
		}
		s.logger.Info("run completed", zap.String("run_id", runID), zap.String("status", string(status)), zap.Int("exit_code", exitCode))
		return run, nil
	}
	if run.Status.IsTerminal() {
		return run, nil
	}
	return nil, types.InvalidState("run %s is %s", runID, run.Status)
}

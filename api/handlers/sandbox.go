package handlers

import (
	"context"
	"encoding/base64"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/events"
	"github.com/BaSui01/agentrun/internal/ctxkeys"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// =============================================================================
// 📡 Sandbox 回调 Handler
// =============================================================================

// CallbackService 沙箱回调，由 events.Service 实现。
type CallbackService interface {
	Heartbeat(ctx context.Context, runID string) error
	IngestEvents(ctx context.Context, runID string, evs []events.Event) (*events.IngestResult, error)
	CreateCheckpoint(ctx context.Context, req events.CheckpointRequest) (*events.CheckpointResult, error)
	CompleteRun(ctx context.Context, runID string, exitCode int, errMsg string) (*store.Run, error)
}

// SandboxHandler 处理沙箱内 runner 的回调。调用方身份来自沙箱 token，
// 请求体中的 run_id 必须与 token 一致。
type SandboxHandler struct {
	callbacks CallbackService
	logger    *zap.Logger
}

// NewSandboxHandler 创建 SandboxHandler
func NewSandboxHandler(callbacks CallbackService, logger *zap.Logger) *SandboxHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SandboxHandler{callbacks: callbacks, logger: logger.With(zap.String("handler", "sandbox"))}
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	RunID string `json:"run_id"`
}

// EventsRequest 事件批次
type EventsRequest struct {
	RunID  string         `json:"run_id"`
	Events []events.Event `json:"events"`
}

// CheckpointRequest checkpoint 请求，会话历史以 base64 传输。
type CheckpointRequest struct {
	RunID             string `json:"run_id"`
	CliAgentType      string `json:"cli_agent_type"`
	SessionID         string `json:"session_id"`
	SessionHistoryB64 string `json:"session_history_b64,omitempty"`
	ArtifactName      string `json:"artifact_name,omitempty"`
	ArtifactVersion   string `json:"artifact_version,omitempty"`
}

// CompleteRequest 完成上报
type CompleteRequest struct {
	RunID    string `json:"run_id"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// Register 注册路由
func (h *SandboxHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sandbox/heartbeat", h.HandleHeartbeat)
	mux.HandleFunc("POST /api/v1/sandbox/events", h.HandleEvents)
	mux.HandleFunc("POST /api/v1/sandbox/checkpoints", h.HandleCheckpoint)
	mux.HandleFunc("POST /api/v1/sandbox/complete", h.HandleComplete)
}

// HandleHeartbeat 刷新 last_heartbeat_at
func (h *SandboxHandler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	runID, err := authorizedRun(r, req.RunID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.callbacks.Heartbeat(r.Context(), runID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, map[string]bool{"ok": true})
}

// HandleEvents 写入事件批次
func (h *SandboxHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var req EventsRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	runID, err := authorizedRun(r, req.RunID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	result, err := h.callbacks.IngestEvents(r.Context(), runID, req.Events)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, result)
}

// HandleCheckpoint 创建 checkpoint，返回 201。
func (h *SandboxHandler) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	runID, err := authorizedRun(r, req.RunID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	history, err := base64.StdEncoding.DecodeString(req.SessionHistoryB64)
	if err != nil {
		WriteError(w, r, types.BadRequest("session_history_b64 is not valid base64"), h.logger)
		return
	}

	result, err := h.callbacks.CreateCheckpoint(r.Context(), events.CheckpointRequest{
		RunID:           runID,
		CliAgentType:    req.CliAgentType,
		SessionID:       req.SessionID,
		SessionHistory:  string(history),
		ArtifactName:    req.ArtifactName,
		ArtifactVersion: req.ArtifactVersion,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, result)
}

// HandleComplete 记录 run 的最终状态
func (h *SandboxHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	runID, err := authorizedRun(r, req.RunID)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	run, err := h.callbacks.CompleteRun(r.Context(), runID, req.ExitCode, req.Error)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, run)
}

// authorizedRun 返回 token 授权的 run。请求体可以省略 run_id。
func authorizedRun(r *http.Request, bodyRunID string) (string, error) {
	runID, ok := ctxkeys.RunID(r.Context())
	if !ok || runID == "" {
		return "", types.Unauthorized("missing sandbox token")
	}
	if bodyRunID != "" && bodyRunID != runID {
		return "", types.Forbidden("token does not grant access to run %s", bodyRunID)
	}
	return runID, nil
}

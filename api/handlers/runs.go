package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/dispatch"
	"github.com/BaSui01/agentrun/resolver"
	"github.com/BaSui01/agentrun/store"
)

// =============================================================================
// 🏃 Run Handler
// =============================================================================

// RunService run 相关操作，由 dispatch.Dispatcher 实现。
type RunService interface {
	CreateRun(ctx context.Context, req resolver.Request) (*dispatch.RunResult, error)
	GetRun(ctx context.Context, userID, runID string) (*store.Run, error)
	ListRuns(ctx context.Context, userID string, f store.RunFilter) ([]store.Run, error)
	CancelRun(ctx context.Context, userID, runID string) (*store.Run, error)
}

// RunHandler run API
type RunHandler struct {
	runs   RunService
	logger *zap.Logger
}

// NewRunHandler 创建 RunHandler
func NewRunHandler(runs RunService, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{runs: runs, logger: logger.With(zap.String("handler", "runs"))}
}

// CreateRunRequest POST /api/v1/runs 请求体。
// checkpoint_id、session_id 与 compose_version_id 三选一。
type CreateRunRequest struct {
	ComposeVersionID string            `json:"compose_version_id,omitempty"`
	ConversationID   string            `json:"conversation_id,omitempty"`
	CheckpointID     string            `json:"checkpoint_id,omitempty"`
	SessionID        string            `json:"session_id,omitempty"`
	Prompt           string            `json:"prompt"`
	Vars             map[string]string `json:"vars,omitempty"`
	Secrets          map[string]string `json:"secrets,omitempty"`
	VolumeVersions   map[string]string `json:"volume_versions,omitempty"`
	ArtifactName     string            `json:"artifact_name,omitempty"`
	ArtifactVersion  string            `json:"artifact_version,omitempty"`
}

// RunList 列表响应
type RunList struct {
	Runs []store.Run `json:"runs"`
}

// Register 注册路由
func (h *RunHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.HandleCreate)
	mux.HandleFunc("GET /api/v1/runs", h.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.HandleCancel)
}

// HandleCreate 创建 run 并交给沙箱执行，返回 201。
func (h *RunHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var body CreateRunRequest
	if err := DecodeJSONBody(w, r, &body); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}

	result, err := h.runs.CreateRun(r.Context(), resolver.Request{
		UserID:           uid,
		ComposeVersionID: body.ComposeVersionID,
		ConversationID:   body.ConversationID,
		CheckpointID:     body.CheckpointID,
		SessionID:        body.SessionID,
		Prompt:           body.Prompt,
		Vars:             body.Vars,
		Secrets:          body.Secrets,
		VolumeVersions:   body.VolumeVersions,
		ArtifactName:     body.ArtifactName,
		ArtifactVersion:  body.ArtifactVersion,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, result)
}

// HandleList 列出调用者的 run，支持 status、compose_id、schedule_id、limit、offset。
func (h *RunHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	q := r.URL.Query()
	runs, err := h.runs.ListRuns(r.Context(), uid, store.RunFilter{
		Status:     store.RunStatus(q.Get("status")),
		ComposeID:  q.Get("compose_id"),
		ScheduleID: q.Get("schedule_id"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	WriteSuccess(w, r, RunList{Runs: runs})
}

// HandleGet 查询单个 run
func (h *RunHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	run, err := h.runs.GetRun(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, run)
}

// HandleCancel 取消 pending run
func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	run, err := h.runs.CancelRun(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, run)
}

package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/schedule"
	"github.com/BaSui01/agentrun/store"
)

// =============================================================================
// ⏰ Schedule Handler
// =============================================================================

// ScheduleService 调度管理，由 schedule.Engine 实现。
type ScheduleService interface {
	Deploy(ctx context.Context, req schedule.DeployRequest) (*store.Schedule, bool, error)
	Get(ctx context.Context, userID, id string) (*store.Schedule, error)
	List(ctx context.Context, userID string) ([]store.Schedule, error)
	Delete(ctx context.Context, userID, id string) error
	Enable(ctx context.Context, userID, id string) (*store.Schedule, error)
	Disable(ctx context.Context, userID, id string) (*store.Schedule, error)
}

// ScheduleHandler 调度 API
type ScheduleHandler struct {
	schedules ScheduleService
	logger    *zap.Logger
}

// NewScheduleHandler 创建 ScheduleHandler
func NewScheduleHandler(schedules ScheduleService, logger *zap.Logger) *ScheduleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScheduleHandler{schedules: schedules, logger: logger.With(zap.String("handler", "schedules"))}
}

// DeployResult 部署结果
type DeployResult struct {
	Schedule *store.Schedule `json:"schedule"`
	Created  bool            `json:"created"`
}

// ScheduleList 列表响应
type ScheduleList struct {
	Schedules []store.Schedule `json:"schedules"`
}

// Register 注册路由
func (h *ScheduleHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/schedules", h.HandleDeploy)
	mux.HandleFunc("GET /api/v1/schedules", h.HandleList)
	mux.HandleFunc("GET /api/v1/schedules/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", h.HandleDelete)
	mux.HandleFunc("POST /api/v1/schedules/{id}/enable", h.HandleEnable)
	mux.HandleFunc("POST /api/v1/schedules/{id}/disable", h.HandleDisable)
}

// HandleDeploy 按 (compose_id, name) 创建或更新调度。新建返回 201，更新返回 200。
func (h *ScheduleHandler) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req schedule.DeployRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	req.UserID = uid

	sched, created, err := h.schedules.Deploy(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	WriteStatus(w, r, status, DeployResult{Schedule: sched, Created: created})
}

// HandleList 列出调用者的调度
func (h *ScheduleHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	list, err := h.schedules.List(r.Context(), uid)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if list == nil {
		list = []store.Schedule{}
	}
	WriteSuccess(w, r, ScheduleList{Schedules: list})
}

// HandleGet 查询单个调度
func (h *ScheduleHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	h.withSchedule(w, r, h.schedules.Get)
}

// HandleEnable 启用调度并重新计算下次触发时间
func (h *ScheduleHandler) HandleEnable(w http.ResponseWriter, r *http.Request) {
	h.withSchedule(w, r, h.schedules.Enable)
}

// HandleDisable 停用调度
func (h *ScheduleHandler) HandleDisable(w http.ResponseWriter, r *http.Request) {
	h.withSchedule(w, r, h.schedules.Disable)
}

// HandleDelete 删除调度，成功返回 204。
func (h *ScheduleHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.schedules.Delete(r.Context(), uid, r.PathValue("id")); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScheduleHandler) withSchedule(w http.ResponseWriter, r *http.Request,
	op func(ctx context.Context, userID, id string) (*store.Schedule, error)) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	sched, err := op(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, sched)
}

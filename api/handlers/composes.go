package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/compose"
	"github.com/BaSui01/agentrun/store"
	"github.com/BaSui01/agentrun/types"
)

// =============================================================================
// 🧩 Compose Handler
// =============================================================================

// ComposeStore compose 持久化，由 store.Store 实现。
type ComposeStore interface {
	SaveComposeVersion(ctx context.Context, userID string, content *compose.Content) (*store.Compose, *store.ComposeVersion, error)
	GetCompose(ctx context.Context, id string) (*store.Compose, error)
	GetHeadVersion(ctx context.Context, composeID string) (*store.ComposeVersion, error)
	GrantComposePermission(ctx context.Context, composeID, granteeUserID string) error
	CanRunCompose(ctx context.Context, c *store.Compose, userID string) (bool, error)
}

// ComposeHandler compose API
type ComposeHandler struct {
	composes ComposeStore
	logger   *zap.Logger
}

// NewComposeHandler 创建 ComposeHandler
func NewComposeHandler(composes ComposeStore, logger *zap.Logger) *ComposeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ComposeHandler{composes: composes, logger: logger.With(zap.String("handler", "composes"))}
}

// ComposeView compose 与其 HEAD 版本
type ComposeView struct {
	Compose *store.Compose        `json:"compose"`
	Version *store.ComposeVersion `json:"version,omitempty"`
}

// GrantRequest 授权请求
type GrantRequest struct {
	UserID string `json:"user_id"`
}

// Register 注册路由
func (h *ComposeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/composes", h.HandleSave)
	mux.HandleFunc("GET /api/v1/composes/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/composes/{id}/permissions", h.HandleGrant)
}

// HandleSave 保存 compose 内容并移动 HEAD。内容相同的版本复用已有 ID。
func (h *ComposeHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var content compose.Content
	if err := DecodeJSONBody(w, r, &content); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	c, v, err := h.composes.SaveComposeVersion(r.Context(), uid, &content)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteStatus(w, r, http.StatusCreated, ComposeView{Compose: c, Version: v})
}

// HandleGet 查询 compose。被授权用户也可以读取。
func (h *ComposeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	c, err := h.composes.GetCompose(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	ok, err := h.composes.CanRunCompose(r.Context(), c, uid)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if !ok {
		// 不暴露他人 compose 是否存在
		WriteError(w, r, types.NotFound("compose %s not found", c.ID), h.logger)
		return
	}
	view := ComposeView{Compose: c}
	if c.HeadVersionID != nil {
		if view.Version, err = h.composes.GetHeadVersion(r.Context(), c.ID); err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
	}
	WriteSuccess(w, r, view)
}

// HandleGrant 所有者授权其他用户运行 compose
func (h *ComposeHandler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req GrantRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.UserID == "" {
		WriteError(w, r, types.BadRequest("user_id is required"), h.logger)
		return
	}
	c, err := h.composes.GetCompose(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if c.UserID != uid {
		WriteError(w, r, types.Forbidden("only the owner can share compose %s", c.ID), h.logger)
		return
	}
	if err := h.composes.GrantComposePermission(r.Context(), c.ID, req.UserID); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/types"
)

// SecretWriter secret 写入，由 secrets.DBStore 实现。
type SecretWriter interface {
	SetSecret(ctx context.Context, scope secrets.Scope, name, value string) error
	DeleteSecret(ctx context.Context, scope secrets.Scope, name string) error
}

// SecretHandler secret 与 credential 的写入 API。值只写不读。
type SecretHandler struct {
	secrets SecretWriter
	logger  *zap.Logger
}

// NewSecretHandler 创建 SecretHandler
func NewSecretHandler(w SecretWriter, logger *zap.Logger) *SecretHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretHandler{secrets: w, logger: logger.With(zap.String("handler", "secrets"))}
}

// SetSecretRequest 写入请求
type SetSecretRequest struct {
	Value string `json:"value"`
}

// Register 注册路由
func (h *SecretHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("PUT /api/v1/secrets/{name}", h.HandleSet)
	mux.HandleFunc("DELETE /api/v1/secrets/{name}", h.HandleDelete)
}

// HandleSet 写入或覆盖。?type=credential 写入 credential 作用域。
func (h *SecretHandler) HandleSet(w http.ResponseWriter, r *http.Request) {
	scope, err := secretScope(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req SetSecretRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.secrets.SetSecret(r.Context(), scope, r.PathValue("name"), req.Value); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete 删除，不存在也返回 204。
func (h *SecretHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	scope, err := secretScope(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if err := h.secrets.DeleteSecret(r.Context(), scope, r.PathValue("name")); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func secretScope(r *http.Request) (secrets.Scope, error) {
	uid, err := userID(r)
	if err != nil {
		return secrets.Scope{}, err
	}
	scope := secrets.Scope{OwnerID: uid, Type: secrets.ScopeSecret}
	switch t := r.URL.Query().Get("type"); t {
	case "", string(secrets.ScopeSecret):
	case string(secrets.ScopeCredential):
		scope.Type = secrets.ScopeCredential
	default:
		return secrets.Scope{}, types.BadRequest("unknown secret type %q", t)
	}
	return scope, nil
}

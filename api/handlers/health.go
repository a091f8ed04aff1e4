package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 依赖检查
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// CheckFunc 把函数适配为 HealthCheck
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // healthy / unhealthy
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // pass / fail
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// VersionInfo 构建信息
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// HealthHandler 存活、就绪与版本端点
type HealthHandler struct {
	logger  *zap.Logger
	version VersionInfo
	timeout time.Duration

	mu     sync.RWMutex
	checks []HealthCheck
}

// NewHealthHandler 创建健康检查处理器
func NewHealthHandler(version VersionInfo, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("handler", "health")),
		version: version,
		timeout: 5 * time.Second,
	}
}

// RegisterCheck 注册就绪检查
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// Register 注册路由
func (h *HealthHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	mux.HandleFunc("GET /readyz", h.HandleReady)
	mux.HandleFunc("GET /version", h.HandleVersion)
}

// HandleHealth 存活探针，只说明进程在运行
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{Status: "healthy", Timestamp: time.Now().UTC()})
}

// HandleReady 依次执行就绪检查，任一失败返回 503
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	status := h.Evaluate(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Evaluate 执行全部检查。`agentrun health` 也复用它。
func (h *HealthHandler) Evaluate(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	for _, check := range checks {
		start := time.Now()
		err := check.Check(ctx)
		latency := time.Since(start)

		result := CheckResult{Status: "pass", Latency: latency.String()}
		if err != nil {
			result.Status = "fail"
			result.Message = err.Error()
			status.Status = "unhealthy"
			h.logger.Warn("health check failed",
				zap.String("check", check.Name()),
				zap.Error(err),
				zap.Duration("latency", latency),
			)
		}
		status.Checks[check.Name()] = result
	}
	return status
}

// HandleVersion 返回构建信息
func (h *HealthHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.version)
}

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/ctxkeys"
	"github.com/BaSui01/agentrun/types"
)

// maxBodyBytes 请求体上限。事件批次与会话历史都走 JSON，上限放宽到 8 MB。
const maxBodyBytes = 8 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	// 头已写出，编码失败无法再补救
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入 200 成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	WriteStatus(w, r, http.StatusOK, data)
}

// WriteStatus 以指定状态码写入成功响应
func WriteStatus(w http.ResponseWriter, r *http.Request, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

// WriteError 写入错误响应。非 *types.Error 的错误统一按内部错误处理，
// 不向客户端暴露原始信息。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	apiErr, ok := types.AsError(err)
	if !ok {
		apiErr = types.Internal("internal server error", err)
	}
	status := apiErr.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(apiErr.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(apiErr.Code)),
			zap.String("message", apiErr.Message),
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
		}
		if apiErr.Cause != nil {
			fields = append(fields, zap.Error(apiErr.Cause))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("API error", fields...)
		} else {
			logger.Debug("API error", fields...)
		}
	}

	WriteJSON(w, status, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(apiErr.Code),
			Message:    apiErr.Message,
			Retryable:  apiErr.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now().UTC(),
		RequestID: requestID(r),
	})
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	id, _ := ctxkeys.RequestID(r.Context())
	return id
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrBadRequest:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrInvalidState, types.ErrConflict:
		return http.StatusConflict
	case types.ErrConcurrentRunLimit:
		return http.StatusTooManyRequests
	case types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求解析辅助函数
// =============================================================================

// DecodeJSONBody 解码 JSON 请求体，拒绝未知字段与多余内容。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.BadRequest("request body is empty")
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return types.BadRequest("request body exceeds %d bytes", tooLarge.Limit)
		}
		return types.BadRequest("invalid JSON body: %v", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return types.BadRequest("request body must contain a single JSON object")
	}
	return nil
}

// userID 取出认证中间件注入的用户。
func userID(r *http.Request) (string, error) {
	id, ok := ctxkeys.UserID(r.Context())
	if !ok || id == "" {
		return "", types.Unauthorized("missing user identity")
	}
	return id, nil
}

// queryInt 读取非负整数查询参数，缺省返回 def。
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, types.BadRequest("%s must be a non-negative integer", name)
	}
	return v, nil
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码与写出字节数
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	Written      bool
	BytesWritten int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 只记录第一次写出的状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode 统一错误码，由 API 层映射为 HTTP 状态码。
type ErrorCode string

// 编排引擎错误码
const (
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrBadRequest         ErrorCode = "BAD_REQUEST"
	ErrInvalidState       ErrorCode = "INVALID_STATE"
	ErrForbidden          ErrorCode = "FORBIDDEN"
	ErrUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrConcurrentRunLimit ErrorCode = "CONCURRENT_RUN_LIMIT"
	ErrConflict           ErrorCode = "CONFLICT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// =============================================================================
// 🧩 常用构造
// =============================================================================

// NotFound 资源不存在或不属于调用者。
func NotFound(format string, args ...any) *Error {
	return NewError(ErrNotFound, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusNotFound)
}

// BadRequest 请求参数非法。
func BadRequest(format string, args ...any) *Error {
	return NewError(ErrBadRequest, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusBadRequest)
}

// InvalidState 资源状态不允许该操作。
func InvalidState(format string, args ...any) *Error {
	return NewError(ErrInvalidState, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusConflict)
}

// Forbidden 调用者无权访问资源。
func Forbidden(format string, args ...any) *Error {
	return NewError(ErrForbidden, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusForbidden)
}

// Unauthorized 缺少或无效的凭证。
func Unauthorized(format string, args ...any) *Error {
	return NewError(ErrUnauthorized, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusUnauthorized)
}

// ConcurrentRunLimit 用户活跃 run 数已达上限，客户端可稍后重试。
func ConcurrentRunLimit(limit int) *Error {
	return NewError(ErrConcurrentRunLimit, fmt.Sprintf("concurrent run limit reached (%d)", limit)).
		WithHTTPStatus(http.StatusTooManyRequests).
		WithRetryable(true)
}

// Conflict 唯一性冲突。
func Conflict(format string, args ...any) *Error {
	return NewError(ErrConflict, fmt.Sprintf(format, args...)).WithHTTPStatus(http.StatusConflict)
}

// Internal 包装内部错误。
func Internal(message string, cause error) *Error {
	return NewError(ErrInternalError, message).WithCause(cause).WithHTTPStatus(http.StatusInternalServerError)
}

// =============================================================================
// 🔍 判定工具
// =============================================================================

// AsError 沿错误链查找 *Error。
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsCode 判断错误链中是否包含指定错误码。
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

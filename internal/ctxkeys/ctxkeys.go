package ctxkeys

import "context"

// contextKey 用于在 context 中存储值的键类型
type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
	runIDKey     contextKey = "run_id"
)

// WithTraceID 设置 TraceID
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID 获取 TraceID
func TraceID(ctx context.Context) (string, bool) {
	return stringValue(ctx, traceIDKey)
}

// WithRequestID 设置请求 ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID 获取请求 ID
func RequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, requestIDKey)
}

// WithUserID 设置已认证的用户 ID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID 获取已认证的用户 ID
func UserID(ctx context.Context) (string, bool) {
	return stringValue(ctx, userIDKey)
}

// WithRunID 设置沙箱 token 绑定的 RunID
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunID 获取沙箱 token 绑定的 RunID
func RunID(ctx context.Context) (string, bool) {
	return stringValue(ctx, runIDKey)
}

func stringValue(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/agentrun/api/handlers"
	"github.com/BaSui01/agentrun/internal/auth"
	"github.com/BaSui01/agentrun/internal/ctxkeys"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/types"
)

// sandboxPrefix 沙箱回调路由前缀，使用沙箱 token 认证。
const sandboxPrefix = "/api/v1/sandbox/"

// Middleware 类型定义
type Middleware func(http.Handler) http.Handler

// Chain 将多个中间件串联，第一个在最外层
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recovery panic 恢复中间件
func Recovery(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", zap.Any("error", err), zap.String("path", r.URL.Path))
					handlers.WriteError(w, r, types.Internal("internal server error", fmt.Errorf("panic: %v", err)), nil)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger 请求日志中间件
func RequestLogger(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.StatusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if id, ok := ctxkeys.RequestID(r.Context()); ok {
				fields = append(fields, zap.String("request_id", id))
			}
			// 心跳很频繁，降到 debug
			if strings.HasPrefix(r.URL.Path, sandboxPrefix+"heartbeat") {
				logger.Debug("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// =============================================================================
// 📊 Metrics & tracing
// =============================================================================

// MetricsMiddleware 记录请求耗时与状态码。路径中的 ID 会被归一化。
func MetricsMiddleware(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			collector.RecordHTTPRequest(r.Method, normalizePath(r.URL.Path), rw.StatusCode, time.Since(start))
		})
	}
}

// pathSegmentPattern 匹配 UUID、长十六进制串与纯数字
var pathSegmentPattern = regexp.MustCompile(
	`^[0-9a-fA-F]{8,}(-[0-9a-fA-F]{4,}){0,4}$|^[0-9]+$`,
)

// normalizePath 把动态段替换为 ":id"，控制 Prometheus 标签基数。
//
//	/api/v1/runs/4f1c...-...    -> /api/v1/runs/:id
//	/api/v1/sandbox/heartbeat   -> /api/v1/sandbox/heartbeat
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	normalized := false
	for i, seg := range segments {
		if seg != "" && pathSegmentPattern.MatchString(seg) {
			segments[i] = ":id"
			normalized = true
		}
	}
	if !normalized {
		return path
	}
	return strings.Join(segments, "/")
}

// OTelTracing 为每个请求创建 server span，并沿用调用方传入的 trace 上下文。
func OTelTracing() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := otel.Tracer("agentrun/http").Start(ctx, r.Method+" "+normalizePath(r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if sc := span.SpanContext(); sc.HasTraceID() {
				ctx = ctxkeys.WithTraceID(ctx, sc.TraceID().String())
			}
			rw := handlers.NewResponseWriter(w)
			next.ServeHTTP(rw, r.WithContext(ctx))
			span.SetAttributes(attribute.Int("http.response.status_code", rw.StatusCode))
		})
	}
}

// =============================================================================
// 🔐 认证
// =============================================================================

// Authenticate 按路径选择认证方式：沙箱回调校验沙箱 token 并注入 run，
// 其余 /api/ 路由校验用户 JWT 并注入用户。探针路径不需要认证。
func Authenticate(users *UserTokenVerifier, sandboxes *auth.TokenIssuer, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/api/") {
				next.ServeHTTP(w, r)
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				handlers.WriteError(w, r, types.Unauthorized("missing or malformed Authorization header"), nil)
				return
			}

			ctx := r.Context()
			if strings.HasPrefix(r.URL.Path, sandboxPrefix) {
				claims, err := sandboxes.Verify(token)
				if err != nil {
					logger.Debug("sandbox token rejected", zap.Error(err))
					handlers.WriteError(w, r, types.Unauthorized("invalid or expired sandbox token"), nil)
					return
				}
				ctx = ctxkeys.WithRunID(ctx, claims.RunID)
				ctx = ctxkeys.WithUserID(ctx, claims.UserID)
			} else {
				uid, err := users.Verify(token)
				if err != nil {
					logger.Debug("user token rejected", zap.Error(err))
					handlers.WriteError(w, r, types.Unauthorized("invalid or expired token"), nil)
					return
				}
				ctx = ctxkeys.WithUserID(ctx, uid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// UserTokenVerifier 校验用户 HS256 JWT，用户 ID 取 user_id 声明，缺省回退到 sub。
type UserTokenVerifier struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewUserTokenVerifier 创建校验器。issuer 为空时不校验 iss。
func NewUserTokenVerifier(secret, issuer string) *UserTokenVerifier {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &UserTokenVerifier{secret: []byte(secret), opts: opts}
}

// Verify 返回 token 对应的用户 ID。沙箱 token 不能当作用户 token 使用。
func (v *UserTokenVerifier) Verify(tokenStr string) (string, error) {
	if len(v.secret) == 0 {
		return "", fmt.Errorf("user token secret not configured")
	}
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...); err != nil {
		return "", err
	}
	if scope, _ := claims["scope"].(string); scope == auth.SandboxScope {
		return "", fmt.Errorf("sandbox token used as user token")
	}
	if uid, _ := claims["user_id"].(string); uid != "" {
		return uid, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token has no user identity")
	}
	return sub, nil
}

// =============================================================================
// 🚦 限流、CORS 与通用头
// =============================================================================

// RateLimiter 按用户限流，未认证请求按 IP。rps <= 0 时不限流。
// 必须放在 Authenticate 之后才能拿到用户。
func RateLimiter(ctx context.Context, rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				for key, v := range visitors {
					if time.Since(v.lastSeen) > 3*time.Minute {
						delete(visitors, key)
					}
				}
				mu.Unlock()
			}
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if uid, ok := ctxkeys.UserID(r.Context()); ok {
				key = "user:" + uid
			} else {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				key = "ip:" + ip
			}
			mu.Lock()
			v, exists := visitors[key]
			if !exists {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[key] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				handlers.WriteError(w, r,
					types.NewError("RATE_LIMITED", "too many requests").
						WithHTTPStatus(http.StatusTooManyRequests).
						WithRetryable(true), nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORS 跨域中间件。allowedOrigins 为空时不设置任何 CORS 头。
func CORS(allowedOrigins []string) Middleware {
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			_, allowed := originSet[origin]
			if origin != "" && allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions && origin != "" {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID 沿用客户端的 X-Request-ID，没有时生成一个，并写入 context。
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctxkeys.WithRequestID(r.Context(), id)))
		})
	}
}

// SecurityHeaders 通用安全响应头
func SecurityHeaders() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			next.ServeHTTP(w, r)
		})
	}
}

func generateRequestID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return "req-" + hex.EncodeToString(b)
}

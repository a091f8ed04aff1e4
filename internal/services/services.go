// Package services 汇总编排组件共享的依赖，在入口处显式构造后传给各组件。
package services

import (
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/auth"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/sandbox"
	"github.com/BaSui01/agentrun/secrets"
	"github.com/BaSui01/agentrun/storage"
	"github.com/BaSui01/agentrun/store"
)

// Services 组件依赖集合。
type Services struct {
	Store    *store.Store
	Secrets  secrets.Store
	Sandbox  sandbox.Provider
	Manifest *storage.ManifestBuilder // 可为 nil，表示未配置对象存储
	Sink     telemetry.Sink
	Metrics  *metrics.Collector // 可为 nil
	Tokens   *auth.TokenIssuer
	Logger   *zap.Logger
	Now      func() time.Time
}

// Normalize 填充可选依赖的默认值。
func (s *Services) Normalize() *Services {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Sink == nil {
		s.Sink = telemetry.NopSink{}
	}
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

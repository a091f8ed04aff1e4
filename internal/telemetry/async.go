package telemetry

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/pool"
)

// AsyncSink 把写入交给 goroutine 池，调用方不等待 Redis。
// 队列满时丢弃并记录日志。
type AsyncSink struct {
	next   Sink
	pool   *pool.GoroutinePool
	logger *zap.Logger
}

// NewAsyncSink 包装 next。Close 时会执行完已排队的写入。
func NewAsyncSink(next Sink, cfg pool.GoroutinePoolConfig, logger *zap.Logger) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncSink{
		next:   next,
		pool:   pool.NewGoroutinePool(cfg),
		logger: logger.With(zap.String("component", "async_sink")),
	}
}

// RecordOperation 异步记录一次操作。
func (s *AsyncSink) RecordOperation(ctx context.Context, op Operation) {
	s.submit(ctx, "operation", func(ctx context.Context) error {
		s.next.RecordOperation(ctx, op)
		return nil
	})
}

// Ingest 异步写入记录。
func (s *AsyncSink) Ingest(ctx context.Context, dataset string, records []map[string]any) {
	s.submit(ctx, dataset, func(ctx context.Context) error {
		s.next.Ingest(ctx, dataset, records)
		return nil
	})
}

func (s *AsyncSink) submit(ctx context.Context, what string, task pool.Task) {
	// 请求结束后写入仍需完成
	if err := s.pool.Submit(context.WithoutCancel(ctx), task); err != nil {
		s.logger.Warn("dropping telemetry write", zap.String("kind", what), zap.Error(err))
	}
}

// Stats 返回底层池的统计。
func (s *AsyncSink) Stats() pool.GoroutinePoolStats {
	return s.pool.Stats()
}

// Close 停止接收并等待排队的写入完成。
func (s *AsyncSink) Close() {
	s.pool.Close()
}

package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/metrics"
)

// Operation 一次沙箱或编排步骤的耗时记录。
type Operation struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
}

// Sink 分析数据出口。调用方不关心写入结果，失败只记录日志。
type Sink interface {
	RecordOperation(ctx context.Context, op Operation)
	Ingest(ctx context.Context, dataset string, records []map[string]any)
}

// StreamWriter 追加式记录存储，由 cache.Manager 实现。
type StreamWriter interface {
	AppendStream(ctx context.Context, stream string, values map[string]any) error
}

// DatasetSandboxOperations 沙箱操作数据集名。
const DatasetSandboxOperations = "sandbox-operations"

// Recorder 把操作写入 Prometheus、OTel 直方图与 Redis Stream。
// collector 与 streams 都可以为 nil。
type Recorder struct {
	collector *metrics.Collector
	streams   StreamWriter
	duration  metric.Int64Histogram
	logger    *zap.Logger
}

// NewRecorder 创建 Recorder。
func NewRecorder(collector *metrics.Collector, streams StreamWriter, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	hist, err := otel.Meter("github.com/BaSui01/agentrun/sandbox").Int64Histogram(
		"agentrun.sandbox.operation.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of sandbox orchestration steps"),
	)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		collector: collector,
		streams:   streams,
		duration:  hist,
		logger:    logger.With(zap.String("component", "telemetry_sink")),
	}, nil
}

// RecordOperation 记录一次操作。
func (r *Recorder) RecordOperation(ctx context.Context, op Operation) {
	if r.collector != nil {
		r.collector.RecordSandboxOperation(op.Type, op.Action, op.Success, time.Duration(op.DurationMs)*time.Millisecond)
	}
	r.duration.Record(ctx, op.DurationMs, metric.WithAttributes(
		attribute.String("sandbox.type", op.Type),
		attribute.String("sandbox.action", op.Action),
		attribute.Bool("success", op.Success),
	))
	if r.streams == nil {
		return
	}
	if err := r.streams.AppendStream(ctx, DatasetSandboxOperations, map[string]any{
		"type":        op.Type,
		"action":      op.Action,
		"duration_ms": op.DurationMs,
		"success":     op.Success,
	}); err != nil {
		r.logger.Warn("failed to append sandbox operation", zap.String("action", op.Action), zap.Error(err))
	}
}

// Ingest 逐条以 JSON 写入数据集对应的 stream。
func (r *Recorder) Ingest(ctx context.Context, dataset string, records []map[string]any) {
	if r.collector != nil {
		r.collector.RecordIngest(dataset, len(records))
	}
	if r.streams == nil {
		r.logger.Debug("no stream writer configured, dropping records",
			zap.String("dataset", dataset), zap.Int("count", len(records)))
		return
	}
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			r.logger.Warn("failed to encode record", zap.String("dataset", dataset), zap.Error(err))
			continue
		}
		if err := r.streams.AppendStream(ctx, dataset, map[string]any{"data": string(data)}); err != nil {
			r.logger.Warn("failed to ingest record", zap.String("dataset", dataset), zap.Error(err))
			return
		}
	}
}

// NopSink 丢弃全部数据。
type NopSink struct{}

func (NopSink) RecordOperation(context.Context, Operation) {}
func (NopSink) Ingest(context.Context, string, []map[string]any) {}

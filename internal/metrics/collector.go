// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Run 指标
	runsDispatched  *prometheus.CounterVec
	runTransitions  *prometheus.CounterVec
	sandboxOps      *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec

	// 后台任务指标
	reaperResults   *prometheus.CounterVec
	scheduleResults *prometheus.CounterVec
	eventsIngested  *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建注册到默认 Registerer 的指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建注册到指定 Registerer 的指标收集器
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.runsDispatched = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_dispatched_total",
			Help:      "Run dispatch attempts by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	c.runTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_transitions_total",
			Help:      "Run status transitions",
		},
		[]string{"to_status"},
	)

	c.sandboxOps = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_operations_total",
			Help:      "Sandbox operations by provider, action and success",
		},
		[]string{"provider", "action", "success"},
	)

	c.sandboxDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sandbox_operation_duration_seconds",
			Help:      "Sandbox operation duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"provider", "action"},
	)

	c.reaperResults = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reaper_runs_total",
			Help:      "Runs processed by the heartbeat reaper",
		},
		[]string{"result"},
	)

	c.scheduleResults = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_executions_total",
			Help:      "Due schedules by outcome",
		},
		[]string{"outcome"},
	)

	c.eventsIngested = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_records_total",
			Help:      "Records forwarded to the analytics sink",
		},
		[]string{"dataset"},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🏃 Run 指标记录
// =============================================================================

// RecordDispatch 记录一次 run 分发，source 为 direct/checkpoint/session/schedule
func (c *Collector) RecordDispatch(source, outcome string) {
	c.runsDispatched.WithLabelValues(source, outcome).Inc()
}

// RecordRunTransition 记录 run 进入新状态
func (c *Collector) RecordRunTransition(toStatus string) {
	c.runTransitions.WithLabelValues(toStatus).Inc()
}

// RecordSandboxOperation 记录沙箱操作
func (c *Collector) RecordSandboxOperation(provider, action string, success bool, duration time.Duration) {
	c.sandboxOps.WithLabelValues(provider, action, strconv.FormatBool(success)).Inc()
	c.sandboxDuration.WithLabelValues(provider, action).Observe(duration.Seconds())
}

// =============================================================================
// ⏰ 后台任务指标记录
// =============================================================================

// RecordReaperResult 记录回收结果：timeout / error
func (c *Collector) RecordReaperResult(result string, n int) {
	if n > 0 {
		c.reaperResults.WithLabelValues(result).Add(float64(n))
	}
}

// RecordScheduleResult 记录调度结果：executed / skipped
func (c *Collector) RecordScheduleResult(outcome string, n int) {
	if n > 0 {
		c.scheduleResults.WithLabelValues(outcome).Add(float64(n))
	}
}

// RecordIngest 记录写入分析 sink 的记录数
func (c *Collector) RecordIngest(dataset string, n int) {
	c.eventsIngested.WithLabelValues(dataset).Add(float64(n))
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

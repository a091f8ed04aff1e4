// =============================================================================
// 📈 MockSink - 遥测 sink 模拟实现
// =============================================================================
// 记录 RecordOperation 与 Ingest 调用，供断言使用
// =============================================================================
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/agentrun/internal/telemetry"
)

// IngestCall 一次 Ingest 调用
type IngestCall struct {
	Dataset string
	Records []map[string]any
}

// MockSink 是 telemetry.Sink 的模拟实现
type MockSink struct {
	mu         sync.Mutex
	operations []telemetry.Operation
	ingests    []IngestCall
}

// NewMockSink 创建新的 MockSink
func NewMockSink() *MockSink {
	return &MockSink{}
}

// RecordOperation 实现 telemetry.Sink
func (s *MockSink) RecordOperation(_ context.Context, op telemetry.Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations = append(s.operations, op)
}

// Ingest 实现 telemetry.Sink
func (s *MockSink) Ingest(_ context.Context, dataset string, records []map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingests = append(s.ingests, IngestCall{Dataset: dataset, Records: records})
}

// Operations 返回记录的操作
func (s *MockSink) Operations() []telemetry.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]telemetry.Operation, len(s.operations))
	copy(out, s.operations)
	return out
}

// Actions 返回操作的 action 列表
func (s *MockSink) Actions() []string {
	ops := s.Operations()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Action
	}
	return out
}

// Ingests 返回 Ingest 调用
func (s *MockSink) Ingests() []IngestCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]IngestCall, len(s.ingests))
	copy(out, s.ingests)
	return out
}

package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentrun/internal/pool"
)

type blockingSink struct {
	mu      sync.Mutex
	release chan struct{}
	ops     []Operation
	ingests map[string]int
	ctxErrs []error
}

func newBlockingSink() *blockingSink {
	return &blockingSink{release: make(chan struct{}), ingests: map[string]int{}}
}

func (b *blockingSink) RecordOperation(ctx context.Context, op Operation) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
}

func (b *blockingSink) Ingest(ctx context.Context, dataset string, records []map[string]any) {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ingests[dataset] += len(records)
	b.ctxErrs = append(b.ctxErrs, ctx.Err())
}

func TestAsyncSink_DoesNotBlockCaller(t *testing.T) {
	next := newBlockingSink()
	s := NewAsyncSink(next, pool.GoroutinePoolConfig{MaxWorkers: 2, QueueSize: 8}, zaptest.NewLogger(t))

	done := make(chan struct{})
	go func() {
		s.RecordOperation(context.Background(), Operation{Type: "docker", Action: "create"})
		s.Ingest(context.Background(), "agent-run-events", []map[string]any{{"a": 1}, {"b": 2}})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async sink blocked the caller")
	}

	close(next.release)
	s.Close()

	assert.Len(t, next.ops, 1)
	assert.Equal(t, 2, next.ingests["agent-run-events"])
}

func TestAsyncSink_SurvivesCanceledRequestContext(t *testing.T) {
	next := newBlockingSink()
	close(next.release)
	s := NewAsyncSink(next, pool.DefaultGoroutinePoolConfig(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	s.RecordOperation(ctx, Operation{Type: "http", Action: "exec"})
	cancel()
	s.Close()

	require.Len(t, next.ctxErrs, 1)
	assert.NoError(t, next.ctxErrs[0])
}

func TestAsyncSink_DropsWhenQueueFull(t *testing.T) {
	next := newBlockingSink()
	s := NewAsyncSink(next, pool.GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1}, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		s.RecordOperation(context.Background(), Operation{Type: "docker", Action: "exec"})
	}
	stats := s.Stats()
	assert.Positive(t, stats.Rejected)
	assert.Equal(t, int64(10), stats.Submitted)

	close(next.release)
	s.Close()
	assert.Equal(t, int64(10)-stats.Rejected, int64(len(next.ops)))
}

func TestAsyncSink_AfterCloseDrops(t *testing.T) {
	next := newBlockingSink()
	close(next.release)
	s := NewAsyncSink(next, pool.DefaultGoroutinePoolConfig(), nil)
	s.Close()

	s.Ingest(context.Background(), "x", []map[string]any{{"k": "v"}})
	assert.Empty(t, next.ingests)
}

// Package pool provides a bounded goroutine pool for fire-and-forget work
// such as telemetry writes that must never block a request.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// GoroutinePool runs tasks on at most MaxWorkers goroutines. Workers are
// spawned on demand and exit after IdleTimeout, keeping one alive.
type GoroutinePool struct {
	maxWorkers  int
	taskQueue   chan taskWrapper
	workerCount atomic.Int32
	activeCount atomic.Int32
	mu          sync.RWMutex
	closed      bool
	wg          sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	idleTimeout  time.Duration
	panicHandler func(any)
}

type taskWrapper struct {
	task Task
	ctx  context.Context
}

// GoroutinePoolConfig configures the pool.
type GoroutinePoolConfig struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultGoroutinePoolConfig returns sensible defaults.
func DefaultGoroutinePoolConfig() GoroutinePoolConfig {
	return GoroutinePoolConfig{
		MaxWorkers:  16,
		QueueSize:   1024,
		IdleTimeout: 60 * time.Second,
	}
}

// NewGoroutinePool creates a new goroutine pool.
func NewGoroutinePool(config GoroutinePoolConfig) *GoroutinePool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = 1
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = time.Minute
	}
	return &GoroutinePool{
		maxWorkers:   config.MaxWorkers,
		taskQueue:    make(chan taskWrapper, config.QueueSize),
		idleTimeout:  config.IdleTimeout,
		panicHandler: config.PanicHandler,
	}
}

// Submit queues a task without waiting for it. A full queue rejects the
// task with ErrPoolFull instead of blocking the caller.
func (p *GoroutinePool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)

	select {
	case p.taskQueue <- taskWrapper{task: task, ctx: ctx}:
		p.ensureWorker()
		return nil
	default:
		p.rejected.Add(1)
		return ErrPoolFull
	}
}

func (p *GoroutinePool) ensureWorker() {
	for {
		current := p.workerCount.Load()
		if current >= int32(p.maxWorkers) {
			return
		}
		if p.workerCount.CompareAndSwap(current, current+1) {
			p.wg.Add(1)
			go p.worker()
			return
		}
	}
}

func (p *GoroutinePool) worker() {
	defer p.wg.Done()
	retired := false
	defer func() {
		if !retired {
			p.workerCount.Add(-1)
		}
	}()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	for {
		select {
		case wrapper, ok := <-p.taskQueue:
			if !ok {
				return
			}

			p.activeCount.Add(1)
			err := p.executeTask(wrapper)
			p.activeCount.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.idleTimeout)

		case <-timer.C:
			// 至少保留一个 worker
			if n := p.workerCount.Load(); n > 1 && p.workerCount.CompareAndSwap(n, n-1) {
				retired = true
				return
			}
			timer.Reset(p.idleTimeout)
		}
	}
}

func (p *GoroutinePool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()

	return wrapper.task(wrapper.ctx)
}

// Close stops accepting tasks, runs everything already queued and waits
// for the workers to exit.
func (p *GoroutinePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.taskQueue)
	p.mu.Unlock()

	// 队列里可能还有任务而没有 worker
	if len(p.taskQueue) > 0 && p.workerCount.Load() == 0 {
		p.ensureWorker()
	}
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *GoroutinePool) Stats() GoroutinePoolStats {
	return GoroutinePoolStats{
		Workers:   int(p.workerCount.Load()),
		Active:    int(p.activeCount.Load()),
		Queued:    len(p.taskQueue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// GoroutinePoolStats contains pool statistics.
type GoroutinePoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

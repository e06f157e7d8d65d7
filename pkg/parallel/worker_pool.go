// Package parallel provides the bounded worker pool that distributes one
// phase's work items across a fixed number of workers and joins on
// completion.
package parallel

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ============================================================================
// Worker Pool Configuration
// ============================================================================

// PoolConfig configures the worker pool behavior.
type PoolConfig struct {
	// MaxWorkers is the number of concurrent workers.
	// Default: runtime.NumCPU(), capped at 8.
	MaxWorkers int

	// TaskBufferSize is the buffer size for the work-item channel.
	// Default: MaxWorkers * 2
	TaskBufferSize int

	// CollectMetrics enables collection of execution metrics.
	CollectMetrics bool
}

// DefaultPoolConfig returns a default pool configuration.
func DefaultPoolConfig() PoolConfig {
	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 2 {
		workers = 2
	}
	return PoolConfig{
		MaxWorkers:     workers,
		TaskBufferSize: workers * 2,
	}
}

// WithWorkers returns a new config with the specified number of workers.
func (c PoolConfig) WithWorkers(n int) PoolConfig {
	c.MaxWorkers = n
	return c
}

// WithMetrics returns a new config with metrics collection enabled.
func (c PoolConfig) WithMetrics() PoolConfig {
	c.CollectMetrics = true
	return c
}

// ============================================================================
// Execution Metrics
// ============================================================================

// PoolMetrics holds execution statistics for one pool.
type PoolMetrics struct {
	TotalTasks     int64
	CompletedTasks int64
	FailedTasks    int64
	TotalDuration  time.Duration
	MaxTaskTime    time.Duration
}

// ============================================================================
// Worker Context
// ============================================================================

// WorkerContext is the per-worker state threaded through every work item a
// worker runs. It replaces thread-local storage: backends and stats
// accumulators hang off this object instead of a global.
type WorkerContext struct {
	// ID is the worker's index in [0, MaxWorkers).
	ID int

	// Local is an arbitrary per-worker attachment set up by the caller
	// (e.g. a scratch arena or a local stats accumulator).
	Local interface{}
}

// ============================================================================
// Worker Pool
// ============================================================================

// WorkFunc is one work item. The index identifies the item within the
// phase; workers of the same phase run items in no guaranteed order.
type WorkFunc func(ctx context.Context, wctx *WorkerContext, index int) error

// WorkerPool distributes indexed work items across a fixed set of workers.
// Run blocks the caller until every item finished; that join is the phase
// boundary the driver relies on.
type WorkerPool struct {
	config  PoolConfig
	metrics PoolMetrics
	mu      sync.Mutex

	// setup, when non-nil, initializes each WorkerContext.Local before the
	// worker takes its first item.
	setup func(wctx *WorkerContext)
}

// NewWorkerPool creates a pool with the given configuration.
func NewWorkerPool(config PoolConfig) *WorkerPool {
	if config.MaxWorkers <= 0 {
		config.MaxWorkers = DefaultPoolConfig().MaxWorkers
	}
	if config.TaskBufferSize <= 0 {
		config.TaskBufferSize = config.MaxWorkers * 2
	}
	return &WorkerPool{config: config}
}

// WithWorkerSetup registers a per-worker initializer.
func (p *WorkerPool) WithWorkerSetup(setup func(wctx *WorkerContext)) *WorkerPool {
	p.setup = setup
	return p
}

// Run executes fn for every index in [0, count) and joins. The first error
// is returned after all workers have stopped; work items that were already
// dequeued still run to completion. No ordering is guaranteed between
// items.
func (p *WorkerPool) Run(ctx context.Context, count int, fn WorkFunc) error {
	if count == 0 {
		return nil
	}

	startTime := time.Now()

	workCh := make(chan int, p.config.TaskBufferSize)

	numWorkers := p.config.MaxWorkers
	if numWorkers > count {
		numWorkers = count
	}

	var firstErr atomic.Value
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wctx := &WorkerContext{ID: id}
			if p.setup != nil {
				p.setup(wctx)
			}
			for {
				select {
				case <-ctx.Done():
					firstErr.CompareAndSwap(nil, &workErr{ctx.Err()})
					return
				case idx, ok := <-workCh:
					if !ok {
						return
					}
					taskStart := time.Now()
					err := fn(ctx, wctx, idx)
					if err != nil {
						firstErr.CompareAndSwap(nil, &workErr{err})
					}
					if p.config.CollectMetrics {
						p.updateMetrics(time.Since(taskStart), err)
					}
				}
			}
		}(w)
	}

	go func() {
		defer close(workCh)
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			case workCh <- i:
			}
		}
	}()

	wg.Wait()

	if p.config.CollectMetrics {
		p.mu.Lock()
		p.metrics.TotalDuration += time.Since(startTime)
		p.mu.Unlock()
	}

	if e, ok := firstErr.Load().(*workErr); ok {
		return e.err
	}
	return nil
}

// workErr wraps errors for atomic.Value, which needs a consistent concrete
// type.
type workErr struct {
	err error
}

func (p *WorkerPool) updateMetrics(duration time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.metrics.TotalTasks++
	if err != nil {
		p.metrics.FailedTasks++
	} else {
		p.metrics.CompletedTasks++
	}
	if duration > p.metrics.MaxTaskTime {
		p.metrics.MaxTaskTime = duration
	}
}

// Metrics returns the accumulated execution metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}

// ============================================================================
// Per-Worker Aggregation
// ============================================================================

// AggregateLocals collects the Local attachment of every worker that ran.
// Each worker appends its Local exactly once when the pool's setup hook is
// installed through NewLocalCollector.
type LocalCollector struct {
	mu     sync.Mutex
	locals []interface{}
}

// NewLocalCollector returns a collector and the setup hook to install with
// WithWorkerSetup. The make function builds one Local per worker.
func NewLocalCollector(make func(workerID int) interface{}) (*LocalCollector, func(wctx *WorkerContext)) {
	c := &LocalCollector{}
	setup := func(wctx *WorkerContext) {
		local := make(wctx.ID)
		wctx.Local = local
		c.mu.Lock()
		c.locals = append(c.locals, local)
		c.mu.Unlock()
	}
	return c, setup
}

// Locals returns every per-worker Local created so far. Only call after the
// pool has joined.
func (c *LocalCollector) Locals() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]interface{}(nil), c.locals...)
}

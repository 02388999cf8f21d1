package taskruntime

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Swind/go-task-runtime/core"
)

// GoroutineThreadPool runs tasks pulled from a core.TaskScheduler on a fixed
// set of worker goroutines. It is also a core.TaskExecutor, so it can be
// registered under an extension id or made the current executor of a
// SingleThreadTaskRunner.
type GoroutineThreadPool struct {
	id        string
	workers   int
	scheduler *core.TaskScheduler

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

var (
	_ core.ThreadPool   = (*GoroutineThreadPool)(nil)
	_ core.TaskExecutor = (*GoroutineThreadPool)(nil)
)

// NewGoroutineThreadPool creates a pool whose ready queue is FIFO.
func NewGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewGoroutineThreadPoolWithConfig(id, workers, nil)
}

// NewGoroutineThreadPoolWithConfig is NewGoroutineThreadPool with scheduler
// handlers; nil fields of config take their defaults.
func NewGoroutineThreadPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *GoroutineThreadPool {
	return &GoroutineThreadPool{id: id, workers: workers, scheduler: core.NewFIFOTaskSchedulerWithConfig(workers, config)}
}

// NewPriorityGoroutineThreadPool creates a pool whose ready queue orders by
// task priority, FIFO within a priority.
func NewPriorityGoroutineThreadPool(id string, workers int) *GoroutineThreadPool {
	return NewPriorityGoroutineThreadPoolWithConfig(id, workers, nil)
}

func NewPriorityGoroutineThreadPoolWithConfig(id string, workers int, config *core.TaskSchedulerConfig) *GoroutineThreadPool {
	return &GoroutineThreadPool{id: id, workers: workers, scheduler: core.NewPriorityTaskSchedulerWithConfig(workers, config)}
}

// Start launches the workers. Tasks posted before Start wait in the queue.
// Starting a running pool does nothing.
func (p *GoroutineThreadPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	workerCtx := core.WithTaskExecutor(ctx, p)
	for id := range p.workers {
		p.wg.Add(1)
		go p.work(workerCtx, id)
	}
}

// Stop drops queued and delayed tasks, then waits for the workers to finish
// the tasks they are running. It is safe on a pool that never started.
func (p *GoroutineThreadPool) Stop() {
	p.scheduler.Shutdown()
	p.halt()
}

// StopGraceful stops accepting tasks and waits up to timeout for the queue to
// drain before stopping the workers. On timeout the remaining queue is dropped
// and the error wraps core.ErrDrainTimeout.
func (p *GoroutineThreadPool) StopGraceful(timeout time.Duration) error {
	if !p.IsRunning() {
		p.scheduler.Shutdown()
		return nil
	}
	err := p.scheduler.ShutdownGraceful(timeout)
	p.halt()
	return err
}

// halt cancels the workers' ctx and waits for them to exit.
func (p *GoroutineThreadPool) halt() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.Join()
}

func (p *GoroutineThreadPool) work(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		pt, ok := p.scheduler.GetWork(ctx.Done())
		if !ok {
			return
		}
		p.run(ctx, id, pt)
	}
}

func (p *GoroutineThreadPool) run(ctx context.Context, workerID int, pt core.PendingTask) {
	start := time.Now()
	defer func() {
		p.scheduler.OnTaskEnd()
		metrics := p.scheduler.GetMetrics()
		metrics.RecordTaskDuration(p.id, pt.Traits.Priority, time.Since(start))
		if rec := recover(); rec != nil {
			metrics.RecordTaskPanic(p.id, rec)
			p.scheduler.GetPanicHandler().HandlePanic(ctx, p.id, workerID, rec, debug.Stack())
		}
	}()
	if !pt.Canceled() {
		pt.Task(ctx)
	}
}

// Join waits for the worker goroutines to exit.
func (p *GoroutineThreadPool) Join() {
	p.wg.Wait()
}

func (p *GoroutineThreadPool) ID() string { return p.id }

func (p *GoroutineThreadPool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *GoroutineThreadPool) WorkerCount() int      { return p.workers }
func (p *GoroutineThreadPool) QueuedTaskCount() int  { return p.scheduler.QueuedTaskCount() }
func (p *GoroutineThreadPool) ActiveTaskCount() int  { return p.scheduler.ActiveTaskCount() }
func (p *GoroutineThreadPool) DelayedTaskCount() int { return p.scheduler.DelayedTaskCount() }

// GetScheduler exposes the underlying scheduler.
func (p *GoroutineThreadPool) GetScheduler() *core.TaskScheduler {
	return p.scheduler
}

// Stats returns a snapshot of the pool's counters.
func (p *GoroutineThreadPool) Stats() core.PoolStats {
	return core.PoolStats{
		ID:      p.id,
		Workers: p.workers,
		Queued:  p.QueuedTaskCount(),
		Active:  p.ActiveTaskCount(),
		Delayed: p.DelayedTaskCount(),
		Running: p.IsRunning(),
	}
}

func (p *GoroutineThreadPool) PostInternal(task core.Task, traits core.TaskTraits) {
	p.scheduler.PostInternal(task, traits)
}

func (p *GoroutineThreadPool) PostDelayedInternal(task core.Task, delay time.Duration, traits core.TaskTraits, target core.TaskRunner) {
	p.scheduler.PostDelayedInternal(task, delay, traits, target)
}

// PostDelayedTaskWithTraits runs task on any worker after delay. It returns
// false once the pool is shutting down.
func (p *GoroutineThreadPool) PostDelayedTaskWithTraits(task core.Task, delay time.Duration, traits core.TaskTraits) bool {
	if task == nil || p.scheduler.IsShuttingDown() {
		return false
	}
	if delay > 0 {
		p.scheduler.PostDelayedInternal(task, delay, traits, p.CreateTaskRunner(traits))
	} else {
		p.scheduler.PostInternal(task, traits)
	}
	return true
}

// CreateTaskRunner returns a runner whose tasks may run in parallel on any worker.
func (p *GoroutineThreadPool) CreateTaskRunner(traits core.TaskTraits) core.TaskRunner {
	return &parallelRunner{pool: p, traits: traits}
}

// CreateSequencedTaskRunner returns a runner whose tasks run one at a time in post order.
func (p *GoroutineThreadPool) CreateSequencedTaskRunner(core.TaskTraits) core.TaskRunner {
	return core.NewSequencedTaskRunner(p)
}

// parallelRunner posts straight to its pool; it has no sequence of its own.
type parallelRunner struct {
	pool   *GoroutineThreadPool
	traits core.TaskTraits
}

func (r *parallelRunner) PostTask(task core.Task) {
	r.pool.PostInternal(task, r.traits)
}

func (r *parallelRunner) PostTaskWithTraits(task core.Task, traits core.TaskTraits) {
	r.pool.PostInternal(task, traits)
}

func (r *parallelRunner) PostDelayedTask(task core.Task, delay time.Duration) {
	r.pool.PostDelayedInternal(task, delay, r.traits, r)
}

func (r *parallelRunner) PostDelayedTaskWithTraits(task core.Task, delay time.Duration, traits core.TaskTraits) {
	r.pool.PostDelayedInternal(task, delay, traits, r)
}

// RunsTasksInCurrentSequence reports whether ctx belongs to a worker of the pool.
func (r *parallelRunner) RunsTasksInCurrentSequence(ctx context.Context) bool {
	e, ok := core.TaskExecutorFromContext(ctx).(*GoroutineThreadPool)
	return ok && e == r.pool
}

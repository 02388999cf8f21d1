package core

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SingleThreadTaskRunner binds a dedicated Goroutine to execute tasks sequentially.
// It guarantees that all tasks submitted to it run on the same Goroutine (Thread Affinity).
//
// The goroutine runs a ChannelMessagePump. Posts from any goroutine land in an
// incoming queue and wake the pump through a WorkDeduplicator, so a burst of
// posts costs one wake-up. The loop sorts incoming work into an immediate
// queue and a DelayedQueue, and parks non-nestable tasks that come due inside
// RunNestedUntilIdle in a DeferredQueue.
//
// Every task runs with a ctx carrying the runner's SequenceToken, a fresh
// TaskToken, a ThreadTaskRunnerHandle for the runner and, when configured, a
// current TaskExecutor. Tasks whose traits carry a registered extension id are
// handed to that executor instead of running on the loop.
//
// Key differences from SequencedTaskRunner:
// - SequencedTaskRunner: Tasks execute sequentially but may run on different worker goroutines
// - SingleThreadTaskRunner: Tasks execute sequentially AND always on the same dedicated goroutine
type SingleThreadTaskRunner struct {
	cfg  LoopConfig
	pump *ChannelMessagePump

	incoming *FIFOTaskQueue
	delayed  *DelayedQueue
	deferred *DeferredQueue
	dedup    *WorkDeduplicator

	// Owned by the loop goroutine.
	work         []PendingTask
	nestingDepth int
	loopCtx      context.Context

	workLen         atomic.Int64
	loopGoroutineID atomic.Uint64

	sequenceToken SequenceToken
	sequenceNum   atomic.Uint64

	// Lifecycle control
	ctx    context.Context
	cancel context.CancelFunc

	stopped      chan struct{}
	once         sync.Once
	closed       atomic.Bool
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	running    atomic.Int32
	rejected   atomic.Int64
	lastTaskAt atomic.Int64

	name string
	mu   sync.Mutex
}

// NewSingleThreadTaskRunner creates and starts a new SingleThreadTaskRunner
// with the default LoopConfig.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return NewSingleThreadTaskRunnerWithConfig(nil)
}

// NewSingleThreadTaskRunnerWithConfig creates and starts a runner. It
// immediately spawns the dedicated goroutine.
func NewSingleThreadTaskRunnerWithConfig(config *LoopConfig) *SingleThreadTaskRunner {
	cfg := config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	r := &SingleThreadTaskRunner{
		cfg:           cfg,
		pump:          NewChannelMessagePump(cfg.LowResolutionSlack),
		incoming:      NewFIFOTaskQueue(),
		delayed:       NewDelayedQueue(),
		deferred:      NewDeferredQueue(),
		dedup:         NewWorkDeduplicator(),
		sequenceToken: CreateSequenceToken(),
		ctx:           ctx,
		cancel:        cancel,
		stopped:       make(chan struct{}),
		shutdownChan:  make(chan struct{}),
		name:          cfg.Name,
	}

	started := make(chan struct{})
	go r.runLoop(started)
	<-started

	return r
}

// Name returns the name of the task runner
func (r *SingleThreadTaskRunner) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// SetName sets the name of the task runner
func (r *SingleThreadTaskRunner) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

func (r *SingleThreadTaskRunner) metricName() string {
	if n := r.Name(); n != "" {
		return n
	}
	return "SingleThreadTaskRunner"
}

// SequenceToken returns the token every task of this runner runs under.
func (r *SingleThreadTaskRunner) SequenceToken() SequenceToken {
	return r.sequenceToken
}

// RunsTasksInCurrentSequence reports whether ctx belongs to this runner's loop.
func (r *SingleThreadTaskRunner) RunsTasksInCurrentSequence(ctx context.Context) bool {
	return SequenceTokenFromContext(ctx).Equals(r.sequenceToken)
}

// =============================================================================
// Posting
// =============================================================================

// PostTask submits a task for execution
func (r *SingleThreadTaskRunner) PostTask(task Task) {
	r.enqueue(callerLocation(2), task, DefaultTaskTraits(), 0, nil, true)
}

// PostTaskWithTraits submits a task with traits. Priority does not reorder a
// single-thread runner; ExtensionID routes the task to a registered executor.
func (r *SingleThreadTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	r.enqueue(callerLocation(2), task, traits, 0, nil, true)
}

// PostNonNestableTask submits a task that never runs inside RunNestedUntilIdle.
// If it comes due while the loop is nested it waits for the outer loop.
func (r *SingleThreadTaskRunner) PostNonNestableTask(task Task) {
	r.enqueue(callerLocation(2), task, DefaultTaskTraits(), 0, nil, false)
}

// PostDelayedTask submits a delayed task
func (r *SingleThreadTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.enqueue(callerLocation(2), task, DefaultTaskTraits(), delay, nil, true)
}

// PostDelayedTaskWithTraits submits a delayed task with traits. Delays below
// the loop's high resolution threshold, or traits with HighResolution set,
// keep the pump on a precise timer while the task is pending.
func (r *SingleThreadTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	r.enqueue(callerLocation(2), task, traits, delay, nil, true)
}

// PostCancelableDelayedTask submits a delayed task that can be canceled
// through the returned handle. A canceled task is dropped when the loop next
// looks at the front of its delayed queue.
func (r *SingleThreadTaskRunner) PostCancelableDelayedTask(task Task, delay time.Duration) *TaskHandle {
	h := &TaskHandle{}
	wrapped := func(ctx context.Context) {
		if h.canceled.Load() {
			return
		}
		h.ran.Store(true)
		task(ctx)
	}
	if !r.enqueue(callerLocation(2), wrapped, DefaultTaskTraits(), delay, h.IsCanceled, true) {
		h.Cancel()
	}
	return h
}

// enqueue builds the PendingTask and hands it to the loop. Delayed posts made
// from the loop goroutine itself go straight into the DelayedQueue; every
// other post goes through the incoming queue and the WorkDeduplicator.
func (r *SingleThreadTaskRunner) enqueue(from Location, task Task, traits TaskTraits, delay time.Duration, isCanceled func() bool, nestable bool) bool {
	if task == nil {
		return false
	}
	if r.closed.Load() {
		r.reject("runner closed")
		return false
	}

	pt := NewDelayedPendingTask(from, task, traits, time.Now(), delay, r.cfg.HighResolutionThreshold)
	pt.SequenceNum = r.sequenceNum.Add(1)
	pt.IsCanceled = isCanceled
	pt.Nestable = nestable

	if pt.IsDelayed() && r.onLoopGoroutine() {
		r.delayed.Push(r.loopCtx, pt)
		if r.dedup.OnDelayedWorkRequested(r.loopCtx) == ScheduleImmediate {
			r.cfg.Metrics.RecordScheduleWork(r.metricName(), true)
			r.pump.ScheduleDelayedWork(DelayedWorkInfo{RunTime: pt.DelayedRunTime, HighResolution: pt.HighResolution})
		}
		return true
	}

	r.incoming.Push(pt)
	if r.dedup.OnWorkRequested() == ScheduleImmediate {
		r.cfg.Metrics.RecordScheduleWork(r.metricName(), false)
		r.pump.ScheduleWork()
	}
	return true
}

func (r *SingleThreadTaskRunner) onLoopGoroutine() bool {
	id := r.loopGoroutineID.Load()
	return id != 0 && id == currentGoroutineID()
}

func (r *SingleThreadTaskRunner) reject(reason string) {
	r.rejected.Add(1)
	name := r.metricName()
	r.cfg.RejectedTaskHandler.HandleRejectedTask(name, reason)
	r.cfg.Metrics.RecordTaskRejected(name, reason)
}

// =============================================================================
// Repeating tasks
// =============================================================================

// PostRepeatingTask submits a task that repeats at a fixed interval
func (r *SingleThreadTaskRunner) PostRepeatingTask(task Task, interval time.Duration) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithTraits(task, interval, DefaultTaskTraits())
}

// PostRepeatingTaskWithTraits submits a repeating task with traits
func (r *SingleThreadTaskRunner) PostRepeatingTaskWithTraits(
	task Task,
	interval time.Duration,
	traits TaskTraits,
) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval, traits)
}

// PostRepeatingTaskWithInitialDelay submits a repeating task with an initial delay.
// Stopping the handle cancels the pending occurrence in place.
func (r *SingleThreadTaskRunner) PostRepeatingTaskWithInitialDelay(
	task Task,
	initialDelay, interval time.Duration,
	traits TaskTraits,
) RepeatingTaskHandle {
	rt := &repeatingTask{
		task:     task,
		interval: interval,
		traits:   traits,
		from:     callerLocation(2),
		closed:   r.IsClosed,
		repost: func(rt *repeatingTask, delay time.Duration) {
			r.enqueue(rt.from, rt.run, rt.traits, delay, rt.canceled, true)
		},
	}
	rt.repost(rt, initialDelay)
	return rt
}

// =============================================================================
// TaskHandle
// =============================================================================

// TaskHandle cancels a task posted with PostCancelableDelayedTask.
type TaskHandle struct {
	canceled atomic.Bool
	ran      atomic.Bool
}

// Cancel prevents the task from running if it has not started yet.
func (h *TaskHandle) Cancel() {
	h.canceled.Store(true)
}

func (h *TaskHandle) IsCanceled() bool {
	return h.canceled.Load()
}

// HasRun reports whether the task body started.
func (h *TaskHandle) HasRun() bool {
	return h.ran.Load()
}

// =============================================================================
// Loop
// =============================================================================

func (r *SingleThreadTaskRunner) runLoop(started chan<- struct{}) {
	defer close(r.stopped)

	r.loopGoroutineID.Store(currentGoroutineID())

	ctx := WithSequenceToken(r.ctx, r.sequenceToken)
	if r.cfg.Executor != nil {
		ctx = WithTaskExecutor(ctx, r.cfg.Executor)
	}
	handle, ctx := NewThreadTaskRunnerHandle(ctx, r)
	r.loopCtx = ctx

	if r.dedup.BindToCurrentThread(ctx) == ScheduleImmediate {
		r.pump.ScheduleWork()
	}
	close(started)

	r.pump.Run(ctx, r)

	r.dedup.Unbind()
	r.dropPendingTasks(ctx)
	handle.Close(ctx)
	// The loop ctx holds the handle, which holds r.
	r.loopCtx = nil
	r.cfg.Logger.Debug("single thread runner loop exited", F("runner", r.metricName()))
}

// DoWork runs up to MaxTasksPerDoWork tasks and reports what is next. It is
// called by the pump on the loop goroutine.
func (r *SingleThreadTaskRunner) DoWork(ctx context.Context) NextWorkInfo {
	r.dedup.OnWorkStarted(ctx)

	for ran := 0; ran < r.cfg.MaxTasksPerDoWork; ran++ {
		pt, ok := r.takeNextTask(ctx)
		if !ok {
			break
		}
		r.runTask(ctx, pt)
		if r.ctx.Err() != nil {
			break
		}
	}

	r.dedup.WillCheckForMoreWork(ctx)
	next := r.nextWork(ctx)

	name := r.metricName()
	r.cfg.Metrics.RecordQueueDepth(name, r.incoming.Len()+int(r.workLen.Load()))
	r.cfg.Metrics.RecordHighResolutionTasks(name, r.delayed.HighResolutionTaskCount())

	if next.Immediate {
		r.dedup.DidCheckForMoreWork(ctx, NextTaskIsImmediate)
		return next
	}
	if r.dedup.DidCheckForMoreWork(ctx, NextTaskIsDelayed) == ScheduleImmediate {
		next.Immediate = true
	}
	return next
}

// reloadIncoming moves posted tasks into the loop-owned queues.
func (r *SingleThreadTaskRunner) reloadIncoming(ctx context.Context) {
	for _, pt := range r.incoming.TakeAll() {
		if pt.IsDelayed() {
			r.delayed.Push(ctx, pt)
			continue
		}
		r.pushWork(pt)
	}
}

func (r *SingleThreadTaskRunner) pushWork(pt PendingTask) {
	r.work = append(r.work, pt)
	r.workLen.Add(1)
}

func (r *SingleThreadTaskRunner) popWork() (PendingTask, bool) {
	if len(r.work) == 0 {
		return PendingTask{}, false
	}
	pt := r.work[0]
	r.work[0] = PendingTask{}
	r.work = r.work[1:]
	r.workLen.Add(-1)
	if len(r.work) == 0 && cap(r.work) >= compactMinCap {
		r.work = nil
	}
	return pt, true
}

// takeNextTask returns the next runnable task. At the top level, tasks
// deferred by a nested loop run first; inside a nested loop non-nestable
// tasks are parked instead.
func (r *SingleThreadTaskRunner) takeNextTask(ctx context.Context) (PendingTask, bool) {
	r.reloadIncoming(ctx)

	now := time.Now()
	for {
		pt, ok := r.delayed.PopDue(ctx, now)
		if !ok {
			break
		}
		r.pushWork(pt)
	}

	nested := r.nestingDepth > 0
	if !nested {
		if pt, ok := r.deferred.Pop(ctx); ok {
			return pt, true
		}
	}

	for {
		pt, ok := r.popWork()
		if !ok {
			return PendingTask{}, false
		}
		if pt.Canceled() {
			continue
		}
		if nested && !pt.Nestable {
			r.deferred.Push(ctx, pt)
			continue
		}
		return pt, true
	}
}

func (r *SingleThreadTaskRunner) nextWork(ctx context.Context) NextWorkInfo {
	r.reloadIncoming(ctx)

	if len(r.work) > 0 || r.deferred.HasTasks(ctx) {
		return NextWorkInfo{Immediate: true}
	}
	top, ok := r.delayed.Top(ctx)
	if !ok {
		return NextWorkInfo{}
	}
	if !top.DelayedRunTime.After(time.Now()) {
		return NextWorkInfo{Immediate: true}
	}
	return NextWorkInfo{
		DelayedRunTime: top.DelayedRunTime,
		HighResolution: r.delayed.HasPendingHighResolutionTasks(ctx),
	}
}

// runTask runs pt on the loop, or hands it to the executor its traits select.
func (r *SingleThreadTaskRunner) runTask(ctx context.Context, pt PendingTask) {
	if executor := r.cfg.Registry.GetForTraits(pt.Traits); executor != nil {
		if !executor.PostDelayedTaskWithTraits(pt.Task, 0, pt.Traits) {
			r.reject(fmt.Sprintf("executor for extension %d refused task", pt.Traits.ExtensionID))
		}
		return
	}

	taskCtx := WithTaskToken(ctx, CreateTaskToken())
	name := r.metricName()

	r.running.Add(1)
	start := time.Now()
	defer func() {
		r.running.Add(-1)
		r.lastTaskAt.Store(time.Now().UnixNano())
		r.cfg.Metrics.RecordTaskDuration(name, pt.Traits.Priority, time.Since(start))
		if rec := recover(); rec != nil {
			r.cfg.Logger.Debug("task panicked", F("runner", name), F("posted_from", pt.PostedFrom.String()))
			r.cfg.Metrics.RecordTaskPanic(name, rec)
			r.cfg.PanicHandler.HandlePanic(taskCtx, name, -1, rec, debug.Stack())
		}
	}()

	pt.Task(taskCtx)
}

// RunNestedUntilIdle runs every task that is runnable now from inside the
// current task, then returns. Non-nestable tasks are deferred until the outer
// loop resumes. It must be called from a task of this runner, and not while a
// ThreadTaskRunnerHandleOverride forbids nested loops.
func (r *SingleThreadTaskRunner) RunNestedUntilIdle(ctx context.Context) {
	DCheck(r.RunsTasksInCurrentSequence(ctx), "RunNestedUntilIdle called outside of %s", r.metricName())
	DCheck(NestedRunLoopAllowed(ctx), "RunNestedUntilIdle called while nested run loops are disallowed")

	r.nestingDepth++
	defer func() { r.nestingDepth-- }()

	for {
		pt, ok := r.takeNextTask(r.loopCtx)
		if !ok {
			return
		}
		r.runTask(r.loopCtx, pt)
	}
}

func (r *SingleThreadTaskRunner) dropPendingTasks(ctx context.Context) {
	r.incoming.Clear()
	for len(r.work) > 0 {
		r.popWork()
	}
	r.delayed.Clear(ctx)
	r.deferred.Clear(ctx)
}

// =============================================================================
// Task and Reply Pattern
// =============================================================================

// PostTaskAndReply executes task on this runner, then posts reply to replyRunner.
// If task panics, reply will not be executed.
func (r *SingleThreadTaskRunner) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) {
	postTaskAndReplyInternal(r, task, reply, replyRunner, DefaultTaskTraits())
}

// PostTaskAndReplyWithTraits allows specifying different traits for task and reply.
func (r *SingleThreadTaskRunner) PostTaskAndReplyWithTraits(
	task Task,
	taskTraits TaskTraits,
	reply Task,
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	postTaskAndReplyInternalWithTraits(r, task, taskTraits, reply, replyTraits, replyRunner)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown marks the runner as closed, signals shutdown waiters and makes the
// loop exit after the task it is running. Pending tasks are dropped. Safe to
// call from a task of this runner.
func (r *SingleThreadTaskRunner) Shutdown() {
	r.shutdownOnce.Do(func() {
		r.closed.Store(true)
		r.pump.Quit()
		r.cancel()
		close(r.shutdownChan)
	})
}

// IsClosed returns true if the runner has been shut down
func (r *SingleThreadTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stop shuts the runner down and waits for the loop goroutine to exit. Called
// from the runner's own goroutine it does not wait.
func (r *SingleThreadTaskRunner) Stop() {
	r.once.Do(func() {
		r.Shutdown()
		if r.onLoopGoroutine() {
			return
		}
		<-r.stopped
	})
}

// Stats returns a snapshot of the runner's queues and counters.
func (r *SingleThreadTaskRunner) Stats() RunnerStats {
	stats := RunnerStats{
		Name:           r.Name(),
		Type:           "single_thread",
		Pending:        r.incoming.Len() + int(r.workLen.Load()),
		Running:        int(r.running.Load()),
		Rejected:       r.rejected.Load(),
		Closed:         r.IsClosed(),
		Delayed:        r.delayed.Len(),
		Deferred:       r.deferred.Len(),
		HighResolution: r.delayed.HighResolutionTaskCount(),
		WakeUps:        r.pump.WakeUpCount(),
	}
	if ns := r.lastTaskAt.Load(); ns != 0 {
		stats.LastTaskAt = time.Unix(0, ns)
	}
	return stats
}

// WaitIdle blocks until every immediate task queued before the call has run.
// Delayed tasks that are not yet due are not waited for.
func (r *SingleThreadTaskRunner) WaitIdle(ctx context.Context) error {
	return waitBarrier(ctx, r.metricName(), r.shutdownChan, r.PostTask)
}

// FlushAsync calls callback on the loop once every task queued before it has run.
func (r *SingleThreadTaskRunner) FlushAsync(callback func()) {
	r.PostTask(func(context.Context) { callback() })
}

// WaitShutdown blocks until Shutdown is called, from outside or from a task
// on the loop.
func (r *SingleThreadTaskRunner) WaitShutdown(ctx context.Context) error {
	return waitClosed(ctx, r.shutdownChan)
}

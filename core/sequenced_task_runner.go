package core

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// SequencedTaskRunner runs its tasks one at a time, in post order, on
// whichever pool worker picks up its run loop. Each task runs with the
// runner's SequenceToken, a fresh TaskToken and a SequencedTaskRunnerHandle,
// so sequence checkers and SequencedTaskRunnerHandleGet work inside it.
//
// The runner never holds a worker between tasks: after each task the loop
// is handed back to the pool with the traits of the next pending task.
type SequencedTaskRunner struct {
	pool    ThreadPool
	pending TaskQueue

	// scheduled is true while a run loop is posted to or running on the pool.
	mu        sync.Mutex
	scheduled bool
	inLoop    atomic.Int32

	sequenceToken SequenceToken
	closed        atomic.Bool
	closedCh      chan struct{}
	closeOnce     sync.Once

	running    atomic.Int32
	rejected   atomic.Int64
	lastTaskAt atomic.Int64

	name atomic.Pointer[string]
}

func NewSequencedTaskRunner(pool ThreadPool) *SequencedTaskRunner {
	return &SequencedTaskRunner{
		pool:          pool,
		pending:       NewFIFOTaskQueue(),
		sequenceToken: CreateSequenceToken(),
		closedCh:      make(chan struct{}),
	}
}

// GetThreadPool returns the pool the runner schedules its run loop on.
func (r *SequencedTaskRunner) GetThreadPool() ThreadPool {
	return r.pool
}

func (r *SequencedTaskRunner) Name() string {
	if n := r.name.Load(); n != nil {
		return *n
	}
	return ""
}

func (r *SequencedTaskRunner) SetName(name string) {
	r.name.Store(&name)
}

// SequenceToken returns the token every task of this runner runs under.
func (r *SequencedTaskRunner) SequenceToken() SequenceToken {
	return r.sequenceToken
}

// RunsTasksInCurrentSequence reports whether ctx belongs to a task of this runner.
func (r *SequencedTaskRunner) RunsTasksInCurrentSequence(ctx context.Context) bool {
	return SequenceTokenFromContext(ctx).Equals(r.sequenceToken)
}

func (r *SequencedTaskRunner) PostTask(task Task) {
	r.enqueue(NewPendingTask(callerLocation(2), task, DefaultTaskTraits()))
}

func (r *SequencedTaskRunner) PostTaskWithTraits(task Task, traits TaskTraits) {
	r.enqueue(NewPendingTask(callerLocation(2), task, traits))
}

func (r *SequencedTaskRunner) PostDelayedTask(task Task, delay time.Duration) {
	r.PostDelayedTaskWithTraits(task, delay, DefaultTaskTraits())
}

// PostDelayedTaskWithTraits parks task in the pool's delay manager, which
// posts it back to this runner when it comes due.
func (r *SequencedTaskRunner) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) {
	if task == nil {
		return
	}
	if r.IsClosed() {
		r.reject()
		return
	}
	r.pool.PostDelayedInternal(task, delay, traits, r)
}

func (r *SequencedTaskRunner) enqueue(pt PendingTask) {
	if pt.Task == nil {
		return
	}
	if r.IsClosed() {
		r.reject()
		return
	}
	r.pending.Push(pt)

	r.mu.Lock()
	start := !r.scheduled
	r.scheduled = true
	r.mu.Unlock()
	if start {
		r.pool.PostInternal(r.runNext, pt.Traits)
	}
}

func (r *SequencedTaskRunner) reject() {
	r.rejected.Add(1)
	GetLogger().Debug("task rejected", F("runner", r.Name()), F("reason", "runner closed"))
}

// runNext is the run loop body posted to the pool: it runs one task and
// re-posts itself while work remains.
func (r *SequencedTaskRunner) runNext(ctx context.Context) {
	n := r.inLoop.Add(1)
	defer r.inLoop.Add(-1)
	Check(n == 1, "SequencedTaskRunner run loop entered %d times at once", n)

	if pt, ok := r.pending.Pop(); ok {
		r.runTask(ctx, pt)
	}

	r.mu.Lock()
	if r.pending.IsEmpty() || r.IsClosed() {
		r.scheduled = false
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	traits, _ := r.pending.PeekTraits()
	r.pool.PostInternal(r.runNext, traits)
}

func (r *SequencedTaskRunner) runTask(ctx context.Context, pt PendingTask) {
	ctx = BindSequenceForTask(ctx, r.sequenceToken)
	handle, ctx := NewSequencedTaskRunnerHandle(ctx, r)

	r.running.Add(1)
	defer func() {
		r.running.Add(-1)
		r.lastTaskAt.Store(time.Now().UnixNano())
		if rec := recover(); rec != nil {
			GetLogger().Error("task panicked",
				F("runner", r.Name()),
				F("sequence", r.sequenceToken.String()),
				F("posted_from", pt.PostedFrom.String()),
				F("panic", rec),
				F("stack", string(debug.Stack())))
		}
		handle.Close(ctx)
	}()

	if pt.Canceled() {
		return
	}
	pt.Task(ctx)
}

// =============================================================================
// Repeating tasks
// =============================================================================

func (r *SequencedTaskRunner) PostRepeatingTask(task Task, interval time.Duration) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval, DefaultTaskTraits())
}

func (r *SequencedTaskRunner) PostRepeatingTaskWithTraits(task Task, interval time.Duration, traits TaskTraits) RepeatingTaskHandle {
	return r.PostRepeatingTaskWithInitialDelay(task, 0, interval, traits)
}

// PostRepeatingTaskWithInitialDelay runs task after initialDelay and then
// every interval, until the handle is stopped or the runner shuts down.
func (r *SequencedTaskRunner) PostRepeatingTaskWithInitialDelay(
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
			if delay > 0 {
				r.PostDelayedTaskWithTraits(rt.run, delay, rt.traits)
				return
			}
			pt := NewPendingTask(rt.from, rt.run, rt.traits)
			pt.IsCanceled = rt.canceled
			r.enqueue(pt)
		},
	}
	rt.repost(rt, initialDelay)
	return rt
}

// =============================================================================
// Lifecycle
// =============================================================================

// Shutdown closes the runner: new posts are rejected, pending tasks are
// dropped and repeating tasks stop at their next occurrence. A task that is
// already running finishes.
func (r *SequencedTaskRunner) Shutdown() {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		r.pending.Clear()
		close(r.closedCh)
	})
}

func (r *SequencedTaskRunner) IsClosed() bool {
	return r.closed.Load()
}

// Stats returns a snapshot of the runner's queue and counters.
func (r *SequencedTaskRunner) Stats() RunnerStats {
	stats := RunnerStats{
		Name:     r.Name(),
		Type:     "sequenced",
		Pending:  r.pending.Len(),
		Running:  int(r.running.Load()),
		Rejected: r.rejected.Load(),
		Closed:   r.IsClosed(),
	}
	if ns := r.lastTaskAt.Load(); ns != 0 {
		stats.LastTaskAt = time.Unix(0, ns)
	}
	return stats
}

// WaitIdle blocks until every task posted before the call has run.
func (r *SequencedTaskRunner) WaitIdle(ctx context.Context) error {
	return waitBarrier(ctx, "sequenced runner", r.closedCh, r.PostTask)
}

// FlushAsync calls callback on the sequence once every task posted before it has run.
func (r *SequencedTaskRunner) FlushAsync(callback func()) {
	r.PostTask(func(context.Context) { callback() })
}

// WaitShutdown blocks until Shutdown is called, from outside or from one of
// the runner's own tasks.
func (r *SequencedTaskRunner) WaitShutdown(ctx context.Context) error {
	return waitClosed(ctx, r.closedCh)
}

// PostTaskAndReply runs task here and, unless it panics, posts reply to replyRunner.
func (r *SequencedTaskRunner) PostTaskAndReply(task Task, reply Task, replyRunner TaskRunner) {
	postTaskAndReplyInternal(r, task, reply, replyRunner, DefaultTaskTraits())
}

// PostTaskAndReplyWithTraits is PostTaskAndReply with separate traits for
// the task and the reply.
func (r *SequencedTaskRunner) PostTaskAndReplyWithTraits(
	task Task,
	taskTraits TaskTraits,
	reply Task,
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	postTaskAndReplyInternalWithTraits(r, task, taskTraits, reply, replyTraits, replyRunner)
}

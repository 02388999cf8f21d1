package core

import (
	"context"
	"sync/atomic"
)

// DeferredQueue is a strict FIFO hand-off buffer for tasks that came due
// while the loop was nested and were not allowed to run there. It neither
// reorders nor looks at cancellation.
type DeferredQueue struct {
	tasks           []PendingTask
	size            atomic.Int64
	sequenceChecker *SequenceChecker
}

func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{
		tasks:           make([]PendingTask, 0, defaultQueueCap),
		sequenceChecker: NewDetachedSequenceChecker(),
	}
}

func (q *DeferredQueue) Push(ctx context.Context, pt PendingTask) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DeferredQueue.Push")
	q.tasks = append(q.tasks, pt)
	q.size.Add(1)
}

func (q *DeferredQueue) Pop(ctx context.Context) (PendingTask, bool) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DeferredQueue.Pop")
	if len(q.tasks) == 0 {
		return PendingTask{}, false
	}
	pt := q.tasks[0]
	q.tasks[0] = PendingTask{}
	q.tasks = q.tasks[1:]
	q.size.Add(-1)
	if len(q.tasks) == 0 && cap(q.tasks) >= compactMinCap {
		q.tasks = make([]PendingTask, 0, defaultQueueCap)
	}
	return pt, true
}

func (q *DeferredQueue) HasTasks(ctx context.Context) bool {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DeferredQueue.HasTasks")
	return len(q.tasks) > 0
}

// Clear drops every task without running it.
func (q *DeferredQueue) Clear(ctx context.Context) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DeferredQueue.Clear")
	q.tasks = make([]PendingTask, 0, defaultQueueCap)
	q.size.Store(0)
}

// Len is safe from any goroutine.
func (q *DeferredQueue) Len() int {
	return int(q.size.Load())
}

package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// delayedKey orders the delayed queue: due time first, post order second.
// runAt is kept as a time.Time: UnixNano overflows past 2262, and a huge
// delay must still sort last.
type delayedKey struct {
	runAt time.Time
	seq   uint64
}

func compareDelayedKeys(a, b any) int {
	ka, kb := a.(delayedKey), b.(delayedKey)
	switch {
	case ka.runAt.Before(kb.runAt):
		return -1
	case ka.runAt.After(kb.runAt):
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

func delayedKeyOf(pt *PendingTask) delayedKey {
	return delayedKey{runAt: pt.DelayedRunTime, seq: pt.SequenceNum}
}

// DelayedQueue holds delayed tasks ordered by (DelayedRunTime, SequenceNum)
// and counts the pending high-resolution ones.
//
// All methods except Len and HighResolutionTaskCount must run on the owning
// sequence. The checker starts detached because the owner may be built on
// one sequence and run on another.
//
// Canceled tasks are not removed eagerly: HasTasks (and everything that
// peeks) drops canceled entries from the front until a live one surfaces.
type DelayedQueue struct {
	tree            *redblacktree.Tree
	size            atomic.Int64
	highResCount    atomic.Int64
	sequenceChecker *SequenceChecker
}

func NewDelayedQueue() *DelayedQueue {
	return &DelayedQueue{
		tree:            redblacktree.NewWith(compareDelayedKeys),
		sequenceChecker: NewDetachedSequenceChecker(),
	}
}

// Push inserts pt. Its (DelayedRunTime, SequenceNum) pair must be unique.
func (q *DelayedQueue) Push(ctx context.Context, pt PendingTask) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DelayedQueue.Push")

	key := delayedKeyOf(&pt)
	_, dup := q.tree.Get(key)
	DCheck(!dup, "DelayedQueue already holds a task due %v with sequence number %d", pt.DelayedRunTime, pt.SequenceNum)
	if dup {
		return
	}

	if pt.HighResolution {
		q.highResCount.Add(1)
	}
	task := pt
	q.tree.Put(key, &task)
	q.size.Add(1)
}

// Top returns the earliest task without removing it. Canceled tasks at the
// front are swept first.
func (q *DelayedQueue) Top(ctx context.Context) (*PendingTask, bool) {
	if !q.HasTasks(ctx) {
		return nil, false
	}
	return q.tree.Left().Value.(*PendingTask), true
}

// Pop removes and returns the earliest task. It does not consult the
// cancellation predicate; callers peek through HasTasks or Top first.
func (q *DelayedQueue) Pop(ctx context.Context) (PendingTask, bool) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DelayedQueue.Pop")
	return q.popLocked()
}

// PopDue pops the earliest live task if it is due at now.
func (q *DelayedQueue) PopDue(ctx context.Context, now time.Time) (PendingTask, bool) {
	top, ok := q.Top(ctx)
	if !ok || top.DelayedRunTime.After(now) {
		return PendingTask{}, false
	}
	return q.Pop(ctx)
}

// HasTasks reports whether a live task is queued, discarding every canceled
// task it finds at the front on the way.
func (q *DelayedQueue) HasTasks(ctx context.Context) bool {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DelayedQueue.HasTasks")
	for {
		node := q.tree.Left()
		if node == nil {
			return false
		}
		if !node.Value.(*PendingTask).Canceled() {
			return true
		}
		q.popLocked()
	}
}

// NextRunTime returns the due time of the earliest live task.
func (q *DelayedQueue) NextRunTime(ctx context.Context) (time.Time, bool) {
	top, ok := q.Top(ctx)
	if !ok {
		return time.Time{}, false
	}
	return top.DelayedRunTime, true
}

// Clear drops every task without running it.
func (q *DelayedQueue) Clear(ctx context.Context) {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DelayedQueue.Clear")
	q.tree.Clear()
	q.size.Store(0)
	q.highResCount.Store(0)
}

// HasPendingHighResolutionTasks reports whether any queued task, canceled or
// not yet swept, asked for a precise timer.
func (q *DelayedQueue) HasPendingHighResolutionTasks(ctx context.Context) bool {
	q.sequenceChecker.DCheckCalledOnValidSequence(ctx, "DelayedQueue.HasPendingHighResolutionTasks")
	return q.highResCount.Load() > 0
}

// Len returns the number of queued entries, including canceled ones that
// have not been swept yet. Safe from any goroutine.
func (q *DelayedQueue) Len() int {
	return int(q.size.Load())
}

// HighResolutionTaskCount is safe from any goroutine.
func (q *DelayedQueue) HighResolutionTaskCount() int {
	return int(q.highResCount.Load())
}

func (q *DelayedQueue) popLocked() (PendingTask, bool) {
	node := q.tree.Left()
	if node == nil {
		return PendingTask{}, false
	}
	q.tree.Remove(node.Key)
	q.size.Add(-1)

	pt := node.Value.(*PendingTask)
	if pt.HighResolution {
		n := q.highResCount.Add(-1)
		DCheck(n >= 0, "DelayedQueue high resolution count went negative (%d)", n)
	}
	return *pt, true
}

package core

import (
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"
	"github.com/emirpasic/gods/queues/priorityqueue"
)

const (
	defaultQueueCap = 16
	// Slices owned by a loop are reallocated once drained if they grew past this.
	compactMinCap = 64
)

// TaskQueue is a goroutine-safe queue of posted tasks. Unlike DelayedQueue and
// DeferredQueue it may be pushed to from any goroutine; it is the incoming
// side of a runner and the ready queue of the thread pool scheduler.
type TaskQueue interface {
	Push(pt PendingTask)
	Pop() (PendingTask, bool)
	PeekTraits() (TaskTraits, bool)
	Len() int
	IsEmpty() bool
	Clear()
}

var (
	_ TaskQueue = (*FIFOTaskQueue)(nil)
	_ TaskQueue = (*PriorityTaskQueue)(nil)
)

// FIFOTaskQueue hands tasks out in push order, ignoring priority.
type FIFOTaskQueue struct {
	mu    sync.Mutex
	tasks *linkedlistqueue.Queue
}

func NewFIFOTaskQueue() *FIFOTaskQueue {
	return &FIFOTaskQueue{tasks: linkedlistqueue.New()}
}

func (q *FIFOTaskQueue) Push(pt PendingTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.Enqueue(pt)
}

func (q *FIFOTaskQueue) Pop() (PendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.tasks.Dequeue()
	if !ok {
		return PendingTask{}, false
	}
	return v.(PendingTask), true
}

// TakeAll removes and returns the whole backlog in one critical section.
func (q *FIFOTaskQueue) TakeAll() []PendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks.Empty() {
		return nil
	}
	values := q.tasks.Values()
	q.tasks.Clear()
	batch := make([]PendingTask, len(values))
	for i, v := range values {
		batch[i] = v.(PendingTask)
	}
	return batch
}

func (q *FIFOTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.tasks.Peek()
	if !ok {
		return TaskTraits{}, false
	}
	return v.(PendingTask).Traits, true
}

func (q *FIFOTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Size()
}

func (q *FIFOTaskQueue) IsEmpty() bool { return q.Len() == 0 }

// Clear drops every queued task.
func (q *FIFOTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.Clear()
}

// rankedTask is a PriorityTaskQueue entry; seq keeps equal priorities FIFO.
type rankedTask struct {
	pt  PendingTask
	seq uint64
}

// byRank sorts higher priority first, then lower seq first.
func byRank(a, b any) int {
	x, y := a.(rankedTask), b.(rankedTask)
	switch {
	case x.pt.Traits.Priority > y.pt.Traits.Priority:
		return -1
	case x.pt.Traits.Priority < y.pt.Traits.Priority:
		return 1
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	}
	return 0
}

// PriorityTaskQueue hands out the highest priority task first, in push order
// within a priority.
type PriorityTaskQueue struct {
	mu    sync.Mutex
	tasks *priorityqueue.Queue
	seq   uint64
}

func NewPriorityTaskQueue() *PriorityTaskQueue {
	return &PriorityTaskQueue{tasks: priorityqueue.NewWith(byRank)}
}

func (q *PriorityTaskQueue) Push(pt PendingTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.Enqueue(rankedTask{pt: pt, seq: q.seq})
	q.seq++
}

func (q *PriorityTaskQueue) Pop() (PendingTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.tasks.Dequeue()
	if !ok {
		return PendingTask{}, false
	}
	return v.(rankedTask).pt, true
}

func (q *PriorityTaskQueue) PeekTraits() (TaskTraits, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.tasks.Peek()
	if !ok {
		return TaskTraits{}, false
	}
	return v.(rankedTask).pt.Traits, true
}

func (q *PriorityTaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Size()
}

func (q *PriorityTaskQueue) IsEmpty() bool { return q.Len() == 0 }

// Clear drops every queued task.
func (q *PriorityTaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks.Clear()
}

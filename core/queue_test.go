package core

import (
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func pending(category string, priority TaskPriority) PendingTask {
	return NewPendingTask(FromHere(), func(context.Context) {}, TaskTraits{Category: category, Priority: priority})
}

// drain pops q until it is empty and returns the categories in pop order.
func drain(q TaskQueue) []string {
	var out []string
	for pt, ok := q.Pop(); ok; pt, ok = q.Pop() {
		out = append(out, pt.Traits.Category)
	}
	return out
}

// TestTaskQueue_PopOrder verifies each queue's ordering policy
// Given: the same mixed-priority pushes into a FIFO and a priority queue
// When: each queue is drained
// Then: FIFO keeps push order and priority orders by priority, then push order
func TestTaskQueue_PopOrder(t *testing.T) {
	pushes := []PendingTask{
		pending("log-1", TaskPriorityBestEffort),
		pending("paint", TaskPriorityUserBlocking),
		pending("fetch", TaskPriorityUserVisible),
		pending("log-2", TaskPriorityBestEffort),
		pending("input", TaskPriorityUserBlocking),
	}
	tests := []struct {
		name  string
		queue TaskQueue
		want  []string
	}{
		{"FIFO", NewFIFOTaskQueue(), []string{"log-1", "paint", "fetch", "log-2", "input"}},
		{"Priority", NewPriorityTaskQueue(), []string{"paint", "input", "fetch", "log-1", "log-2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			for _, pt := range pushes {
				tt.queue.Push(pt)
			}

			// Act
			got := drain(tt.queue)

			// Assert
			if !slices.Equal(got, tt.want) {
				t.Errorf("pop order = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestTaskQueue_PeekLenClear verifies the read-only accessors and Clear
// Given: a FIFO and a priority queue holding a best-effort then a user-blocking task
// When: PeekTraits, Len and Clear are used
// Then: Peek reports the next task without removing it and Clear empties the queue for reuse
func TestTaskQueue_PeekLenClear(t *testing.T) {
	tests := []struct {
		name     string
		queue    TaskQueue
		wantPeek TaskPriority
	}{
		{"FIFO", NewFIFOTaskQueue(), TaskPriorityBestEffort},
		{"Priority", NewPriorityTaskQueue(), TaskPriorityUserBlocking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			q := tt.queue
			if _, ok := q.PeekTraits(); ok || !q.IsEmpty() {
				t.Fatal("new queue is not empty")
			}
			q.Push(pending("a", TaskPriorityBestEffort))
			q.Push(pending("b", TaskPriorityUserBlocking))

			// Act
			traits, ok := q.PeekTraits()
			lenAfterPeek := q.Len()
			q.Clear()
			q.Push(pending("c", TaskPriorityUserVisible))

			// Assert
			if !ok || traits.Priority != tt.wantPeek || lenAfterPeek != 2 {
				t.Errorf("PeekTraits = %v, %v with Len %d", traits.Priority, ok, lenAfterPeek)
			}
			if got := drain(q); !slices.Equal(got, []string{"c"}) {
				t.Errorf("after Clear and Push, drained %v", got)
			}
		})
	}
}

// TestTaskQueue_ConcurrentPush verifies pushes from many goroutines are all kept
// Given: a FIFO and a priority queue
// When: eight goroutines push 250 tasks each
// Then: each queue holds all 2000 tasks and per-goroutine order survives in the FIFO queue
func TestTaskQueue_ConcurrentPush(t *testing.T) {
	tests := []struct {
		name  string
		queue TaskQueue
	}{
		{"FIFO", NewFIFOTaskQueue()},
		{"Priority", NewPriorityTaskQueue()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			var wg sync.WaitGroup
			producers := []string{"a", "b", "c", "d", "e", "f", "g", "h"}

			// Act
			for _, p := range producers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for range 250 {
						tt.queue.Push(pending(p, TaskPriorityUserVisible))
					}
				}()
			}
			wg.Wait()

			// Assert
			if got := tt.queue.Len(); got != 2000 {
				t.Fatalf("Len = %d, want 2000", got)
			}
			counts := map[string]int{}
			for _, c := range drain(tt.queue) {
				counts[c]++
			}
			for _, p := range producers {
				if counts[p] != 250 {
					t.Errorf("producer %s: %d tasks, want 250", p, counts[p])
				}
			}
		})
	}
}

// TestFIFOTaskQueue_TakeAll verifies the backlog swap used by the loop
// Given: a FIFO queue with three tasks
// When: TakeAll is called twice
// Then: the first call returns all three in order and the second returns nothing
func TestFIFOTaskQueue_TakeAll(t *testing.T) {
	// Arrange
	q := NewFIFOTaskQueue()
	for _, c := range []string{"a", "b", "c"} {
		q.Push(pending(c, TaskPriorityUserVisible))
	}

	// Act
	first := q.TakeAll()
	second := q.TakeAll()

	// Assert
	got := make([]string, len(first))
	for i, pt := range first {
		got[i] = pt.Traits.Category
	}
	if !slices.Equal(got, []string{"a", "b", "c"}) || second != nil || !q.IsEmpty() {
		t.Errorf("TakeAll = %v then %d tasks, Len %d", got, len(second), q.Len())
	}
}

// TestNewDelayedPendingTask_HighResolution verifies the high resolution flag
// Given: a 32ms threshold
// When: tasks with various delays and traits are built
// Then: only delays under the threshold, or traits asking for it, are high resolution
func TestNewDelayedPendingTask_HighResolution(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		delay  time.Duration
		traits TaskTraits
		want   bool
	}{
		{"immediate", 0, TaskTraits{}, false},
		{"short delay", 10 * time.Millisecond, TaskTraits{}, true},
		{"long delay", time.Second, TaskTraits{}, false},
		{"long delay with trait", time.Second, TaskTraits{HighResolution: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			pt := NewDelayedPendingTask(FromHere(), func(context.Context) {}, tt.traits, now, tt.delay, 32*time.Millisecond)

			// Assert
			if pt.HighResolution != tt.want || pt.IsDelayed() != (tt.delay > 0) {
				t.Errorf("HighResolution = %v, IsDelayed = %v", pt.HighResolution, pt.IsDelayed())
			}
		})
	}
}

// TestPendingTask_Less verifies delayed ordering
// Given: two tasks due at the same time and one due a millisecond earlier
// When: they are compared
// Then: due time decides first and sequence number breaks ties
func TestPendingTask_Less(t *testing.T) {
	// Arrange
	now := time.Now()
	later := PendingTask{DelayedRunTime: now, SequenceNum: 2}
	sooner := PendingTask{DelayedRunTime: now, SequenceNum: 1}
	earliest := PendingTask{DelayedRunTime: now.Add(-time.Millisecond), SequenceNum: 9}

	// Act & Assert
	if !sooner.Less(&later) || later.Less(&sooner) {
		t.Error("equal run times should order by sequence number")
	}
	if !earliest.Less(&sooner) {
		t.Error("earlier run time should come first regardless of sequence number")
	}
}

// TestFromHere verifies the posting location names the caller's file
func TestFromHere(t *testing.T) {
	loc := FromHere()
	if loc.IsZero() || !strings.Contains(loc.String(), "queue_test.go") {
		t.Errorf("FromHere() = %q, want a location in queue_test.go", loc.String())
	}
}

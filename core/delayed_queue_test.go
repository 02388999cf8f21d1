package core

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"
)

// delayedTask builds a delayed PendingTask named by its traits category.
func delayedTask(name string, base time.Time, delay time.Duration, seq uint64, highRes bool) PendingTask {
	pt := NewPendingTask(FromHere(), func(context.Context) {}, TaskTraits{Category: name})
	pt.Delay = delay
	pt.DelayedRunTime = base.Add(delay)
	pt.SequenceNum = seq
	pt.HighResolution = highRes
	return pt
}

// TestDelayedQueue_OrderByRunTimeThenSequence verifies pop order
// Given: tasks pushed out of order, two of them sharing a due time
// When: the queue is drained
// Then: tasks come out by due time and ties break by sequence number
func TestDelayedQueue_OrderByRunTimeThenSequence(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()

	q.Push(ctx, delayedTask("c", base, 30*time.Millisecond, 1, false))
	q.Push(ctx, delayedTask("b2", base, 20*time.Millisecond, 5, false))
	q.Push(ctx, delayedTask("a", base, 10*time.Millisecond, 9, false))
	q.Push(ctx, delayedTask("b1", base, 20*time.Millisecond, 3, false))

	// Act
	var got []string
	for q.HasTasks(ctx) {
		pt, _ := q.Pop(ctx)
		got = append(got, pt.Traits.Category)
	}

	// Assert
	want := []string{"a", "b1", "b2", "c"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

// TestDelayedQueue_CanceledFrontIsSwept verifies lazy cancellation
// Given: a canceled task at the front and a live one behind it
// When: the queue is peeked
// Then: the canceled task is discarded and the live one surfaces
func TestDelayedQueue_CanceledFrontIsSwept(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()

	var canceled atomic.Bool
	first := delayedTask("canceled", base, 10*time.Millisecond, 1, true)
	first.IsCanceled = canceled.Load
	q.Push(ctx, first)
	q.Push(ctx, delayedTask("live", base, 20*time.Millisecond, 2, false))

	if got := q.HighResolutionTaskCount(); got != 1 {
		t.Fatalf("HighResolutionTaskCount = %d, want 1", got)
	}

	// Act
	canceled.Store(true)
	top, ok := q.Top(ctx)

	// Assert
	if !ok || top.Traits.Category != "live" {
		t.Fatalf("Top = %v, %v; want the live task", top, ok)
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1 after sweep", q.Len())
	}
	if q.HasPendingHighResolutionTasks(ctx) {
		t.Error("sweeping the canceled task should drop its high resolution count")
	}
	next, ok := q.NextRunTime(ctx)
	if !ok || !next.Equal(base.Add(20*time.Millisecond)) {
		t.Errorf("NextRunTime = %v, %v; want %v", next, ok, base.Add(20*time.Millisecond))
	}
}

// TestDelayedQueue_PopDue tests due-time gating
// Given: one task due in 10ms and one due in an hour
// When: PopDue is called before, at and after the first due time
// Then: only the due task is returned
func TestDelayedQueue_PopDue(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()
	q.Push(ctx, delayedTask("soon", base, 10*time.Millisecond, 1, false))
	q.Push(ctx, delayedTask("later", base, time.Hour, 2, false))

	// Act & Assert
	if _, ok := q.PopDue(ctx, base); ok {
		t.Fatal("PopDue before anything is due returned a task")
	}
	pt, ok := q.PopDue(ctx, base.Add(10*time.Millisecond))
	if !ok || pt.Traits.Category != "soon" {
		t.Fatalf("PopDue = %v, %v; want the due task", pt.Traits.Category, ok)
	}
	if _, ok := q.PopDue(ctx, base.Add(time.Minute)); ok {
		t.Fatal("PopDue returned a task that is not due")
	}
}

// TestDelayedQueue_MaxDelaySortsLast tests ordering at the far end of the clock
// Given: a task posted with the largest possible delay, then a 1ms task
// When: the queue is peeked and drained at the 1ms due time
// Then: the 1ms task comes first and the far task stays queued
func TestDelayedQueue_MaxDelaySortsLast(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	now := time.Now()
	far := NewDelayedPendingTask(FromHere(), func(context.Context) {}, TaskTraits{Category: "far"},
		now, time.Duration(math.MaxInt64), 0)
	far.SequenceNum = 1
	near := NewDelayedPendingTask(FromHere(), func(context.Context) {}, TaskTraits{Category: "near"},
		now, time.Millisecond, 0)
	near.SequenceNum = 2
	q.Push(ctx, far)
	q.Push(ctx, near)

	// Act
	top, ok := q.Top(ctx)
	popped, due := q.PopDue(ctx, now.Add(time.Millisecond))

	// Assert
	if !ok || top.Traits.Category != "near" {
		t.Fatalf("Top = %v, %v; want the near task", top, ok)
	}
	if !due || popped.Traits.Category != "near" {
		t.Fatalf("PopDue = %v, %v; want the near task", popped.Traits.Category, due)
	}
	if _, ok := q.PopDue(ctx, now.Add(24*time.Hour)); ok {
		t.Error("far task popped a day later")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
}

// TestDelayedQueue_CanceledEntryBehindDueTasks tests a canceled task left at the back
// Given: a 100ms task and two 50ms tasks with sequence numbers 5 and 6
// When: the 100ms task is canceled and both 50ms tasks are popped
// Then: HasTasks reports false and the canceled entry is gone
func TestDelayedQueue_CanceledEntryBehindDueTasks(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()
	var canceled atomic.Bool
	slow := delayedTask("100ms", base, 100*time.Millisecond, 4, false)
	slow.IsCanceled = canceled.Load
	q.Push(ctx, slow)
	q.Push(ctx, delayedTask("50ms#5", base, 50*time.Millisecond, 5, false))
	q.Push(ctx, delayedTask("50ms#6", base, 50*time.Millisecond, 6, false))

	// Act
	canceled.Store(true)
	var got []string
	for range 2 {
		pt, ok := q.PopDue(ctx, base.Add(50*time.Millisecond))
		if !ok {
			t.Fatalf("PopDue failed after %v", got)
		}
		got = append(got, pt.Traits.Category)
	}

	// Assert
	if got[0] != "50ms#5" || got[1] != "50ms#6" {
		t.Fatalf("order = %v, want [50ms#5 50ms#6]", got)
	}
	if q.HasTasks(ctx) {
		t.Error("HasTasks = true with only a canceled task left")
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0 after the sweep", q.Len())
	}
}

// TestDelayedQueue_AllCanceled tests a queue holding nothing but canceled tasks
// Given: three queued tasks, two of them high resolution
// When: all three are canceled
// Then: HasTasks is false, and the sweep empties the queue and its high resolution count
func TestDelayedQueue_AllCanceled(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()
	var canceled atomic.Bool
	for i, highRes := range []bool{true, false, true} {
		pt := delayedTask("t", base, time.Duration(i+1)*time.Millisecond, uint64(i+1), highRes)
		pt.IsCanceled = canceled.Load
		q.Push(ctx, pt)
	}

	// Act
	canceled.Store(true)
	has := q.HasTasks(ctx)

	// Assert
	if has {
		t.Fatal("HasTasks = true when every task is canceled")
	}
	if _, ok := q.Top(ctx); ok {
		t.Error("Top returned a canceled task")
	}
	if q.Len() != 0 || q.HighResolutionTaskCount() != 0 {
		t.Errorf("after sweep: Len=%d HighRes=%d, want 0 and 0", q.Len(), q.HighResolutionTaskCount())
	}
}

// TestDelayedQueue_HighResolutionCountTracksContents tests the counter under churn
// Given: a queue receiving a seeded random mix of pushes, pops, cancellations and sweeps
// When: each operation completes
// Then: the high resolution count equals the flagged entries still in the tree
func TestDelayedQueue_HighResolutionCountTracksContents(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()
	rng := rand.New(rand.NewPCG(7, 11))
	var flags []*atomic.Bool
	var seq uint64

	check := func(step int) {
		t.Helper()
		flagged := 0
		for _, v := range q.tree.Values() {
			if v.(*PendingTask).HighResolution {
				flagged++
			}
		}
		if got := q.HighResolutionTaskCount(); got != flagged {
			t.Fatalf("step %d: HighResolutionTaskCount = %d, want %d", step, got, flagged)
		}
		if q.Len() != q.tree.Size() {
			t.Fatalf("step %d: Len = %d, tree holds %d", step, q.Len(), q.tree.Size())
		}
	}

	// Act & Assert
	for step := range 2000 {
		switch op := rng.IntN(10); {
		case op < 5:
			seq++
			canceled := &atomic.Bool{}
			flags = append(flags, canceled)
			pt := delayedTask("r", base, time.Duration(rng.IntN(500))*time.Millisecond, seq, rng.IntN(2) == 0)
			pt.IsCanceled = canceled.Load
			q.Push(ctx, pt)
		case op < 7:
			if q.HasTasks(ctx) {
				q.Pop(ctx)
			}
		case op < 9:
			if len(flags) > 0 {
				flags[rng.IntN(len(flags))].Store(true)
			}
		default:
			q.PopDue(ctx, base.Add(time.Duration(rng.IntN(500))*time.Millisecond))
		}
		check(step)
	}
}

// TestDelayedQueue_ClearResetsCounters tests Clear
// Given: a queue with a high resolution task and a normal one
// When: the queue is cleared
// Then: size, high resolution count and HasTasks all report empty
func TestDelayedQueue_ClearResetsCounters(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDelayedQueue()
	base := time.Now()
	q.Push(ctx, delayedTask("a", base, time.Millisecond, 1, true))
	q.Push(ctx, delayedTask("b", base, time.Second, 2, false))

	// Act
	q.Clear(ctx)

	// Assert
	if q.Len() != 0 || q.HighResolutionTaskCount() != 0 || q.HasTasks(ctx) {
		t.Errorf("after Clear: Len=%d HighRes=%d HasTasks=%v", q.Len(), q.HighResolutionTaskCount(), q.HasTasks(ctx))
	}
}

// TestDelayedQueue_Contracts tests misuse detection
// Given: a delayed queue bound to one sequence
// When: a duplicate key is pushed or the queue is used from another sequence
// Then: each misuse is reported as a contract violation
func TestDelayedQueue_Contracts(t *testing.T) {
	if !DCheckIsOn() {
		t.Skip("dcheck is off")
	}

	t.Run("DuplicateKey", func(t *testing.T) {
		// Arrange
		ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
		q := NewDelayedQueue()
		base := time.Now()
		q.Push(ctx, delayedTask("a", base, time.Second, 1, false))

		// Act & Assert
		expectContractViolation(t, "already holds a task", func() {
			q.Push(ctx, delayedTask("b", base, time.Second, 1, false))
		})
	})

	t.Run("WrongSequence", func(t *testing.T) {
		// Arrange
		q := NewDelayedQueue()
		q.Push(WithSequenceToken(context.Background(), CreateSequenceToken()),
			delayedTask("a", time.Now(), time.Second, 1, false))

		// Act & Assert
		expectContractViolation(t, "DelayedQueue.Pop called on the wrong sequence", func() {
			q.Pop(WithSequenceToken(context.Background(), CreateSequenceToken()))
		})
	})
}

// TestDeferredQueue_FIFO tests the deferred queue
// Given: three tasks pushed in order
// When: the queue is drained and then cleared
// Then: tasks come out first-in first-out and Clear leaves it empty
func TestDeferredQueue_FIFO(t *testing.T) {
	// Arrange
	ctx := WithSequenceToken(context.Background(), CreateSequenceToken())
	q := NewDeferredQueue()
	if q.HasTasks(ctx) {
		t.Fatal("new queue has tasks")
	}
	for _, name := range []string{"x", "y", "z"} {
		q.Push(ctx, NewPendingTask(FromHere(), func(context.Context) {}, TaskTraits{Category: name}))
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	// Act
	var got []string
	for {
		pt, ok := q.Pop(ctx)
		if !ok {
			break
		}
		got = append(got, pt.Traits.Category)
	}
	q.Push(ctx, NewPendingTask(FromHere(), func(context.Context) {}, DefaultTaskTraits()))
	q.Clear(ctx)

	// Assert
	if len(got) != 3 || got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Errorf("order = %v, want [x y z]", got)
	}
	if q.Len() != 0 || q.HasTasks(ctx) {
		t.Errorf("after Clear: Len=%d HasTasks=%v", q.Len(), q.HasTasks(ctx))
	}
}

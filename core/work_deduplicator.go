package core

import (
	"context"
	"sync/atomic"
)

// ShouldScheduleWork tells the caller whether the host pump must be signaled.
type ShouldScheduleWork int

const (
	NotNeeded ShouldScheduleWork = iota
	ScheduleImmediate
)

func (s ShouldScheduleWork) String() string {
	if s == ScheduleImmediate {
		return "ScheduleImmediate"
	}
	return "NotNeeded"
}

// NextTask is what the loop found when it looked for more work.
type NextTask int

const (
	NextTaskIsImmediate NextTask = iota
	NextTaskIsDelayed
)

// Bits of WorkDeduplicator.state. The named states are combinations:
// Unbound=0, Idle=bound, DoWorkPending=bound|pending, InDoWork=bound|inDoWork.
const (
	boundFlag         int32 = 1 << 0
	pendingDoWorkFlag int32 = 1 << 1
	inDoWorkFlag      int32 = 1 << 2

	stateUnbound       = int32(0)
	stateIdle          = boundFlag
	stateDoWorkPending = boundFlag | pendingDoWorkFlag
	stateInDoWork      = boundFlag | inDoWorkFlag
)

// WorkDeduplicator decides, for every post and every pass of the run loop,
// whether the host pump needs a wake-up. A wake-up is requested exactly when
// the loop would otherwise miss work, and never while it is already pending
// or inside DoWork.
//
// OnWorkRequested may be called from any goroutine. Every other method
// belongs to the bound loop and is checked with a ThreadChecker.
type WorkDeduplicator struct {
	state         atomic.Int32
	threadChecker *ThreadChecker
}

func NewWorkDeduplicator() *WorkDeduplicator {
	return &WorkDeduplicator{threadChecker: NewDetachedThreadChecker()}
}

// BindToCurrentThread associates the deduplicator with the calling loop.
// Work requested before binding is reported as ScheduleImmediate here.
func (d *WorkDeduplicator) BindToCurrentThread(ctx context.Context) ShouldScheduleWork {
	DCheck(d.threadChecker.CalledOnValidThread(ctx), "WorkDeduplicator bound from the wrong thread")
	prev := d.state.Or(boundFlag)
	DCheck(prev&boundFlag == 0, "WorkDeduplicator can't be bound twice")
	if prev&pendingDoWorkFlag != 0 {
		return ScheduleImmediate
	}
	return NotNeeded
}

// Unbind returns the deduplicator to the unbound state so the owning loop can
// be torn down. Pending work is forgotten.
func (d *WorkDeduplicator) Unbind() {
	d.state.Store(stateUnbound)
	d.threadChecker.DetachFromThread()
}

// OnWorkRequested records that a task was posted. Only the caller that finds
// the loop idle is told to schedule a wake-up.
func (d *WorkDeduplicator) OnWorkRequested() ShouldScheduleWork {
	if d.state.Or(pendingDoWorkFlag) == stateIdle {
		return ScheduleImmediate
	}
	return NotNeeded
}

// OnDelayedWorkRequested is called on the bound loop when the earliest
// delayed run time changed. Inside DoWork the loop recomputes its timer anyway.
func (d *WorkDeduplicator) OnDelayedWorkRequested(ctx context.Context) ShouldScheduleWork {
	d.dcheckBound(ctx, "OnDelayedWorkRequested")
	if d.state.Load()&inDoWorkFlag != 0 {
		return NotNeeded
	}
	return ScheduleImmediate
}

// OnWorkStarted marks the start of a DoWork pass and clears the pending bit.
func (d *WorkDeduplicator) OnWorkStarted(ctx context.Context) {
	d.dcheckBound(ctx, "OnWorkStarted")
	d.state.Store(stateInDoWork)
}

// WillCheckForMoreWork is called right before the loop looks for more work.
// Posts landing after this point are caught by DidCheckForMoreWork.
func (d *WorkDeduplicator) WillCheckForMoreWork(ctx context.Context) {
	d.dcheckBound(ctx, "WillCheckForMoreWork")
	d.state.Store(stateInDoWork)
}

// DidCheckForMoreWork ends the pass. If the loop itself found immediate work
// it stays pending and must be rescheduled. Otherwise InDoWork is cleared
// with a single compare-and-swap; if a post raced in since
// WillCheckForMoreWork the swap fails and a wake-up is requested.
func (d *WorkDeduplicator) DidCheckForMoreWork(ctx context.Context, next NextTask) ShouldScheduleWork {
	d.dcheckBound(ctx, "DidCheckForMoreWork")
	if next == NextTaskIsImmediate {
		d.state.Store(stateDoWorkPending)
		return ScheduleImmediate
	}
	if d.state.CompareAndSwap(stateInDoWork, stateIdle) {
		return NotNeeded
	}
	d.state.Store(stateDoWorkPending)
	return ScheduleImmediate
}

// IsBound reports whether BindToCurrentThread has been called.
func (d *WorkDeduplicator) IsBound() bool {
	return d.state.Load()&boundFlag != 0
}

func (d *WorkDeduplicator) stateForTesting() int32 {
	return d.state.Load()
}

func (d *WorkDeduplicator) dcheckBound(ctx context.Context, op string) {
	DCheck(d.state.Load()&boundFlag != 0, "WorkDeduplicator.%s called before BindToCurrentThread", op)
	DCheck(d.threadChecker.CalledOnValidThread(ctx), "WorkDeduplicator.%s called off the bound thread", op)
}

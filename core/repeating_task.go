package core

import (
	"context"
	"sync/atomic"
	"time"
)

// RepeatingTaskHandle controls the lifecycle of a repeating task
type RepeatingTaskHandle interface {
	Stop()
	IsStopped() bool
}

// repeatingTask runs task, then re-posts itself interval later, until its
// handle is stopped or the owning runner closes. A stopped occurrence that is
// still queued is dropped in place through its cancellation predicate.
type repeatingTask struct {
	task     Task
	interval time.Duration
	traits   TaskTraits
	from     Location

	stopped atomic.Bool
	closed  func() bool
	repost  func(rt *repeatingTask, delay time.Duration)
}

func (rt *repeatingTask) Stop() {
	rt.stopped.Store(true)
}

func (rt *repeatingTask) IsStopped() bool {
	return rt.stopped.Load()
}

func (rt *repeatingTask) canceled() bool {
	return rt.IsStopped() || rt.closed()
}

func (rt *repeatingTask) run(ctx context.Context) {
	if rt.canceled() {
		return
	}
	rt.task(ctx)
	if !rt.canceled() {
		rt.repost(rt, rt.interval)
	}
}

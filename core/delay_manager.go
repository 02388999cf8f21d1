package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DelayManager holds delayed tasks for thread-pool runners and posts each one
// to its target runner when it comes due.
//
// Posters append to a locked inbox; a single timer goroutine owns a
// DelayedQueue, so due-time ordering and tie-breaking by post order come from
// the queue and the queue itself is never touched by two goroutines.
type DelayManager struct {
	mu    sync.Mutex
	inbox []PendingTask

	queue    *DelayedQueue
	queueCtx context.Context

	sequenceNum      atomic.Uint64
	highResThreshold time.Duration

	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewDelayManager() *DelayManager {
	return NewDelayManagerWithThreshold(DefaultHighResolutionThreshold)
}

// NewDelayManagerWithThreshold marks tasks delayed by less than threshold as
// high resolution.
func NewDelayManagerWithThreshold(threshold time.Duration) *DelayManager {
	ctx, cancel := context.WithCancel(context.Background())
	dm := &DelayManager{
		queue:            NewDelayedQueue(),
		queueCtx:         WithSequenceToken(context.Background(), CreateSequenceToken()),
		highResThreshold: threshold,
		wakeup:           make(chan struct{}, 1),
		ctx:              ctx,
		cancel:           cancel,
		done:             make(chan struct{}),
	}
	go dm.loop()
	return dm
}

// AddDelayedTask schedules task to be posted to target after delay.
func (dm *DelayManager) AddDelayedTask(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	if dm.ctx.Err() != nil {
		return
	}
	forward := func(context.Context) {
		target.PostTaskWithTraits(task, traits)
	}
	if delay <= 0 {
		delay = time.Nanosecond
	}
	pt := NewDelayedPendingTask(callerLocation(2), forward, traits, time.Now(), delay, dm.highResThreshold)
	pt.SequenceNum = dm.sequenceNum.Add(1)

	dm.mu.Lock()
	dm.inbox = append(dm.inbox, pt)
	dm.mu.Unlock()

	select {
	case dm.wakeup <- struct{}{}:
	default:
	}
}

func (dm *DelayManager) loop() {
	defer close(dm.done)
	defer dm.queue.Clear(dm.queueCtx)

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		dm.drainInbox()
		dm.processExpiredTasks()

		var timerC <-chan time.Time
		if next, ok := dm.queue.NextRunTime(dm.queueCtx); ok {
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-dm.ctx.Done():
			return
		case <-timerC:
		case <-dm.wakeup:
			stopTimer(timer)
		}
	}
}

func (dm *DelayManager) drainInbox() {
	dm.mu.Lock()
	batch := dm.inbox
	dm.inbox = nil
	dm.mu.Unlock()

	for _, pt := range batch {
		dm.queue.Push(dm.queueCtx, pt)
	}
}

// processExpiredTasks forwards every task due now, earliest first.
func (dm *DelayManager) processExpiredTasks() {
	now := time.Now()
	for {
		pt, ok := dm.queue.PopDue(dm.queueCtx, now)
		if !ok {
			return
		}
		pt.Task(dm.queueCtx)
	}
}

// Stop discards pending tasks and waits for the timer goroutine to exit.
func (dm *DelayManager) Stop() {
	dm.once.Do(func() {
		dm.cancel()
		<-dm.done
		dm.mu.Lock()
		dm.inbox = nil
		dm.mu.Unlock()
	})
}

// TaskCount returns the number of delayed tasks not yet forwarded.
func (dm *DelayManager) TaskCount() int {
	dm.mu.Lock()
	n := len(dm.inbox)
	dm.mu.Unlock()
	return n + dm.queue.Len()
}

// HighResolutionTaskCount returns how many queued tasks asked for a precise timer.
func (dm *DelayManager) HighResolutionTaskCount() int {
	return dm.queue.HighResolutionTaskCount()
}

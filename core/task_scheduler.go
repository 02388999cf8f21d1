package core

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrDrainTimeout is returned by ShutdownGraceful when work is still queued
// or running at the deadline.
var ErrDrainTimeout = errors.New("task scheduler did not drain in time")

const schedulerRunnerName = "TaskScheduler"

// TaskScheduler is the ready queue and delayed-task timer behind a thread
// pool. Workers pull from it through GetWork and call OnTaskEnd for every
// task they pulled. A pulled task counts as active from the moment it leaves
// the queue, so queued+active never reads zero while work is in flight.
type TaskScheduler struct {
	ready   TaskQueue
	wake    chan struct{}
	workers int
	delays  *DelayManager

	queued  atomic.Int32
	active  atomic.Int32
	closing atomic.Bool

	panicHandler PanicHandler
	metrics      Metrics
	rejected     RejectedTaskHandler
}

func NewPriorityTaskScheduler(workerCount int) *TaskScheduler {
	return NewPriorityTaskSchedulerWithConfig(workerCount, nil)
}

func NewPriorityTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewPriorityTaskQueue(), config)
}

func NewFIFOTaskScheduler(workerCount int) *TaskScheduler {
	return NewFIFOTaskSchedulerWithConfig(workerCount, nil)
}

func NewFIFOTaskSchedulerWithConfig(workerCount int, config *TaskSchedulerConfig) *TaskScheduler {
	return newTaskScheduler(workerCount, NewFIFOTaskQueue(), config)
}

func newTaskScheduler(workerCount int, ready TaskQueue, config *TaskSchedulerConfig) *TaskScheduler {
	workerCount = max(workerCount, 1)
	cfg := DefaultTaskSchedulerConfig()
	if config != nil {
		if config.PanicHandler != nil {
			cfg.PanicHandler = config.PanicHandler
		}
		if config.Metrics != nil {
			cfg.Metrics = config.Metrics
		}
		if config.RejectedTaskHandler != nil {
			cfg.RejectedTaskHandler = config.RejectedTaskHandler
		}
		if config.HighResolutionThreshold > 0 {
			cfg.HighResolutionThreshold = config.HighResolutionThreshold
		}
	}
	return &TaskScheduler{
		ready:        ready,
		wake:         make(chan struct{}, workerCount*2),
		workers:      workerCount,
		delays:       NewDelayManagerWithThreshold(cfg.HighResolutionThreshold),
		panicHandler: cfg.PanicHandler,
		metrics:      cfg.Metrics,
		rejected:     cfg.RejectedTaskHandler,
	}
}

func (s *TaskScheduler) reject() {
	s.rejected.HandleRejectedTask(schedulerRunnerName, "shutting down")
	s.metrics.RecordTaskRejected(schedulerRunnerName, "shutting down")
}

// PostInternal queues task for the next free worker.
func (s *TaskScheduler) PostInternal(task Task, traits TaskTraits) {
	if s.closing.Load() {
		s.reject()
		return
	}
	s.queued.Add(1)
	s.ready.Push(NewPendingTask(callerLocation(2), task, traits))

	// A full wake channel already guarantees a worker will look again.
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// PostDelayedInternal hands task to the DelayManager, which posts it to
// target when it comes due.
func (s *TaskScheduler) PostDelayedInternal(task Task, delay time.Duration, traits TaskTraits, target TaskRunner) {
	if s.closing.Load() {
		s.reject()
		return
	}
	s.delays.AddDelayedTask(task, delay, traits, target)
}

// GetWork blocks until a task is ready or stopCh closes. The caller owns
// the returned task until it calls OnTaskEnd.
func (s *TaskScheduler) GetWork(stopCh <-chan struct{}) (PendingTask, bool) {
	for {
		if pt, ok := s.ready.Pop(); ok {
			s.active.Add(1)
			s.queued.Add(-1)
			return pt, true
		}
		select {
		case <-s.wake:
		case <-stopCh:
			return PendingTask{}, false
		}
	}
}

func (s *TaskScheduler) drop() {
	s.ready.Clear()
	s.queued.Store(0)
}

// Shutdown rejects further posts and drops queued and delayed tasks.
func (s *TaskScheduler) Shutdown() {
	s.closing.Store(true)
	s.delays.Stop()
	s.drop()
}

// ShutdownGraceful rejects further posts and waits up to timeout for the
// queued and running tasks to finish. Delayed tasks are dropped. On timeout
// the ready queue is cleared and the error wraps ErrDrainTimeout.
func (s *TaskScheduler) ShutdownGraceful(timeout time.Duration) error {
	s.closing.Store(true)
	s.delays.Stop()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	for s.QueuedTaskCount() > 0 || s.ActiveTaskCount() > 0 {
		select {
		case <-deadline.C:
			queued, active := s.QueuedTaskCount(), s.ActiveTaskCount()
			s.drop()
			return fmt.Errorf("after %v: %d queued, %d active: %w", timeout, queued, active, ErrDrainTimeout)
		case <-poll.C:
		}
	}
	return nil
}

// IsShuttingDown reports whether Shutdown or ShutdownGraceful was called.
func (s *TaskScheduler) IsShuttingDown() bool {
	return s.closing.Load()
}

func (s *TaskScheduler) WorkerCount() int      { return s.workers }
func (s *TaskScheduler) QueuedTaskCount() int  { return int(s.queued.Load()) }
func (s *TaskScheduler) ActiveTaskCount() int  { return int(s.active.Load()) }
func (s *TaskScheduler) DelayedTaskCount() int { return s.delays.TaskCount() }

// OnTaskEnd releases a task obtained from GetWork, whether it ran or was skipped.
func (s *TaskScheduler) OnTaskEnd() { s.active.Add(-1) }

func (s *TaskScheduler) GetPanicHandler() PanicHandler { return s.panicHandler }
func (s *TaskScheduler) GetMetrics() Metrics           { return s.metrics }

package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DelayedWorkInfo describes when the next delayed task is due.
type DelayedWorkInfo struct {
	RunTime        time.Time
	HighResolution bool
}

// NextWorkInfo is what a DoWork pass reports back to the pump.
type NextWorkInfo struct {
	// Immediate asks the pump to call DoWork again without sleeping.
	Immediate bool
	// DelayedRunTime is the due time of the earliest delayed task; zero
	// means nothing is scheduled and the pump sleeps until ScheduleWork.
	DelayedRunTime time.Time
	HighResolution bool
}

// PumpDelegate is the loop side driven by a MessagePump.
type PumpDelegate interface {
	DoWork(ctx context.Context) NextWorkInfo
}

// MessagePump is the host event loop. ScheduleWork and Quit may be called
// from any goroutine; Run blocks the goroutine it is called on.
type MessagePump interface {
	Run(ctx context.Context, delegate PumpDelegate)
	Quit()
	ScheduleWork()
	ScheduleDelayedWork(info DelayedWorkInfo)
}

// =============================================================================
// ChannelMessagePump
// =============================================================================

// ChannelMessagePump sleeps on a one-slot wake channel and a timer. Wake-ups
// for low-resolution delayed work fire up to slack late so that nearby timers
// coalesce.
type ChannelMessagePump struct {
	wake  chan struct{}
	rearm chan struct{}
	quit  chan struct{}

	quitOnce sync.Once
	slack    time.Duration

	mu               sync.Mutex
	requestedDelayed DelayedWorkInfo

	wakeUps atomic.Int64
}

// NewChannelMessagePump creates a pump. A negative slack is treated as zero.
func NewChannelMessagePump(slack time.Duration) *ChannelMessagePump {
	if slack < 0 {
		slack = 0
	}
	return &ChannelMessagePump{
		wake:  make(chan struct{}, 1),
		rearm: make(chan struct{}, 1),
		quit:  make(chan struct{}),
		slack: slack,
	}
}

// Run calls DoWork until Quit is called or ctx is done.
func (p *ChannelMessagePump) Run(ctx context.Context, delegate PumpDelegate) {
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer timer.Stop()

	for {
		next := delegate.DoWork(ctx)
		if p.quitRequested(ctx) {
			return
		}
		if next.Immediate {
			continue
		}
		if !p.waitForWork(ctx, timer, next) {
			return
		}
	}
}

// waitForWork sleeps until there is something for DoWork to do. It returns
// false when the pump should stop.
func (p *ChannelMessagePump) waitForWork(ctx context.Context, timer *time.Timer, next NextWorkInfo) bool {
	for {
		deadline, highRes := p.deadline(next)
		next.DelayedRunTime, next.HighResolution = deadline, highRes

		var timerC <-chan time.Time
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if !highRes {
				d += p.slack
			}
			if d <= 0 {
				return true
			}
			timer.Reset(d)
			timerC = timer.C
		}

		select {
		case <-p.quit:
			stopTimer(timer)
			return false
		case <-ctx.Done():
			stopTimer(timer)
			return false
		case <-p.wake:
			stopTimer(timer)
			return true
		case <-timerC:
			return true
		case <-p.rearm:
			stopTimer(timer)
		}
	}
}

// deadline merges the delegate's next run time with one requested through
// ScheduleDelayedWork, keeping the earlier.
func (p *ChannelMessagePump) deadline(next NextWorkInfo) (time.Time, bool) {
	p.mu.Lock()
	req := p.requestedDelayed
	p.requestedDelayed = DelayedWorkInfo{}
	p.mu.Unlock()

	at, highRes := next.DelayedRunTime, next.HighResolution
	if !req.RunTime.IsZero() && (at.IsZero() || req.RunTime.Before(at)) {
		at, highRes = req.RunTime, req.HighResolution
	}
	return at, highRes
}

func (p *ChannelMessagePump) quitRequested(ctx context.Context) bool {
	select {
	case <-p.quit:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Quit makes Run return after the current DoWork pass.
func (p *ChannelMessagePump) Quit() {
	p.quitOnce.Do(func() { close(p.quit) })
}

// ScheduleWork wakes Run. Extra calls while a wake-up is already queued
// collapse into it.
func (p *ChannelMessagePump) ScheduleWork() {
	p.wakeUps.Add(1)
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// ScheduleDelayedWork makes a sleeping Run re-arm its timer for info.RunTime
// if that is earlier than what it is waiting for.
func (p *ChannelMessagePump) ScheduleDelayedWork(info DelayedWorkInfo) {
	p.mu.Lock()
	if p.requestedDelayed.RunTime.IsZero() || info.RunTime.Before(p.requestedDelayed.RunTime) {
		p.requestedDelayed = info
	}
	p.mu.Unlock()

	select {
	case p.rearm <- struct{}{}:
	default:
	}
}

// WakeUpCount returns how many times ScheduleWork was called.
func (p *ChannelMessagePump) WakeUpCount() int64 {
	return p.wakeUps.Load()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

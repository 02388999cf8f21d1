package core

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"
)

// =============================================================================
// Location: where a task was posted from
// =============================================================================

// Location identifies the code that posted a task, for diagnostics.
type Location struct {
	Function string
	File     string
	Line     int
}

// FromHere returns the location of its caller.
func FromHere() Location {
	return callerLocation(2)
}

// callerLocation returns the location skip frames above its own caller.
func callerLocation(skip int) Location {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Location{}
	}
	return locationFromPC(pc, file, line)
}

func locationFromPC(pc uintptr, file string, line int) Location {
	loc := Location{File: filepath.Base(file), Line: line}
	if fn := runtime.FuncForPC(pc); fn != nil {
		loc.Function = fn.Name()
	}
	return loc
}

func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0 && l.Function == ""
}

func (l Location) String() string {
	if l.IsZero() {
		return "unknown"
	}
	if l.Function == "" {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s@%s:%d", l.Function, l.File, l.Line)
}

// =============================================================================
// PendingTask
// =============================================================================

// PendingTask is a posted Task plus its scheduling metadata. A PendingTask is
// moved, never shared: once popped from a queue it belongs to whoever popped
// it, and putting it back means posting a new entry.
type PendingTask struct {
	Task   Task
	Traits TaskTraits

	PostedFrom Location

	// Delay is the requested delay; zero means as soon as possible.
	Delay time.Duration
	// DelayedRunTime is the absolute due time (zero for immediate tasks).
	DelayedRunTime time.Time
	// SequenceNum breaks ties between tasks with the same DelayedRunTime.
	SequenceNum uint64

	// IsCanceled, when set, is consulted lazily at peek/pop time.
	IsCanceled func() bool

	// HighResolution asks the host pump for a precise timer while this task
	// is pending.
	HighResolution bool

	// Nestable is false for tasks that must not run inside a nested loop.
	Nestable bool

	QueueTime time.Time
}

// NewPendingTask builds an immediate, nestable task.
func NewPendingTask(from Location, task Task, traits TaskTraits) PendingTask {
	return PendingTask{
		Task:       task,
		Traits:     traits,
		PostedFrom: from,
		Nestable:   true,
		QueueTime:  time.Now(),
	}
}

// NewDelayedPendingTask builds a task due at now+delay. Delays below
// highResThreshold (or traits that ask for it) are marked high resolution.
func NewDelayedPendingTask(from Location, task Task, traits TaskTraits, now time.Time, delay, highResThreshold time.Duration) PendingTask {
	pt := NewPendingTask(from, task, traits)
	pt.QueueTime = now
	if delay > 0 {
		pt.Delay = delay
		pt.DelayedRunTime = now.Add(delay)
		pt.HighResolution = traits.HighResolution || delay < highResThreshold
	}
	return pt
}

// Canceled evaluates the cancellation predicate.
func (p *PendingTask) Canceled() bool {
	return p.IsCanceled != nil && p.IsCanceled()
}

// IsDelayed reports whether the task carries a due time.
func (p *PendingTask) IsDelayed() bool {
	return !p.DelayedRunTime.IsZero()
}

// Less orders delayed tasks by due time, then by post order.
func (p *PendingTask) Less(other *PendingTask) bool {
	if !p.DelayedRunTime.Equal(other.DelayedRunTime) {
		return p.DelayedRunTime.Before(other.DelayedRunTime)
	}
	return p.SequenceNum < other.SequenceNum
}

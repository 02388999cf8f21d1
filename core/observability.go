package core

import "time"

// RunnerStats represents runtime observability state for a task runner.
type RunnerStats struct {
	Name     string
	Type     string
	Pending  int
	Running  int
	Rejected int64
	Closed   bool

	// Delayed counts delayed tasks not yet due, including canceled ones that
	// have not been swept.
	Delayed int
	// Deferred counts non-nestable tasks parked while a nested loop ran.
	Deferred int
	// HighResolution counts pending delayed tasks that asked for a precise timer.
	HighResolution int
	// WakeUps counts wake-up signals the pump actually received.
	WakeUps int64

	LastTaskAt time.Time
}

// PoolStats represents runtime observability state for a thread pool.
type PoolStats struct {
	ID      string
	Workers int
	Queued  int
	Active  int
	Delayed int
	Running bool
}

package core

import (
	"context"
	"time"
)

// Task is the unit of work (Closure)
type Task func(ctx context.Context)

// =============================================================================
// TaskTraits: Define task attributes (priority, blocking behavior, etc.)
// =============================================================================

type TaskPriority int

const (
	// TaskPriorityBestEffort: Lowest priority
	TaskPriorityBestEffort TaskPriority = iota

	// TaskPriorityUserVisible: Default priority
	TaskPriorityUserVisible

	// TaskPriorityUserBlocking: Highest priority
	// `UserBlocking` means the task may block the main thread.
	// If main thread is blocked, the UI will be unresponsive.
	TaskPriorityUserBlocking
)

func (p TaskPriority) String() string {
	switch p {
	case TaskPriorityBestEffort:
		return "best_effort"
	case TaskPriorityUserVisible:
		return "user_visible"
	case TaskPriorityUserBlocking:
		return "user_blocking"
	default:
		return "unknown"
	}
}

type TaskTraits struct {
	Priority TaskPriority
	MayBlock bool
	Category string

	// ExtensionID selects a registered TaskExecutor; InvalidExtensionID (0)
	// means the task runs on whatever runner it was posted to.
	ExtensionID uint8

	// HighResolution requests a precise timer for a delayed task regardless
	// of its delay.
	HighResolution bool
}

func DefaultTaskTraits() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

func TraitsUserBlocking() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserBlocking}
}

func TraitsBestEffort() TaskTraits {
	return TaskTraits{Priority: TaskPriorityBestEffort}
}

func TraitsUserVisible() TaskTraits {
	return TaskTraits{Priority: TaskPriorityUserVisible}
}

// WithExtension returns a copy of t routed to the executor registered at id.
func (t TaskTraits) WithExtension(id uint8) TaskTraits {
	t.ExtensionID = id
	return t
}

// =============================================================================
// TaskRunner: Define task submission interface
// =============================================================================
type TaskRunner interface {
	PostTask(task Task)
	PostTaskWithTraits(task Task, traits TaskTraits)
	PostDelayedTask(task Task, delay time.Duration)
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits)

	// RunsTasksInCurrentSequence reports whether ctx belongs to a task
	// running on this runner.
	RunsTasksInCurrentSequence(ctx context.Context) bool
}

// GetCurrentTaskRunner returns the runner of the sequence ctx runs on, or nil
// outside of a task. Unlike SequencedTaskRunnerHandleGet it never fails.
func GetCurrentTaskRunner(ctx context.Context) TaskRunner {
	if h := liveSequencedHandle(ctx); h != nil {
		return h.currentRunner()
	}
	return nil
}

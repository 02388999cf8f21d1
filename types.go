package taskruntime

import "github.com/Swind/go-task-runtime/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the taskruntime package for most use cases.

// Task is the unit of work (Closure)
type Task = core.Task

// TaskTraits defines task attributes (priority, blocking behavior, extension routing)
type TaskTraits = core.TaskTraits

// TaskPriority defines the priority levels for tasks
type TaskPriority = core.TaskPriority

// TaskRunner is the interface for posting tasks
type TaskRunner = core.TaskRunner

// TaskExecutor is a backend that tasks can be routed to by extension id
type TaskExecutor = core.TaskExecutor

// SequencedTaskRunner ensures sequential execution of tasks
type SequencedTaskRunner = core.SequencedTaskRunner

// SingleThreadTaskRunner ensures all tasks execute on the same dedicated goroutine
type SingleThreadTaskRunner = core.SingleThreadTaskRunner

// LoopConfig configures a SingleThreadTaskRunner
type LoopConfig = core.LoopConfig

// RepeatingTaskHandle controls the lifecycle of a repeating task
type RepeatingTaskHandle = core.RepeatingTaskHandle

// SequenceToken identifies the sequence a task runs on
type SequenceToken = core.SequenceToken

// AtExitManager runs shutdown callbacks in reverse registration order
type AtExitManager = core.AtExitManager

// Priority constants
const (
	TaskPriorityBestEffort   TaskPriority = core.TaskPriorityBestEffort
	TaskPriorityUserVisible  TaskPriority = core.TaskPriorityUserVisible
	TaskPriorityUserBlocking TaskPriority = core.TaskPriorityUserBlocking
)

// Convenience functions for creating TaskTraits
var (
	DefaultTaskTraits  = core.DefaultTaskTraits
	TraitsUserBlocking = core.TraitsUserBlocking
	TraitsBestEffort   = core.TraitsBestEffort
	TraitsUserVisible  = core.TraitsUserVisible
)

// NewSequencedTaskRunner creates a new SequencedTaskRunner with the given thread pool.
// This is re-exported for advanced users who want to create runners with custom pools.
func NewSequencedTaskRunner(pool ThreadPool) *SequencedTaskRunner {
	return core.NewSequencedTaskRunner(pool)
}

// NewSingleThreadTaskRunner creates a new SingleThreadTaskRunner with a dedicated goroutine.
// Use this for blocking IO operations, CGO calls with thread-local storage, or UI thread simulation.
func NewSingleThreadTaskRunner() *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunner()
}

// NewSingleThreadTaskRunnerWithConfig creates a SingleThreadTaskRunner from cfg.
func NewSingleThreadTaskRunnerWithConfig(cfg *LoopConfig) *SingleThreadTaskRunner {
	return core.NewSingleThreadTaskRunnerWithConfig(cfg)
}

// NewAtExitManager installs the process-wide AtExitManager.
func NewAtExitManager() *AtExitManager {
	return core.NewAtExitManager()
}

// ThreadPool is re-exported for type compatibility
type ThreadPool = core.ThreadPool

// ErrDrainTimeout is wrapped by the error of a StopGraceful that timed out.
var ErrDrainTimeout = core.ErrDrainTimeout

// TaskWithResult and ReplyWithResult for generic PostTaskAndReply pattern
type TaskWithResult[T any] = core.TaskWithResult[T]
type ReplyWithResult[T any] = core.ReplyWithResult[T]

// Ambient lookups
var (
	GetCurrentTaskRunner           = core.GetCurrentTaskRunner
	ThreadTaskRunnerHandleGet      = core.ThreadTaskRunnerHandleGet
	SequencedTaskRunnerHandleGet   = core.SequencedTaskRunnerHandleGet
	SequencedTaskRunnerHandleIsSet = core.SequencedTaskRunnerHandleIsSet
)

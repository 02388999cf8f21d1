package core

import (
	"context"
	"errors"
	"time"
)

// ErrRunnerClosed is returned by runner operations that need a live runner.
var ErrRunnerClosed = errors.New("task runner is closed")

// =============================================================================
// PanicHandler: Interface for handling task panics
// =============================================================================

// PanicHandler is called when a task panics during execution.
//
// Implementations should be thread-safe as they may be called concurrently.
type PanicHandler interface {
	// HandlePanic is called when a task panics.
	//
	// Parameters:
	// - ctx: The context from the panicked task (carries sequence and runner info)
	// - runnerName: The name of the task runner where the panic occurred
	// - workerID: The ID of the worker (for thread pool workers, -1 for single-threaded runners)
	// - panicInfo: The panic value recovered from the task
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler logs panics through the process-wide logger.
type DefaultPanicHandler struct{}

// HandlePanic logs panic information at error level.
func (h *DefaultPanicHandler) HandlePanic(ctx context.Context, runnerName string, workerID int, panicInfo any, stackTrace []byte) {
	fields := []Field{
		F("runner", runnerName),
		F("panic", panicInfo),
		F("sequence", SequenceTokenFromContext(ctx).String()),
		F("stack", string(stackTrace)),
	}
	if workerID >= 0 {
		fields = append(fields, F("worker", workerID))
	}
	GetLogger().Error("task panicked", fields...)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Metrics defines the interface for collecting task execution metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods should be non-blocking and fast to avoid impacting task execution performance.
type Metrics interface {
	// RecordTaskDuration records how long a task took to execute.
	RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration)

	// RecordTaskPanic records that a task panicked during execution.
	RecordTaskPanic(runnerName string, panicInfo any)

	// RecordQueueDepth records the current queue depth.
	RecordQueueDepth(runnerName string, depth int)

	// RecordTaskRejected records that a task was rejected (e.g., during shutdown).
	RecordTaskRejected(runnerName string, reason string)

	// RecordScheduleWork records a wake-up signal actually sent to a host
	// loop. Posts that were deduplicated are not recorded.
	RecordScheduleWork(runnerName string, delayed bool)

	// RecordHighResolutionTasks records how many pending delayed tasks
	// currently demand a precise timer.
	RecordHighResolutionTasks(runnerName string, count int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

func (m *NilMetrics) RecordTaskDuration(runnerName string, priority TaskPriority, duration time.Duration) {
}

func (m *NilMetrics) RecordTaskPanic(runnerName string, panicInfo any) {
}

func (m *NilMetrics) RecordQueueDepth(runnerName string, depth int) {
}

func (m *NilMetrics) RecordTaskRejected(runnerName string, reason string) {
}

func (m *NilMetrics) RecordScheduleWork(runnerName string, delayed bool) {
}

func (m *NilMetrics) RecordHighResolutionTasks(runnerName string, count int) {
}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected tasks
// =============================================================================

// RejectedTaskHandler is called when a task is rejected by the scheduler.
// This can happen when:
// - The scheduler or runner is shutting down
// - The task routes to an executor that refuses it
//
// Implementations should be thread-safe as they may be called concurrently.
type RejectedTaskHandler interface {
	HandleRejectedTask(runnerName string, reason string)
}

// DefaultRejectedTaskHandler logs rejected tasks at debug level.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask logs the rejected task.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(runnerName string, reason string) {
	GetLogger().Debug("task rejected", F("runner", runnerName), F("reason", reason))
}

// =============================================================================
// TaskSchedulerConfig: Configuration for TaskScheduler
// =============================================================================

// TaskSchedulerConfig holds configuration options for TaskScheduler.
// All handlers are optional; if not provided, default implementations will be used.
type TaskSchedulerConfig struct {
	// PanicHandler is called when a task panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record task execution metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when a task is rejected. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler

	// HighResolutionThreshold marks delayed pool tasks shorter than this as
	// high resolution. Defaults to DefaultHighResolutionThreshold.
	HighResolutionThreshold time.Duration
}

// DefaultTaskSchedulerConfig returns a config with default handlers.
func DefaultTaskSchedulerConfig() *TaskSchedulerConfig {
	return &TaskSchedulerConfig{
		PanicHandler:            &DefaultPanicHandler{},
		Metrics:                 &NilMetrics{},
		RejectedTaskHandler:     &DefaultRejectedTaskHandler{},
		HighResolutionThreshold: DefaultHighResolutionThreshold,
	}
}

// =============================================================================
// LoopConfig: Configuration for SingleThreadTaskRunner
// =============================================================================

const (
	// DefaultHighResolutionThreshold is the delay below which a delayed task
	// asks for a precise timer.
	DefaultHighResolutionThreshold = 32 * time.Millisecond

	// DefaultLowResolutionSlack is how late a low-resolution wake-up may fire
	// so that nearby timers coalesce.
	DefaultLowResolutionSlack = 4 * time.Millisecond

	// DefaultMaxTasksPerDoWork bounds one DoWork pass before the loop yields
	// back to the pump.
	DefaultMaxTasksPerDoWork = 64
)

// LoopConfig configures a SingleThreadTaskRunner and its message pump.
// Zero or nil fields take defaults.
type LoopConfig struct {
	Name string

	Logger              Logger
	Metrics             Metrics
	PanicHandler        PanicHandler
	RejectedTaskHandler RejectedTaskHandler

	// Registry resolves TaskTraits.ExtensionID. Defaults to the process-wide
	// registry.
	Registry *TaskExecutorRegistry

	// Executor, when set, is the current executor for tasks on the loop.
	Executor TaskExecutor

	HighResolutionThreshold time.Duration
	LowResolutionSlack      time.Duration
	MaxTasksPerDoWork       int
}

// DefaultLoopConfig returns a config with default handlers and tunables.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		Logger:                  GetLogger(),
		Metrics:                 &NilMetrics{},
		PanicHandler:            &DefaultPanicHandler{},
		RejectedTaskHandler:     &DefaultRejectedTaskHandler{},
		Registry:                DefaultTaskExecutorRegistry(),
		HighResolutionThreshold: DefaultHighResolutionThreshold,
		LowResolutionSlack:      DefaultLowResolutionSlack,
		MaxTasksPerDoWork:       DefaultMaxTasksPerDoWork,
	}
}

func (c *LoopConfig) withDefaults() LoopConfig {
	out := *DefaultLoopConfig()
	if c == nil {
		return out
	}
	out.Name = c.Name
	if c.Logger != nil {
		out.Logger = c.Logger
	}
	if c.Metrics != nil {
		out.Metrics = c.Metrics
	}
	if c.PanicHandler != nil {
		out.PanicHandler = c.PanicHandler
	}
	if c.RejectedTaskHandler != nil {
		out.RejectedTaskHandler = c.RejectedTaskHandler
	}
	if c.Registry != nil {
		out.Registry = c.Registry
	}
	out.Executor = c.Executor
	if c.HighResolutionThreshold > 0 {
		out.HighResolutionThreshold = c.HighResolutionThreshold
	}
	if c.LowResolutionSlack > 0 {
		out.LowResolutionSlack = c.LowResolutionSlack
	}
	if c.MaxTasksPerDoWork > 0 {
		out.MaxTasksPerDoWork = c.MaxTasksPerDoWork
	}
	return out
}

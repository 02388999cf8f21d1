package core

import (
	"context"
	"reflect"
	"sync"
	"time"
)

const (
	// InvalidExtensionID marks traits that are not routed to an executor.
	InvalidExtensionID uint8 = 0

	// MaxTaskExecutors is the size of the registry; valid ids are 1..MaxTaskExecutors.
	MaxTaskExecutors = 4
)

// TaskExecutor is a backend scheduler that tasks can be routed to by the
// ExtensionID of their traits.
type TaskExecutor interface {
	PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) bool
	CreateTaskRunner(traits TaskTraits) TaskRunner
	CreateSequencedTaskRunner(traits TaskTraits) TaskRunner
}

// =============================================================================
// TaskExecutorRegistry
// =============================================================================

// TaskExecutorRegistry maps extension ids to executors it does not own. A
// registrant must unregister before its executor goes away, and a slot must
// be empty before it can be registered again.
//
// Registration is expected during single-threaded startup and teardown; the
// table is still guarded by an RWMutex so lookups from running loops never
// race with a late registration.
type TaskExecutorRegistry struct {
	mu        sync.RWMutex
	executors [MaxTaskExecutors]TaskExecutor
}

func NewTaskExecutorRegistry() *TaskExecutorRegistry {
	return &TaskExecutorRegistry{}
}

// Register installs executor at extensionID.
func (r *TaskExecutorRegistry) Register(extensionID uint8, executor TaskExecutor) {
	Check(extensionID != InvalidExtensionID && int(extensionID) <= MaxTaskExecutors,
		"extension id %d out of range [1, %d]", extensionID, MaxTaskExecutors)
	DCheck(executor != nil, "registering a nil TaskExecutor for extension %d", extensionID)

	r.mu.Lock()
	defer r.mu.Unlock()
	DCheck(r.executors[extensionID-1] == nil, "a TaskExecutor is already registered for extension %d", extensionID)
	r.executors[extensionID-1] = executor
}

// UnregisterForTesting clears an occupied slot.
func (r *TaskExecutorRegistry) UnregisterForTesting(extensionID uint8) {
	Check(extensionID != InvalidExtensionID && int(extensionID) <= MaxTaskExecutors,
		"extension id %d out of range [1, %d]", extensionID, MaxTaskExecutors)

	r.mu.Lock()
	defer r.mu.Unlock()
	DCheck(r.executors[extensionID-1] != nil, "no TaskExecutor registered for extension %d", extensionID)
	r.executors[extensionID-1] = nil
}

// GetForTraits returns the executor selected by traits.ExtensionID, or nil
// when the traits carry no extension. An extension id with nothing
// registered is fatal: the backend was never installed.
func (r *TaskExecutorRegistry) GetForTraits(traits TaskTraits) TaskExecutor {
	id := traits.ExtensionID
	if id == InvalidExtensionID {
		return nil
	}
	Check(int(id) <= MaxTaskExecutors, "extension id %d out of range [1, %d]", id, MaxTaskExecutors)

	r.mu.RLock()
	executor := r.executors[id-1]
	r.mu.RUnlock()

	Check(executor != nil, "a TaskExecutor wasn't registered for extension %d", id)
	return executor
}

// IsRegistered reports whether extensionID has an executor.
func (r *TaskExecutorRegistry) IsRegistered(extensionID uint8) bool {
	if extensionID == InvalidExtensionID || int(extensionID) > MaxTaskExecutors {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.executors[extensionID-1] != nil
}

// =============================================================================
// Process-wide registry
// =============================================================================

var defaultTaskExecutorRegistry = NewTaskExecutorRegistry()

// DefaultTaskExecutorRegistry returns the process-wide registry.
func DefaultTaskExecutorRegistry() *TaskExecutorRegistry {
	return defaultTaskExecutorRegistry
}

func RegisterTaskExecutor(extensionID uint8, executor TaskExecutor) {
	defaultTaskExecutorRegistry.Register(extensionID, executor)
}

func UnregisterTaskExecutorForTesting(extensionID uint8) {
	defaultTaskExecutorRegistry.UnregisterForTesting(extensionID)
}

func GetRegisteredTaskExecutorForTraits(traits TaskTraits) TaskExecutor {
	return defaultTaskExecutorRegistry.GetForTraits(traits)
}

// =============================================================================
// Current executor (ambient, carried by ctx)
// =============================================================================

type taskExecutorKeyType struct{}

var taskExecutorKey taskExecutorKeyType

type taskExecutorHolder struct {
	executor TaskExecutor
}

// WithTaskExecutor makes executor the current executor for code running
// under the returned ctx. Replacing a different non-nil executor is a
// contract violation; setting the same one again is allowed, and nil clears.
func WithTaskExecutor(ctx context.Context, executor TaskExecutor) context.Context {
	current := TaskExecutorFromContext(ctx)
	DCheck(executor == nil || current == nil || sameTaskExecutor(current, executor),
		"a different TaskExecutor is already current for this context")
	return context.WithValue(ctx, taskExecutorKey, taskExecutorHolder{executor: executor})
}

// sameTaskExecutor compares identities without panicking on executors whose
// dynamic type is not comparable; such executors never match.
func sameTaskExecutor(a, b TaskExecutor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.ValueOf(a).Comparable() {
		return false
	}
	return a == b
}

// TaskExecutorFromContext returns the current executor, or nil.
func TaskExecutorFromContext(ctx context.Context) TaskExecutor {
	if ctx == nil {
		return nil
	}
	if h, ok := ctx.Value(taskExecutorKey).(taskExecutorHolder); ok {
		return h.executor
	}
	return nil
}

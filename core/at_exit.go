package core

import (
	"sync"
	"sync/atomic"
)

// =============================================================================
// AtExitManager: process-wide LIFO stack of shutdown callbacks
// =============================================================================

// AtExitManager runs registered callbacks in reverse registration order when
// it is closed or when ProcessAtExitCallbacksNow is called. Exactly one
// manager is active per process; shadow managers nest on top of it for tests
// and are popped again by Close.
//
// Typical use in main:
//
//	exitManager := core.NewAtExitManager()
//	defer exitManager.Close()
type AtExitManager struct {
	mu       sync.Mutex
	stack    []func()
	previous *AtExitManager
	closed   bool

	processingCallbacks bool
}

var (
	atExitMu          sync.Mutex // guards atExitTop
	atExitTop         *AtExitManager
	atExitDisabledAll atomic.Bool
)

// NewAtExitManager installs a top-level manager. Installing one while
// another is active is a contract violation; use NewShadowAtExitManager.
func NewAtExitManager() *AtExitManager {
	return newAtExitManager(false)
}

// NewShadowAtExitManager installs a manager that shadows the current one
// until Close, letting tests run their own at-exit scope.
func NewShadowAtExitManager() *AtExitManager {
	return newAtExitManager(true)
}

func newAtExitManager(shadow bool) *AtExitManager {
	atExitMu.Lock()
	defer atExitMu.Unlock()

	DCheck(shadow || atExitTop == nil, "tried to install a second AtExitManager")
	m := &AtExitManager{previous: atExitTop}
	atExitTop = m
	return m
}

// Close runs the callbacks still pending (unless DisableAllAtExitManagers was
// called) and restores the manager this one shadowed. Managers must be closed
// in reverse order of creation.
func (m *AtExitManager) Close() {
	atExitMu.Lock()
	closed, inOrder := m.closed, atExitTop == m
	atExitMu.Unlock()
	if closed {
		return
	}
	DCheck(inOrder, "AtExitManager closed out of order")

	if !atExitDisabledAll.Load() {
		m.processCallbacksNow()
	}

	atExitMu.Lock()
	m.closed = true
	if atExitTop == m {
		atExitTop = m.previous
	}
	atExitMu.Unlock()
}

// PendingCount returns the number of callbacks waiting to run.
func (m *AtExitManager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

func (m *AtExitManager) register(task func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.processingCallbacks {
		GetLogger().Debug("at-exit callback registered while processing; deferred to the next pass")
	}
	m.stack = append(m.stack, task)
}

// processCallbacksNow swaps the stack out under the lock and runs it outside
// the lock, so callbacks that register new callbacks cannot deadlock; what
// they register waits for the next pass.
func (m *AtExitManager) processCallbacksNow() {
	m.mu.Lock()
	tasks := m.stack
	m.stack = nil
	m.processingCallbacks = true
	m.mu.Unlock()

	for i := len(tasks) - 1; i >= 0; i-- {
		task := tasks[i]
		tasks[i] = nil
		task()
	}

	m.mu.Lock()
	m.processingCallbacks = false
	m.mu.Unlock()
}

func currentAtExitManager() *AtExitManager {
	atExitMu.Lock()
	defer atExitMu.Unlock()
	return atExitTop
}

// AtExitManagerActive reports whether a manager is installed.
func AtExitManagerActive() bool {
	return currentAtExitManager() != nil
}

// RegisterAtExitTask pushes task onto the active manager. Without a manager
// the task is dropped and the condition logged.
func RegisterAtExitTask(task func()) {
	if task == nil {
		return
	}
	m := currentAtExitManager()
	if m == nil {
		GetLogger().Warn("RegisterAtExitTask called without an AtExitManager; task dropped")
		return
	}
	m.register(task)
}

// RegisterAtExitCallback registers fn(param) as an at-exit task.
func RegisterAtExitCallback(fn func(param any), param any) {
	if fn == nil {
		return
	}
	RegisterAtExitTask(func() { fn(param) })
}

// ProcessAtExitCallbacksNow runs every callback registered so far on the
// active manager, newest first.
func ProcessAtExitCallbacksNow() {
	m := currentAtExitManager()
	if m == nil {
		GetLogger().Warn("ProcessAtExitCallbacksNow called without an AtExitManager")
		return
	}
	m.processCallbacksNow()
}

// DisableAllAtExitManagers stops every manager from running its callbacks on
// Close. It cannot be undone; hosts that order shutdown themselves use it.
func DisableAllAtExitManagers() {
	atExitDisabledAll.Store(true)
}

// AtExitManagersDisabled reports whether DisableAllAtExitManagers was called.
func AtExitManagersDisabled() bool {
	return atExitDisabledAll.Load()
}

func resetAtExitForTesting() {
	atExitMu.Lock()
	atExitTop = nil
	atExitMu.Unlock()
	atExitDisabledAll.Store(false)
}

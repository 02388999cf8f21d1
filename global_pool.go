package taskruntime

import (
	"context"
	"sync"

	"github.com/Swind/go-task-runtime/core"
)

var global struct {
	mu   sync.Mutex
	pool *GoroutineThreadPool
}

// InitGlobalThreadPool starts a FIFO pool with workers goroutines and makes it
// the global pool. It does nothing when a global pool already exists.
func InitGlobalThreadPool(workers int) {
	InitGlobalThreadPoolWithConfig(workers, nil)
}

// InitGlobalThreadPoolWithConfig is InitGlobalThreadPool with scheduler handlers.
func InitGlobalThreadPoolWithConfig(workers int, config *core.TaskSchedulerConfig) {
	pool := NewGoroutineThreadPoolWithConfig("global-pool", workers, config)
	if !InstallGlobalThreadPool(pool) {
		pool.Stop()
	}
}

// InstallGlobalThreadPool starts pool and makes it the global pool. It
// returns false, leaving pool untouched, when a global pool already exists.
// With an AtExitManager active the pool is stopped at exit.
func InstallGlobalThreadPool(pool *GoroutineThreadPool) bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.pool != nil {
		return false
	}
	pool.Start(context.Background())
	global.pool = pool
	if core.AtExitManagerActive() {
		core.RegisterAtExitTask(func() { releaseGlobalThreadPool(pool) })
	}
	return true
}

// GlobalThreadPool returns the global pool, or nil when none is installed.
func GlobalThreadPool() *GoroutineThreadPool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.pool
}

// GetGlobalThreadPool returns the global pool and panics when none is installed.
func GetGlobalThreadPool() *GoroutineThreadPool {
	pool := GlobalThreadPool()
	if pool == nil {
		panic("GlobalThreadPool not initialized. Call InitGlobalThreadPool() first.")
	}
	return pool
}

// ShutdownGlobalThreadPool stops and uninstalls the global pool, if any.
func ShutdownGlobalThreadPool() {
	releaseGlobalThreadPool(nil)
}

// releaseGlobalThreadPool uninstalls and stops the global pool. A non-nil
// want only matches itself, so a stale at-exit callback leaves a newer pool alone.
func releaseGlobalThreadPool(want *GoroutineThreadPool) {
	global.mu.Lock()
	pool := global.pool
	if pool == nil || (want != nil && pool != want) {
		global.mu.Unlock()
		return
	}
	global.pool = nil
	global.mu.Unlock()
	pool.Stop()
}

// CreateTaskRunner returns a new SequencedTaskRunner on the global pool.
// It panics when no global pool is installed.
func CreateTaskRunner(traits TaskTraits) *SequencedTaskRunner {
	return core.NewSequencedTaskRunner(GetGlobalThreadPool())
}

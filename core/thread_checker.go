package core

import (
	"context"
	"sync"
)

// ThreadChecker verifies that calls happen on the goroutine it is bound to.
//
// It binds lazily: the first CalledOnValidThread after construction (or after
// DetachFromThread) captures the calling goroutine, the current task token
// and, when a ThreadTaskRunnerHandle is set, the current sequence token.
// CalledOnValidThread only reports; callers decide whether false is fatal.
//
// A nil ctx is treated as torn-down ambient state: no tokens are captured or
// compared and the check falls back to the goroutine id alone.
type ThreadChecker struct {
	mu            sync.Mutex
	bound         bool
	goroutineID   uint64
	taskToken     TaskToken
	sequenceToken SequenceToken
}

// NewThreadChecker returns a checker bound to the caller.
func NewThreadChecker(ctx context.Context) *ThreadChecker {
	c := &ThreadChecker{}
	c.ensureAssignedLocked(ctx)
	return c
}

// NewDetachedThreadChecker returns a checker that binds on first use.
func NewDetachedThreadChecker() *ThreadChecker {
	return &ThreadChecker{}
}

// CalledOnValidThread reports whether the caller is on the bound goroutine.
func (c *ThreadChecker) CalledOnValidThread(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound {
		c.ensureAssignedLocked(ctx)
		return true
	}

	if ctx != nil {
		// Always valid from the task this checker was bound in.
		if c.taskToken.Equals(TaskTokenFromContext(ctx)) {
			return true
		}
		// Bound to a sequence: running on the same goroutine under another
		// sequence, or without a thread handle, is only a coincidence.
		if c.sequenceToken.IsValid() &&
			(!c.sequenceToken.Equals(SequenceTokenFromContext(ctx)) || !ThreadTaskRunnerHandleIsSet(ctx)) {
			return false
		}
	}

	return c.goroutineID == currentGoroutineID()
}

// DetachFromThread clears the binding; the next check rebinds.
func (c *ThreadChecker) DetachFromThread() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
}

// MoveFrom transfers other's binding into c and leaves other detached.
// other must currently validate for the caller.
func (c *ThreadChecker) MoveFrom(ctx context.Context, other *ThreadChecker) {
	DCheck(other.CalledOnValidThread(ctx), "ThreadChecker moved from another thread")

	other.mu.Lock()
	bound, gid, task, seq := other.bound, other.goroutineID, other.taskToken, other.sequenceToken
	other.detachLocked()
	other.mu.Unlock()

	c.mu.Lock()
	c.bound, c.goroutineID, c.taskToken, c.sequenceToken = bound, gid, task, seq
	c.mu.Unlock()
}

func (c *ThreadChecker) ensureAssignedLocked(ctx context.Context) {
	c.bound = true
	c.goroutineID = currentGoroutineID()
	c.taskToken = TaskToken{}
	c.sequenceToken = SequenceToken{}
	if ctx == nil {
		return
	}
	c.taskToken = TaskTokenFromContext(ctx)
	if ThreadTaskRunnerHandleIsSet(ctx) {
		c.sequenceToken = SequenceTokenFromContext(ctx)
	}
}

func (c *ThreadChecker) detachLocked() {
	c.bound = false
	c.goroutineID = 0
	c.taskToken = TaskToken{}
	c.sequenceToken = SequenceToken{}
}

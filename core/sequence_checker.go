package core

import (
	"context"
	"sync"
)

// SequenceChecker verifies that calls happen on the sequence it is bound to.
//
// Binding is lazy. If the binding caller runs on a sequence (its ctx carries a
// valid SequenceToken) later calls must carry the same token; otherwise the
// checker degrades to thread affinity through an embedded ThreadChecker.
type SequenceChecker struct {
	mu            sync.Mutex
	bound         bool
	sequenceToken SequenceToken
	taskToken     TaskToken
	threadChecker *ThreadChecker
}

// NewSequenceChecker returns a checker bound to the caller's sequence.
func NewSequenceChecker(ctx context.Context) *SequenceChecker {
	c := &SequenceChecker{}
	c.bindLocked(ctx)
	return c
}

// NewDetachedSequenceChecker returns a checker that binds on first use. Owners
// that are built on one sequence and used on another start detached.
func NewDetachedSequenceChecker() *SequenceChecker {
	return &SequenceChecker{}
}

// CalledOnValidSequence reports whether the caller is on the bound sequence.
func (c *SequenceChecker) CalledOnValidSequence(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.bound {
		c.bindLocked(ctx)
		return true
	}
	if c.taskToken.Equals(TaskTokenFromContext(ctx)) {
		return true
	}
	if c.sequenceToken.IsValid() {
		return c.sequenceToken.Equals(SequenceTokenFromContext(ctx))
	}
	return c.threadChecker.CalledOnValidThread(ctx)
}

// DCheckCalledOnValidSequence fails a DCheck naming op when the caller is off
// the bound sequence.
func (c *SequenceChecker) DCheckCalledOnValidSequence(ctx context.Context, op string) {
	DCheck(c.CalledOnValidSequence(ctx), "%s called on the wrong sequence", op)
}

// DetachFromSequence clears the binding; the next check rebinds.
func (c *SequenceChecker) DetachFromSequence() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked()
}

// MoveFrom transfers other's binding into c and leaves other detached.
// other must currently validate for the caller (a detached other binds here).
func (c *SequenceChecker) MoveFrom(ctx context.Context, other *SequenceChecker) {
	DCheck(other.CalledOnValidSequence(ctx), "SequenceChecker moved from another sequence")

	other.mu.Lock()
	bound, seq, task, tc := other.bound, other.sequenceToken, other.taskToken, other.threadChecker
	other.threadChecker = nil
	other.detachLocked()
	other.mu.Unlock()

	c.mu.Lock()
	c.bound, c.sequenceToken, c.taskToken, c.threadChecker = bound, seq, task, tc
	c.mu.Unlock()
}

func (c *SequenceChecker) bindLocked(ctx context.Context) {
	c.bound = true
	c.sequenceToken = SequenceTokenFromContext(ctx)
	c.taskToken = TaskTokenFromContext(ctx)
	c.threadChecker = nil
	if !c.sequenceToken.IsValid() {
		c.threadChecker = NewThreadChecker(ctx)
	}
}

func (c *SequenceChecker) detachLocked() {
	c.bound = false
	c.sequenceToken = SequenceToken{}
	c.taskToken = TaskToken{}
	c.threadChecker = nil
}

package core

import (
	"context"
	"sync"
)

// Runner handles publish "the" runner of the current execution context.
// A ThreadTaskRunnerHandle binds a single-goroutine runner, a
// SequencedTaskRunnerHandle binds a sequence; a thread handle also answers
// sequenced lookups. Handles are carried by ctx: constructing one returns the
// derived ctx that code running in that context must use. A closed handle
// counts as an empty slot.

// =============================================================================
// handle slot
// =============================================================================

type handleKind int

const (
	threadHandleKind handleKind = iota
	sequencedHandleKind
)

func (k handleKind) String() string {
	if k == threadHandleKind {
		return "ThreadTaskRunnerHandle"
	}
	return "SequencedTaskRunnerHandle"
}

type runnerHandle struct {
	kind handleKind

	mu     sync.Mutex
	runner TaskRunner
	closed bool

	// overrideDepth counts live overrides; they must close in reverse order.
	overrideDepth int
	// nestedLoopBlockers counts live overrides that forbid nested run loops.
	nestedLoopBlockers int
}

func (h *runnerHandle) currentRunner() TaskRunner {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runner
}

func (h *runnerHandle) isLive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

type threadHandleKeyType struct{}
type sequencedHandleKeyType struct{}

var (
	threadHandleKey    threadHandleKeyType
	sequencedHandleKey sequencedHandleKeyType
)

func handleFromContext(ctx context.Context, kind handleKind) *runnerHandle {
	if ctx == nil {
		return nil
	}
	var v any
	if kind == threadHandleKind {
		v = ctx.Value(threadHandleKey)
	} else {
		v = ctx.Value(sequencedHandleKey)
	}
	h, _ := v.(*runnerHandle)
	if h == nil || !h.isLive() {
		return nil
	}
	return h
}

// liveSequencedHandle prefers an explicit sequenced handle and falls back to
// a thread handle.
func liveSequencedHandle(ctx context.Context) *runnerHandle {
	if h := handleFromContext(ctx, sequencedHandleKind); h != nil {
		return h
	}
	return handleFromContext(ctx, threadHandleKind)
}

func bindHandle(ctx context.Context, kind handleKind, runner TaskRunner) (*runnerHandle, context.Context) {
	DCheck(runner != nil, "%s bound to a nil runner", kind)
	DCheck(liveSequencedHandle(ctx) == nil,
		"%s constructed while another runner handle is bound to this context", kind)

	h := &runnerHandle{kind: kind, runner: runner}
	if kind == threadHandleKind {
		ctx = context.WithValue(ctx, threadHandleKey, h)
	} else {
		ctx = context.WithValue(ctx, sequencedHandleKey, h)
	}
	return h, ctx
}

func (h *runnerHandle) close(ctx context.Context) {
	DCheck(h.currentRunner().RunsTasksInCurrentSequence(ctx),
		"%s closed outside the context of the runner it wraps", h.kind)

	var current *runnerHandle
	if h.kind == threadHandleKind {
		current = handleFromContext(ctx, threadHandleKind)
	} else {
		current = handleFromContext(ctx, sequencedHandleKind)
	}
	DCheck(current == h, "%s closed from a context it is not bound to", h.kind)

	h.mu.Lock()
	defer h.mu.Unlock()
	DCheck(!h.closed, "%s closed twice", h.kind)
	DCheck(h.overrideDepth == 0, "%s closed with %d live override(s)", h.kind, h.overrideDepth)
	h.closed = true
}

// =============================================================================
// ThreadTaskRunnerHandle
// =============================================================================

// ThreadTaskRunnerHandle binds a runner to the goroutine-backed context it
// runs tasks in.
type ThreadTaskRunnerHandle struct {
	h *runnerHandle
}

// NewThreadTaskRunnerHandle binds runner to ctx. The runner must report that
// it runs tasks in ctx, and no other handle may be bound there.
func NewThreadTaskRunnerHandle(ctx context.Context, runner TaskRunner) (*ThreadTaskRunnerHandle, context.Context) {
	DCheck(runner == nil || runner.RunsTasksInCurrentSequence(ctx),
		"ThreadTaskRunnerHandle constructed for a runner that does not run tasks in this context")
	h, ctx := bindHandle(ctx, threadHandleKind, runner)
	return &ThreadTaskRunnerHandle{h: h}, ctx
}

// Close clears the binding. ctx must be the one the handle is bound to.
func (t *ThreadTaskRunnerHandle) Close(ctx context.Context) {
	t.h.close(ctx)
}

// ThreadTaskRunnerHandleGet returns the runner bound to ctx. Calling it from a
// context without a thread runner is fatal.
func ThreadTaskRunnerHandleGet(ctx context.Context) TaskRunner {
	h := handleFromContext(ctx, threadHandleKind)
	Check(h != nil,
		"no ThreadTaskRunnerHandle is bound: the caller requires a single-threaded context. "+
			"In tests, run the code inside a SingleThreadTaskRunner task or install one with NewThreadTaskRunnerHandleOverride")
	return h.currentRunner()
}

// ThreadTaskRunnerHandleIsSet reports whether a live thread handle is bound to ctx.
func ThreadTaskRunnerHandleIsSet(ctx context.Context) bool {
	return handleFromContext(ctx, threadHandleKind) != nil
}

// =============================================================================
// SequencedTaskRunnerHandle
// =============================================================================

// SequencedTaskRunnerHandle binds a runner to the sequence it runs tasks on.
type SequencedTaskRunnerHandle struct {
	h *runnerHandle
}

// NewSequencedTaskRunnerHandle binds runner to ctx. The runner must report
// that it runs tasks in ctx, and no other handle (thread or sequenced) may be
// bound there.
func NewSequencedTaskRunnerHandle(ctx context.Context, runner TaskRunner) (*SequencedTaskRunnerHandle, context.Context) {
	DCheck(runner == nil || runner.RunsTasksInCurrentSequence(ctx),
		"SequencedTaskRunnerHandle constructed for a runner that does not run tasks in this context")
	h, ctx := bindHandle(ctx, sequencedHandleKind, runner)
	return &SequencedTaskRunnerHandle{h: h}, ctx
}

func (s *SequencedTaskRunnerHandle) Close(ctx context.Context) {
	s.h.close(ctx)
}

// SequencedTaskRunnerHandleGet returns the runner of the current sequence,
// which may come from a thread handle. Calling it outside of any sequence is
// fatal.
func SequencedTaskRunnerHandleGet(ctx context.Context) TaskRunner {
	h := liveSequencedHandle(ctx)
	Check(h != nil,
		"no SequencedTaskRunnerHandle is bound: the caller requires a sequenced context. "+
			"In tests, run the code inside a runner task or install one with NewThreadTaskRunnerHandleOverride")
	return h.currentRunner()
}

// SequencedTaskRunnerHandleIsSet reports whether ctx has a live sequenced or
// thread handle.
func SequencedTaskRunnerHandleIsSet(ctx context.Context) bool {
	return liveSequencedHandle(ctx) != nil
}

// =============================================================================
// ThreadTaskRunnerHandleOverride
// =============================================================================

// ThreadTaskRunnerHandleOverride temporarily substitutes the runner published
// by the thread handle of a context. Overrides nest and must be closed in
// reverse order of construction.
type ThreadTaskRunnerHandleOverride struct {
	h        *runnerHandle
	previous TaskRunner
	depth    int
	blocks   bool
	closed   bool

	// topLevel is set when no handle existed and the override created one.
	topLevel bool
}

// NewThreadTaskRunnerHandleOverride swaps runner into the thread handle bound
// to ctx, or binds a new one when ctx has none. When allowNestedRunLoop is
// false, nested run loops are refused until the override is closed. The
// returned ctx must be used while the override is active.
func NewThreadTaskRunnerHandleOverride(ctx context.Context, runner TaskRunner, allowNestedRunLoop bool) (*ThreadTaskRunnerHandleOverride, context.Context) {
	DCheck(runner != nil, "ThreadTaskRunnerHandleOverride with a nil runner")

	h := handleFromContext(ctx, threadHandleKind)
	if h == nil {
		h, ctx = bindHandle(ctx, threadHandleKind, runner)
		o := &ThreadTaskRunnerHandleOverride{h: h, topLevel: true}
		if !allowNestedRunLoop {
			h.mu.Lock()
			h.nestedLoopBlockers++
			h.mu.Unlock()
			o.blocks = true
		}
		return o, ctx
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	o := &ThreadTaskRunnerHandleOverride{
		h:        h,
		previous: h.runner,
		blocks:   !allowNestedRunLoop,
	}
	h.runner = runner
	h.overrideDepth++
	o.depth = h.overrideDepth
	if o.blocks {
		h.nestedLoopBlockers++
	}
	return o, ctx
}

// Close restores the runner that was published before the override.
func (o *ThreadTaskRunnerHandleOverride) Close() {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()

	DCheck(!o.closed, "ThreadTaskRunnerHandleOverride closed twice")
	if o.closed {
		return
	}
	o.closed = true

	if o.blocks {
		o.h.nestedLoopBlockers--
	}
	if o.topLevel {
		DCheck(o.h.overrideDepth == 0,
			"ThreadTaskRunnerHandleOverride closed before %d nested override(s)", o.h.overrideDepth)
		o.h.closed = true
		return
	}

	DCheck(o.h.overrideDepth == o.depth,
		"ThreadTaskRunnerHandleOverride closed out of order (depth %d, expected %d)", o.depth, o.h.overrideDepth)
	o.h.runner = o.previous
	o.h.overrideDepth--
}

// NestedRunLoopAllowed reports whether code running under ctx may spin a
// nested run loop.
func NestedRunLoopAllowed(ctx context.Context) bool {
	h := handleFromContext(ctx, threadHandleKind)
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nestedLoopBlockers == 0
}

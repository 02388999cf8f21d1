package core

import (
	"context"
	"strconv"
	"sync/atomic"
)

// InvalidTokenValue is what ToInternalValue reports for an invalid token.
const InvalidTokenValue int64 = -1

var (
	sequenceTokenGenerator atomic.Int64
	taskTokenGenerator     atomic.Int64
)

// =============================================================================
// SequenceToken
// =============================================================================

// SequenceToken identifies a sequence: a logical single-threaded execution
// context that may or may not map to one goroutine. The zero value is invalid.
// Two tokens are equal only if both are valid and were produced by the same
// CreateSequenceToken call.
type SequenceToken struct {
	id int64
}

// CreateSequenceToken returns a fresh, process-unique valid token.
func CreateSequenceToken() SequenceToken {
	return SequenceToken{id: sequenceTokenGenerator.Add(1)}
}

// IsValid reports whether t was produced by CreateSequenceToken.
func (t SequenceToken) IsValid() bool {
	return t.id > 0
}

// Equals reports whether t and other name the same sequence.
// An invalid token is never equal to anything, not even another invalid token.
func (t SequenceToken) Equals(other SequenceToken) bool {
	return t.IsValid() && t.id == other.id
}

// ToInternalValue returns the raw integer, or InvalidTokenValue.
func (t SequenceToken) ToInternalValue() int64 {
	if !t.IsValid() {
		return InvalidTokenValue
	}
	return t.id
}

func (t SequenceToken) String() string {
	return "seq#" + strconv.FormatInt(t.ToInternalValue(), 10)
}

// =============================================================================
// TaskToken
// =============================================================================

// TaskToken identifies a single task execution. It lets a checker accept
// re-entrant calls made from the very task it was bound in, even when that
// task is not running on a sequence-bound goroutine.
type TaskToken struct {
	id int64
}

// CreateTaskToken returns a fresh, process-unique valid token.
func CreateTaskToken() TaskToken {
	return TaskToken{id: taskTokenGenerator.Add(1)}
}

func (t TaskToken) IsValid() bool {
	return t.id > 0
}

// Equals follows the same rule as SequenceToken.Equals.
func (t TaskToken) Equals(other TaskToken) bool {
	return t.IsValid() && t.id == other.id
}

func (t TaskToken) ToInternalValue() int64 {
	if !t.IsValid() {
		return InvalidTokenValue
	}
	return t.id
}

func (t TaskToken) String() string {
	return "task#" + strconv.FormatInt(t.ToInternalValue(), 10)
}

// =============================================================================
// Context Helper
// =============================================================================

type sequenceTokenKeyType struct{}
type taskTokenKeyType struct{}

var (
	sequenceTokenKey sequenceTokenKeyType
	taskTokenKey     taskTokenKeyType
)

// WithSequenceToken returns a ctx whose current sequence is t.
func WithSequenceToken(ctx context.Context, t SequenceToken) context.Context {
	return context.WithValue(ctx, sequenceTokenKey, t)
}

// SequenceTokenFromContext returns the sequence the caller runs on, or an
// invalid token when ctx carries none.
func SequenceTokenFromContext(ctx context.Context) SequenceToken {
	if ctx == nil {
		return SequenceToken{}
	}
	if v, ok := ctx.Value(sequenceTokenKey).(SequenceToken); ok {
		return v
	}
	return SequenceToken{}
}

// WithTaskToken returns a ctx whose current task execution is t.
func WithTaskToken(ctx context.Context, t TaskToken) context.Context {
	return context.WithValue(ctx, taskTokenKey, t)
}

// TaskTokenFromContext returns the current task execution token, or an
// invalid token when ctx carries none.
func TaskTokenFromContext(ctx context.Context) TaskToken {
	if ctx == nil {
		return TaskToken{}
	}
	if v, ok := ctx.Value(taskTokenKey).(TaskToken); ok {
		return v
	}
	return TaskToken{}
}

// BindSequenceForTask derives the ctx a runner hands to one task execution:
// the runner's sequence token plus a fresh task token.
func BindSequenceForTask(ctx context.Context, seq SequenceToken) context.Context {
	return WithTaskToken(WithSequenceToken(ctx, seq), CreateTaskToken())
}

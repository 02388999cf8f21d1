package core

import (
	"context"
	"testing"
)

// TestTaskTraits_WithExtension verifies extension routing is set on a copy
// Given: Default traits
// When: WithExtension(2) is called
// Then: The copy carries extension 2 and the original stays unrouted
func TestTaskTraits_WithExtension(t *testing.T) {
	// Arrange
	base := DefaultTaskTraits()

	// Act
	routed := base.WithExtension(2)

	// Assert
	if routed.ExtensionID != 2 {
		t.Errorf("routed.ExtensionID = %d, want 2", routed.ExtensionID)
	}
	if routed.Priority != base.Priority {
		t.Errorf("routed.Priority = %v, want %v", routed.Priority, base.Priority)
	}
	if base.ExtensionID != InvalidExtensionID {
		t.Errorf("base.ExtensionID = %d, want %d", base.ExtensionID, InvalidExtensionID)
	}
}

// TestGetCurrentTaskRunner verifies the runner lookup follows the bound handle
// Given: a single-thread runner
// When: GetCurrentTaskRunner is called outside any task, inside a task, and on the task ctx after it returned
// Then: only the live task ctx resolves to the runner
func TestGetCurrentTaskRunner(t *testing.T) {
	// Arrange
	runner := NewSingleThreadTaskRunner()
	defer runner.Stop()
	seen := make(chan TaskRunner, 1)
	leaked := make(chan context.Context, 1)

	// Act
	runner.PostTask(func(ctx context.Context) {
		seen <- GetCurrentTaskRunner(ctx)
		leaked <- ctx
	})
	inside := <-seen
	if err := runner.WaitIdle(context.Background()); err != nil {
		t.Fatalf("WaitIdle failed: %v", err)
	}

	// Assert
	if got := GetCurrentTaskRunner(context.Background()); got != nil {
		t.Fatalf("GetCurrentTaskRunner(background) = %#v, want nil", got)
	}
	if inside != TaskRunner(runner) {
		t.Fatalf("GetCurrentTaskRunner in task = %v, want the runner", inside)
	}
	runner.Stop()
	if got := GetCurrentTaskRunner(<-leaked); got != nil {
		t.Errorf("GetCurrentTaskRunner on a ctx outliving its loop = %v, want nil", got)
	}
}

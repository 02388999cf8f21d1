package core

import (
	"context"
	"fmt"
)

// waitBarrier posts a barrier through post and waits for it to run. It fails
// with ErrRunnerClosed if closed fires first.
func waitBarrier(ctx context.Context, name string, closed <-chan struct{}, post func(Task)) error {
	select {
	case <-closed:
		return fmt.Errorf("wait idle on %s: %w", name, ErrRunnerClosed)
	default:
	}
	barrier := make(chan struct{})
	post(func(context.Context) { close(barrier) })
	select {
	case <-barrier:
		return nil
	case <-closed:
		return fmt.Errorf("wait idle on %s: %w", name, ErrRunnerClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitClosed blocks until closed fires or ctx ends.
func waitClosed(ctx context.Context, closed <-chan struct{}) error {
	select {
	case <-closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package taskruntime_test

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	taskruntime "github.com/Swind/go-task-runtime"
)

// ExampleCreateTaskRunner posts to a sequence on the global pool; its tasks
// run one at a time in post order.
func ExampleCreateTaskRunner() {
	taskruntime.InitGlobalThreadPool(4)
	defer taskruntime.ShutdownGlobalThreadPool()

	runner := taskruntime.CreateTaskRunner(taskruntime.DefaultTaskTraits())
	defer runner.Shutdown()
	for _, step := range []string{"fetch", "parse", "store"} {
		runner.PostTask(func(context.Context) { fmt.Println(step) })
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := runner.WaitIdle(ctx); err != nil {
		fmt.Println("wait:", err)
	}

	// Output:
	// fetch
	// parse
	// store
}

// ExamplePostTaskAndReplyWithResult computes on a worker runner and hands the
// result back to the calling sequence.
func ExamplePostTaskAndReplyWithResult() {
	taskruntime.InitGlobalThreadPool(2)
	defer taskruntime.ShutdownGlobalThreadPool()

	ui := taskruntime.CreateTaskRunner(taskruntime.TraitsUserBlocking())
	worker := taskruntime.CreateTaskRunner(taskruntime.TraitsBestEffort())
	done := make(chan struct{})

	ui.PostTask(func(ctx context.Context) {
		taskruntime.PostTaskAndReplyWithResult[int](ctx, worker,
			func(context.Context) (int, error) { return strconv.Atoi("42") },
			func(replyCtx context.Context, n int, err error) {
				fmt.Println(n, err, ui.RunsTasksInCurrentSequence(replyCtx))
				close(done)
			})
	})
	<-done

	// Output:
	// 42 <nil> true
}

// ExampleGoroutineThreadPool_StopGraceful drains queued work before stopping.
func ExampleGoroutineThreadPool_StopGraceful() {
	pool := taskruntime.NewGoroutineThreadPool("batch", 1)
	pool.Start(context.Background())

	var total int
	for i := 1; i <= 4; i++ {
		pool.PostInternal(func(context.Context) { total += i }, taskruntime.DefaultTaskTraits())
	}

	err := pool.StopGraceful(time.Second)
	fmt.Println(total, errors.Is(err, taskruntime.ErrDrainTimeout))

	// Output:
	// 10 false
}

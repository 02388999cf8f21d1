// Package taskruntime provides a Chromium-style task scheduling runtime for Go.
//
// Code posts tasks to runners instead of managing goroutines. A runner
// decides which queued task runs next and when, and guarantees that a task
// never runs on the wrong sequence. Execution context that other runtimes
// keep in thread-locals (the current sequence, the current runner, the
// current executor) travels in the context.Context handed to every task.
//
// # Quick Start
//
// Install an AtExitManager and the global thread pool at startup:
//
//	exitManager := taskruntime.NewAtExitManager()
//	defer exitManager.Close()
//	taskruntime.InitGlobalThreadPool(4) // shut down by exitManager.Close
//
// Post sequential work:
//
//	runner := taskruntime.CreateTaskRunner(taskruntime.DefaultTaskTraits())
//	runner.PostTask(func(ctx context.Context) {
//		// Runs after every task posted before it, never concurrently with them.
//	})
//
// Run a dedicated loop:
//
//	main := taskruntime.NewSingleThreadTaskRunner()
//	defer main.Stop()
//	main.PostTask(func(ctx context.Context) {
//		self := taskruntime.ThreadTaskRunnerHandleGet(ctx) // == main
//		taskruntime.PostTaskAndReply(ctx, runner, work, func(ctx context.Context) {
//			// back on main
//		})
//	})
//
// # Key Concepts
//
// TaskRunner: Interface for posting tasks. SequencedTaskRunner runs tasks in
// order on pool workers; SingleThreadTaskRunner runs them on one goroutine
// driven by a message pump.
//
// TaskTraits: Priority, blocking hints and an ExtensionID that routes a task
// to a TaskExecutor registered with core.RegisterTaskExecutor.
//
// Sequence identity: every runner owns a core.SequenceToken;
// core.SequenceChecker and core.ThreadChecker assert that state owned by a
// sequence is only touched from it.
//
// AtExitManager: LIFO shutdown callbacks for process-wide singletons such as
// the global thread pool.
//
// The building blocks live in the core package; this package re-exports the
// common ones and adds the global pool and PostTask routing.
package taskruntime

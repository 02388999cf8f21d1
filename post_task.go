package taskruntime

import (
	"context"
	"time"

	"github.com/Swind/go-task-runtime/core"
)

// PostTask runs task as soon as possible on the executor selected for it.
// See PostDelayedTask for how the executor is chosen.
func PostTask(ctx context.Context, traits TaskTraits, task Task) bool {
	return PostDelayedTask(ctx, traits, task, 0)
}

// PostDelayedTask runs task after delay. The executor is, in order: the one
// registered for traits.ExtensionID, the current executor carried by ctx,
// the global thread pool. It returns false when no executor accepts the task.
func PostDelayedTask(ctx context.Context, traits TaskTraits, task Task, delay time.Duration) bool {
	if executor := executorFor(ctx, traits); executor != nil {
		return executor.PostDelayedTaskWithTraits(task, delay, traits)
	}
	core.GetLogger().Warn("PostTask without an executor; call InitGlobalThreadPool first")
	return false
}

// CreateTaskRunnerWithTraits returns a parallel runner from the executor
// selected for traits.
func CreateTaskRunnerWithTraits(ctx context.Context, traits TaskTraits) TaskRunner {
	if executor := executorFor(ctx, traits); executor != nil {
		return executor.CreateTaskRunner(traits)
	}
	return nil
}

// CreateSequencedTaskRunnerWithTraits returns a sequenced runner from the
// executor selected for traits.
func CreateSequencedTaskRunnerWithTraits(ctx context.Context, traits TaskTraits) TaskRunner {
	if executor := executorFor(ctx, traits); executor != nil {
		return executor.CreateSequencedTaskRunner(traits)
	}
	return nil
}

func executorFor(ctx context.Context, traits TaskTraits) core.TaskExecutor {
	if executor := core.GetRegisteredTaskExecutorForTraits(traits); executor != nil {
		return executor
	}
	if executor := core.TaskExecutorFromContext(ctx); executor != nil {
		return executor
	}
	if pool := GlobalThreadPool(); pool != nil {
		return pool
	}
	return nil
}

// PostTaskAndReply runs task on runner and then reply on the sequence ctx
// belongs to. ctx must come from a task running on a sequence.
func PostTaskAndReply(ctx context.Context, runner TaskRunner, task, reply Task) {
	core.PostTaskAndReplyToCurrentSequence(ctx, runner, task, reply)
}

// PostTaskAndReplyWithResult runs task on runner and hands its result to
// reply on the sequence ctx belongs to.
func PostTaskAndReplyWithResult[T any](ctx context.Context, runner TaskRunner, task TaskWithResult[T], reply ReplyWithResult[T]) {
	core.PostTaskAndReplyWithResult(runner, task, reply, core.SequencedTaskRunnerHandleGet(ctx))
}

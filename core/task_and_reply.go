package core

import (
	"context"
	"time"
)

// TaskWithResult is a task that produces a value for its reply.
type TaskWithResult[T any] func(ctx context.Context) (T, error)

// ReplyWithResult receives the result of a TaskWithResult.
type ReplyWithResult[T any] func(ctx context.Context, result T, err error)

// replyPost describes one task-and-reply round trip. The reply is posted only
// after task returned normally, so it always observes the task's writes.
type replyPost struct {
	target      TaskRunner
	task        Task
	taskTraits  TaskTraits
	delay       time.Duration
	reply       Task
	replyTraits TaskTraits
	replyRunner TaskRunner
}

func (p replyPost) post() {
	task := p.task
	if p.replyRunner != nil {
		task = func(ctx context.Context) {
			if runGuarded(ctx, p.task) {
				p.replyRunner.PostTaskWithTraits(p.reply, p.replyTraits)
			}
		}
	}
	if p.delay > 0 {
		p.target.PostDelayedTaskWithTraits(task, p.delay, p.taskTraits)
		return
	}
	p.target.PostTaskWithTraits(task, p.taskTraits)
}

// runGuarded runs task and reports whether it returned normally.
func runGuarded(ctx context.Context, task Task) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			GetLogger().Warn("task panicked, reply will not run",
				F("panic", rec), F("sequence", SequenceTokenFromContext(ctx).String()))
		}
	}()
	task(ctx)
	return true
}

func postTaskAndReplyInternalWithTraits(target TaskRunner, task Task, taskTraits TaskTraits, reply Task, replyTraits TaskTraits, replyRunner TaskRunner) {
	replyPost{
		target: target, task: task, taskTraits: taskTraits,
		reply: reply, replyTraits: replyTraits, replyRunner: replyRunner,
	}.post()
}

// postTaskAndReplyInternal posts task with traits and reply with the default traits.
func postTaskAndReplyInternal(target TaskRunner, task Task, reply Task, replyRunner TaskRunner, traits TaskTraits) {
	postTaskAndReplyInternalWithTraits(target, task, traits, reply, DefaultTaskTraits(), replyRunner)
}

// PostTaskAndReplyToCurrentSequence runs task on targetRunner and replies on
// the sequence ctx belongs to. It must be called from a task running on a
// sequence (a runner handle is bound to ctx).
func PostTaskAndReplyToCurrentSequence(ctx context.Context, targetRunner TaskRunner, task Task, reply Task) {
	replyRunner := SequencedTaskRunnerHandleGet(ctx)
	postTaskAndReplyInternalWithTraits(targetRunner, task, DefaultTaskTraits(), reply, DefaultTaskTraits(), replyRunner)
}

// PostTaskAndReplyWithResult runs task on targetRunner and passes what it
// returns to reply on replyRunner.
//
//	PostTaskAndReplyWithResult(
//	    ioRunner,
//	    func(ctx context.Context) ([]byte, error) { return os.ReadFile(path) },
//	    func(ctx context.Context, data []byte, err error) { render(data, err) },
//	    uiRunner,
//	)
func PostTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	PostTaskAndReplyWithResultAndTraits(targetRunner, task, DefaultTaskTraits(), reply, DefaultTaskTraits(), replyRunner)
}

// PostTaskAndReplyWithResultAndTraits is PostTaskAndReplyWithResult with
// separate traits for the task and the reply.
func PostTaskAndReplyWithResultAndTraits[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	PostDelayedTaskAndReplyWithResultAndTraits(targetRunner, task, 0, taskTraits, reply, replyTraits, replyRunner)
}

// PostDelayedTaskAndReplyWithResult delays the task; the reply is posted as
// soon as the task completes.
func PostDelayedTaskAndReplyWithResult[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	delay time.Duration,
	reply ReplyWithResult[T],
	replyRunner TaskRunner,
) {
	PostDelayedTaskAndReplyWithResultAndTraits(targetRunner, task, delay, DefaultTaskTraits(), reply, DefaultTaskTraits(), replyRunner)
}

func PostDelayedTaskAndReplyWithResultAndTraits[T any](
	targetRunner TaskRunner,
	task TaskWithResult[T],
	delay time.Duration,
	taskTraits TaskTraits,
	reply ReplyWithResult[T],
	replyTraits TaskTraits,
	replyRunner TaskRunner,
) {
	var (
		result T
		err    error
	)
	replyPost{
		target:      targetRunner,
		task:        func(ctx context.Context) { result, err = task(ctx) },
		taskTraits:  taskTraits,
		delay:       delay,
		reply:       func(ctx context.Context) { reply(ctx, result, err) },
		replyTraits: replyTraits,
		replyRunner: replyRunner,
	}.post()
}

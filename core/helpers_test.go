package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// expectContractViolation runs fn and fails t unless it panics with a
// *ContractViolation whose message contains substr.
func expectContractViolation(t *testing.T, substr string, fn func()) {
	t.Helper()
	cv, rec := catchContractViolation(fn)
	switch {
	case rec == nil:
		t.Fatalf("expected contract violation containing %q, got none", substr)
	case cv == nil:
		t.Fatalf("panic value = %#v, want *ContractViolation", rec)
	case !strings.Contains(cv.Message, substr):
		t.Fatalf("violation message = %q, want it to contain %q", cv.Message, substr)
	}
}

// catchContractViolation runs fn and returns what it panicked with. It is
// safe to call off the test goroutine.
func catchContractViolation(fn func()) (cv *ContractViolation, rec any) {
	defer func() {
		rec = recover()
		if err, ok := rec.(error); ok {
			errors.As(err, &cv)
		}
	}()
	fn()
	return nil, nil
}

// recordingExecutor is a TaskExecutor that runs posted tasks on a fresh
// goroutine and remembers the traits it saw.
type recordingExecutor struct {
	mu      sync.Mutex
	traits  []TaskTraits
	refuse  bool
	ranOnce chan struct{}
	once    sync.Once
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{ranOnce: make(chan struct{})}
}

func (e *recordingExecutor) PostDelayedTaskWithTraits(task Task, delay time.Duration, traits TaskTraits) bool {
	e.mu.Lock()
	refuse := e.refuse
	e.traits = append(e.traits, traits)
	e.mu.Unlock()
	if refuse {
		return false
	}
	go func() {
		time.Sleep(delay)
		task(WithTaskExecutor(context.Background(), e))
		e.once.Do(func() { close(e.ranOnce) })
	}()
	return true
}

func (e *recordingExecutor) CreateTaskRunner(traits TaskTraits) TaskRunner {
	return nil
}

func (e *recordingExecutor) CreateSequencedTaskRunner(traits TaskTraits) TaskRunner {
	return nil
}

func (e *recordingExecutor) posted() []TaskTraits {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]TaskTraits(nil), e.traits...)
}

// eventually polls cond until it holds or timeout expires.
func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// workerPool is a ThreadPool running a FIFO TaskScheduler on its own worker
// goroutines. It is shut down when the test ends.
type workerPool struct {
	*TaskScheduler
}

func startWorkerPool(t *testing.T) *workerPool {
	t.Helper()
	return startWorkerPoolN(t, 2)
}

func startWorkerPoolN(t *testing.T, workers int) *workerPool {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := &workerPool{TaskScheduler: NewFIFOTaskScheduler(workers)}
	for range p.WorkerCount() {
		go p.work(ctx)
	}
	t.Cleanup(func() {
		p.TaskScheduler.Shutdown()
		cancel()
	})
	return p
}

func (p *workerPool) work(ctx context.Context) {
	for {
		pt, ok := p.GetWork(ctx.Done())
		if !ok {
			return
		}
		if !pt.Canceled() {
			pt.Task(ctx)
		}
		p.OnTaskEnd()
	}
}

func (p *workerPool) Start(context.Context) {}
func (p *workerPool) Stop()                 {}
func (p *workerPool) ID() string            { return "worker-pool" }
func (p *workerPool) IsRunning() bool       { return !p.IsShuttingDown() }

// lifecycleRunner is the surface shared by both runner kinds.
type lifecycleRunner interface {
	TaskRunner
	PostRepeatingTaskWithInitialDelay(task Task, initialDelay, interval time.Duration, traits TaskTraits) RepeatingTaskHandle
	Shutdown()
	IsClosed() bool
	Stats() RunnerStats
	WaitIdle(ctx context.Context) error
	FlushAsync(callback func())
	WaitShutdown(ctx context.Context) error
}

// runnerKinds builds one runner of each kind for table-driven tests.
var runnerKinds = []struct {
	name string
	make func(t *testing.T) lifecycleRunner
}{
	{"Sequenced", func(t *testing.T) lifecycleRunner {
		return NewSequencedTaskRunner(startWorkerPool(t))
	}},
	{"SingleThread", func(t *testing.T) lifecycleRunner {
		r := NewSingleThreadTaskRunner()
		t.Cleanup(r.Stop)
		return r
	}},
}

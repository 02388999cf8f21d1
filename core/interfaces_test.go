package core

import (
	"context"
	"sync"
	"testing"
	"time"
)

// observer implements Metrics, PanicHandler and RejectedTaskHandler and
// keeps what each callback received.
type observer struct {
	mu      sync.Mutex
	panics  []observedPanic
	rejects []observedReject
	timed   map[string]int
	wakeUps []bool
	highRes []int
	depths  []int
}

type observedPanic struct {
	runner string
	worker int
	value  any
}

type observedReject struct {
	runner string
	reason string
}

func newObserver() *observer {
	return &observer{timed: make(map[string]int)}
}

func (o *observer) HandlePanic(_ context.Context, runnerName string, workerID int, panicInfo any, _ []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panics = append(o.panics, observedPanic{runnerName, workerID, panicInfo})
}

func (o *observer) HandleRejectedTask(runnerName string, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejects = append(o.rejects, observedReject{runnerName, reason})
}

func (o *observer) RecordTaskDuration(runnerName string, _ TaskPriority, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timed[runnerName]++
}

// RecordTaskPanic is covered by HandlePanic; the two always fire together.
func (o *observer) RecordTaskPanic(string, any) {}

func (o *observer) RecordQueueDepth(_ string, depth int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.depths = append(o.depths, depth)
}

// RecordTaskRejected is counted alongside HandleRejectedTask when the
// observer is wired as both.
func (o *observer) RecordTaskRejected(runnerName string, reason string) {
	o.HandleRejectedTask(runnerName, "metric:"+reason)
}

func (o *observer) RecordScheduleWork(_ string, delayed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.wakeUps = append(o.wakeUps, delayed)
}

func (o *observer) RecordHighResolutionTasks(_ string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.highRes = append(o.highRes, count)
}

func (o *observer) panicCalls() []observedPanic {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observedPanic(nil), o.panics...)
}

func (o *observer) rejections() []observedReject {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observedReject(nil), o.rejects...)
}

func (o *observer) wakeUpCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.wakeUps)
}

func (o *observer) timedTasks(runner string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.timed[runner]
}

// logRecord is one call captured by captureLogger.
type logRecord struct {
	level  string
	msg    string
	fields map[string]any
}

// captureLogger keeps every record and is installed as the process logger
// for the duration of a test.
type captureLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func installCaptureLogger(t *testing.T) *captureLogger {
	t.Helper()
	l := &captureLogger{}
	prev := GetLogger()
	SetLogger(l)
	t.Cleanup(func() { SetLogger(prev) })
	return l
}

func (l *captureLogger) add(level, msg string, fields []Field) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{level, msg, m})
}

func (l *captureLogger) Debug(msg string, fields ...Field) { l.add("debug", msg, fields) }
func (l *captureLogger) Info(msg string, fields ...Field)  { l.add("info", msg, fields) }
func (l *captureLogger) Warn(msg string, fields ...Field)  { l.add("warn", msg, fields) }
func (l *captureLogger) Error(msg string, fields ...Field) { l.add("error", msg, fields) }

func (l *captureLogger) find(msg string) (logRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if r.msg == msg {
			return r, true
		}
	}
	return logRecord{}, false
}

// TestDefaultPanicHandler_LogsRecord verifies the default handler reports through the process logger
// Given: a capturing process logger
// When: DefaultPanicHandler handles a pool panic and a loop panic
// Then: both are logged at error level and only the pool one carries a worker field
func TestDefaultPanicHandler_LogsRecord(t *testing.T) {
	tests := []struct {
		name       string
		worker     int
		wantWorker bool
	}{
		{"PoolWorker", 3, true},
		{"SingleThreadLoop", -1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			logs := installCaptureLogger(t)
			ctx := BindSequenceForTask(context.Background(), CreateSequenceToken())

			// Act
			(&DefaultPanicHandler{}).HandlePanic(ctx, "io", tt.worker, "disk gone", []byte("goroutine 1"))

			// Assert
			rec, ok := logs.find("task panicked")
			if !ok {
				t.Fatal("no panic record logged")
			}
			if rec.level != "error" || rec.fields["runner"] != "io" || rec.fields["panic"] != "disk gone" {
				t.Errorf("record = %+v", rec)
			}
			if _, hasWorker := rec.fields["worker"]; hasWorker != tt.wantWorker {
				t.Errorf("worker field present = %v, want %v", hasWorker, tt.wantWorker)
			}
			if rec.fields["sequence"] == "" {
				t.Error("sequence field is empty for a task bound to a sequence")
			}
		})
	}
}

// TestDefaultRejectedTaskHandler_LogsAtDebug verifies rejections are quiet by default
// Given: a capturing process logger
// When: DefaultRejectedTaskHandler handles a rejection
// Then: one debug record names the runner and the reason
func TestDefaultRejectedTaskHandler_LogsAtDebug(t *testing.T) {
	// Arrange
	logs := installCaptureLogger(t)

	// Act
	(&DefaultRejectedTaskHandler{}).HandleRejectedTask("net", "shutting down")

	// Assert
	rec, ok := logs.find("task rejected")
	if !ok || rec.level != "debug" {
		t.Fatalf("record = %+v, found = %v, want a debug record", rec, ok)
	}
	if rec.fields["runner"] != "net" || rec.fields["reason"] != "shutting down" {
		t.Errorf("fields = %v", rec.fields)
	}
}

// TestNilMetrics_SatisfiesMetrics verifies the no-op collector is usable as a Metrics
// Given: a NilMetrics behind the Metrics interface
// When: every method is called
// Then: nothing panics
func TestNilMetrics_SatisfiesMetrics(t *testing.T) {
	// Arrange
	var m Metrics = &NilMetrics{}

	// Act & Assert
	m.RecordTaskDuration("r", TaskPriorityUserVisible, time.Second)
	m.RecordTaskPanic("r", "p")
	m.RecordQueueDepth("r", 1)
	m.RecordTaskRejected("r", "closed")
	m.RecordScheduleWork("r", true)
	m.RecordHighResolutionTasks("r", 2)
}

// TestTaskSchedulerConfig_Defaults verifies what an unset or partial config resolves to
// Given: a nil config, the default config and a config setting only Metrics
// When: a scheduler is built from each
// Then: unset handlers fall back to the defaults and set ones are kept
func TestTaskSchedulerConfig_Defaults(t *testing.T) {
	obs := newObserver()
	tests := []struct {
		name        string
		cfg         *TaskSchedulerConfig
		wantMetrics Metrics
	}{
		{"Nil", nil, nil},
		{"Default", DefaultTaskSchedulerConfig(), nil},
		{"MetricsOnly", &TaskSchedulerConfig{Metrics: obs}, obs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Act
			s := NewFIFOTaskSchedulerWithConfig(1, tt.cfg)
			defer s.Shutdown()

			// Assert
			if _, ok := s.GetPanicHandler().(*DefaultPanicHandler); !ok {
				t.Errorf("panic handler = %T, want *DefaultPanicHandler", s.GetPanicHandler())
			}
			if tt.wantMetrics != nil {
				if s.GetMetrics() != tt.wantMetrics {
					t.Errorf("metrics = %T, want the configured collector", s.GetMetrics())
				}
			} else if _, ok := s.GetMetrics().(*NilMetrics); !ok {
				t.Errorf("metrics = %T, want *NilMetrics", s.GetMetrics())
			}
		})
	}
}

// TestLoopConfig_WithDefaults verifies LoopConfig defaulting
// Given: a nil config and a partial one
// When: defaults are applied
// Then: every handler is set and unset tunables take defaults
func TestLoopConfig_WithDefaults(t *testing.T) {
	// Arrange
	var nilCfg *LoopConfig
	partial := &LoopConfig{Name: "ui", MaxTasksPerDoWork: 8, HighResolutionThreshold: -1}

	// Act
	fromNil := nilCfg.withDefaults()
	fromPartial := partial.withDefaults()

	// Assert
	if fromNil.Logger == nil || fromNil.Metrics == nil || fromNil.PanicHandler == nil || fromNil.RejectedTaskHandler == nil {
		t.Fatalf("withDefaults() left a nil handler: %+v", fromNil)
	}
	if fromNil.Registry != DefaultTaskExecutorRegistry() {
		t.Error("withDefaults() should use the process-wide registry")
	}
	if fromPartial.Name != "ui" || fromPartial.MaxTasksPerDoWork != 8 {
		t.Errorf("withDefaults() dropped set fields: %+v", fromPartial)
	}
	if fromPartial.HighResolutionThreshold != DefaultHighResolutionThreshold {
		t.Errorf("HighResolutionThreshold = %v, want %v", fromPartial.HighResolutionThreshold, DefaultHighResolutionThreshold)
	}
	if fromPartial.LowResolutionSlack != DefaultLowResolutionSlack {
		t.Errorf("LowResolutionSlack = %v, want %v", fromPartial.LowResolutionSlack, DefaultLowResolutionSlack)
	}
}

// TestTaskScheduler_RejectsAfterShutdown verifies both rejection hooks fire
// Given: a scheduler wired to an observer for metrics and rejections
// When: an immediate and a delayed task are posted after Shutdown
// Then: each post is reported twice, once per hook, with the shutdown reason
func TestTaskScheduler_RejectsAfterShutdown(t *testing.T) {
	// Arrange
	obs := newObserver()
	s := NewFIFOTaskSchedulerWithConfig(2, &TaskSchedulerConfig{Metrics: obs, RejectedTaskHandler: obs})
	s.Shutdown()

	// Act
	s.PostInternal(func(context.Context) { t.Error("task ran after Shutdown") }, DefaultTaskTraits())
	s.PostDelayedInternal(func(context.Context) {}, time.Millisecond, DefaultTaskTraits(), newInlineRunner())

	// Assert
	got := obs.rejections()
	want := []observedReject{
		{"TaskScheduler", "shutting down"}, {"TaskScheduler", "metric:shutting down"},
		{"TaskScheduler", "shutting down"}, {"TaskScheduler", "metric:shutting down"},
	}
	if len(got) != len(want) {
		t.Fatalf("rejections = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rejection %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if s.QueuedTaskCount() != 0 {
		t.Errorf("QueuedTaskCount = %d after rejected posts, want 0", s.QueuedTaskCount())
	}
}

// TestTaskScheduler_QueuesWithoutWorkers verifies posting never runs a task inline
// Given: a scheduler nobody pulls work from
// When: a panicking task is posted
// Then: it stays queued and no panic is reported
func TestTaskScheduler_QueuesWithoutWorkers(t *testing.T) {
	// Arrange
	obs := newObserver()
	s := NewFIFOTaskSchedulerWithConfig(2, &TaskSchedulerConfig{PanicHandler: obs, Metrics: obs})
	defer s.Shutdown()

	// Act
	s.PostInternal(func(context.Context) { panic("never pulled") }, DefaultTaskTraits())

	// Assert
	if got := s.QueuedTaskCount(); got != 1 {
		t.Errorf("QueuedTaskCount = %d, want 1", got)
	}
	if got := len(obs.panicCalls()); got != 0 {
		t.Errorf("panic reports = %d, want 0", got)
	}
}

func ExampleTaskSchedulerConfig() {
	cfg := DefaultTaskSchedulerConfig()
	cfg.HighResolutionThreshold = 10 * time.Millisecond
	s := NewPriorityTaskSchedulerWithConfig(4, cfg)
	defer s.Shutdown()
}

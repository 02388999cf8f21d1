package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-task-runtime/core"
)

// DefaultNamespace prefixes every collector when no namespace is given.
const DefaultNamespace = "taskruntime"

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts core.Metrics to Prometheus collectors. Runners and
// pools report through it when it is set as their Metrics.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	scheduleWorkTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec
	highResolutionTasks *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates the collectors and registers them with reg
// (prom.DefaultRegisterer when nil). Registering twice under the same
// namespace reuses the collectors already registered.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	namespace = normalizeLabel(namespace, DefaultNamespace)
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	m := &MetricsExporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"runner", "priority"}),
		taskPanicTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_panic_total",
			Help:      "Tasks that panicked.",
		}, []string{"runner"}),
		taskRejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejected_total",
			Help:      "Tasks refused by a runner or executor.",
		}, []string{"runner", "reason"}),
		scheduleWorkTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_work_total",
			Help:      "Wake-ups requested from a message pump.",
		}, []string{"runner", "kind"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth.",
		}, []string{"runner"}),
		highResolutionTasks: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "high_resolution_tasks",
			Help:      "Pending delayed tasks that need a precise timer.",
		}, []string{"runner"}),
	}

	var err error
	if m.taskDurationSeconds, err = registerCollector(reg, m.taskDurationSeconds); err != nil {
		return nil, err
	}
	if m.taskPanicTotal, err = registerCollector(reg, m.taskPanicTotal); err != nil {
		return nil, err
	}
	if m.taskRejectedTotal, err = registerCollector(reg, m.taskRejectedTotal); err != nil {
		return nil, err
	}
	if m.scheduleWorkTotal, err = registerCollector(reg, m.scheduleWorkTotal); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.highResolutionTasks, err = registerCollector(reg, m.highResolutionTasks); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsExporter) RecordTaskDuration(runnerName string, priority core.TaskPriority, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(runnerLabel(runnerName), priorityLabel(priority)).Observe(duration.Seconds())
}

func (m *MetricsExporter) RecordTaskPanic(runnerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(runnerLabel(runnerName)).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(runnerName string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(runnerLabel(runnerName)).Set(float64(depth))
}

func (m *MetricsExporter) RecordTaskRejected(runnerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(runnerLabel(runnerName), normalizeLabel(reason, "unknown")).Inc()
}

// RecordScheduleWork counts a ScheduleWork (kind=immediate) or
// ScheduleDelayedWork (kind=delayed) request.
func (m *MetricsExporter) RecordScheduleWork(runnerName string, delayed bool) {
	if m == nil {
		return
	}
	kind := "immediate"
	if delayed {
		kind = "delayed"
	}
	m.scheduleWorkTotal.WithLabelValues(runnerLabel(runnerName), kind).Inc()
}

func (m *MetricsExporter) RecordHighResolutionTasks(runnerName string, count int) {
	if m == nil {
		return
	}
	m.highResolutionTasks.WithLabelValues(runnerLabel(runnerName)).Set(float64(count))
}

func runnerLabel(name string) string {
	return normalizeLabel(name, "unknown")
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func priorityLabel(priority core.TaskPriority) string {
	switch priority {
	case core.TaskPriorityUserBlocking:
		return "user_blocking"
	case core.TaskPriorityUserVisible:
		return "user_visible"
	case core.TaskPriorityBestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegistered prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegistered) {
		existing, ok := alreadyRegistered.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}

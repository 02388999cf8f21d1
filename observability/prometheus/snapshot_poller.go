package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-task-runtime/core"
)

// RunnerSnapshotProvider provides current runner stats snapshots.
type RunnerSnapshotProvider interface {
	Stats() core.RunnerStats
}

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() core.PoolStats
}

// SnapshotPoller periodically copies runner and pool Stats() into gauges.
// Values that only exist as snapshots (delayed, deferred, wake-ups) are
// exported here rather than through MetricsExporter.
type SnapshotPoller struct {
	interval time.Duration

	mu      sync.RWMutex
	runners map[string]RunnerSnapshotProvider
	pools   map[string]PoolSnapshotProvider

	runnerPending        *prom.GaugeVec
	runnerRunning        *prom.GaugeVec
	runnerRejected       *prom.GaugeVec
	runnerClosed         *prom.GaugeVec
	runnerDelayed        *prom.GaugeVec
	runnerDeferred       *prom.GaugeVec
	runnerHighResolution *prom.GaugeVec
	runnerWakeUps        *prom.GaugeVec

	poolQueued  *prom.GaugeVec
	poolActive  *prom.GaugeVec
	poolDelayed *prom.GaugeVec
	poolWorkers *prom.GaugeVec
	poolRunning *prom.GaugeVec

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a poller and registers its gauges with reg
// (prom.DefaultRegisterer when nil).
func NewSnapshotPoller(reg prom.Registerer, namespace string, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	namespace = normalizeLabel(namespace, DefaultNamespace)
	if interval <= 0 {
		interval = time.Second
	}

	p := &SnapshotPoller{
		interval: interval,
		runners:  make(map[string]RunnerSnapshotProvider),
		pools:    make(map[string]PoolSnapshotProvider),
	}

	runnerLabels := []string{"runner", "type"}
	poolLabels := []string{"pool"}
	gauges := []struct {
		dst    **prom.GaugeVec
		name   string
		help   string
		labels []string
	}{
		{&p.runnerPending, "runner_pending", "Pending immediate tasks per runner.", runnerLabels},
		{&p.runnerRunning, "runner_running", "Running tasks per runner.", runnerLabels},
		{&p.runnerRejected, "runner_rejected_total", "Runner rejected task count snapshot.", runnerLabels},
		{&p.runnerClosed, "runner_closed", "Runner closed state (1=closed, 0=open).", runnerLabels},
		{&p.runnerDelayed, "runner_delayed", "Delayed tasks not yet due per runner.", runnerLabels},
		{&p.runnerDeferred, "runner_deferred", "Non-nestable tasks parked during nested loops.", runnerLabels},
		{&p.runnerHighResolution, "runner_high_resolution", "Pending delayed tasks that need a precise timer.", runnerLabels},
		{&p.runnerWakeUps, "runner_wake_ups", "Message pump wake-up signals snapshot.", runnerLabels},
		{&p.poolQueued, "pool_queued", "Queued tasks per pool.", poolLabels},
		{&p.poolActive, "pool_active", "Active tasks per pool.", poolLabels},
		{&p.poolDelayed, "pool_delayed", "Delayed tasks per pool.", poolLabels},
		{&p.poolWorkers, "pool_workers", "Worker count per pool.", poolLabels},
		{&p.poolRunning, "pool_running", "Pool running state (1=running, 0=stopped).", poolLabels},
	}
	for _, g := range gauges {
		vec, err := registerCollector(reg, prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      g.name,
			Help:      g.help,
		}, g.labels))
		if err != nil {
			return nil, err
		}
		*g.dst = vec
	}
	return p, nil
}

// AddRunner adds or replaces a runner snapshot provider by name.
func (p *SnapshotPoller) AddRunner(name string, provider RunnerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.runners[normalizeLabel(name, "runner")] = provider
	p.mu.Unlock()
}

// AddPool adds or replaces a pool snapshot provider by name.
func (p *SnapshotPoller) AddPool(name string, provider PoolSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.mu.Lock()
	p.pools[normalizeLabel(name, "pool")] = provider
	p.mu.Unlock()
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.running {
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(pollCtx, p.done)
}

// Stop stops polling and waits for the poll goroutine; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()

	cancel()
	<-done
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.CollectOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.CollectOnce()
		}
	}
}

// CollectOnce takes one snapshot of every provider.
func (p *SnapshotPoller) CollectOnce() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for name, provider := range p.runners {
		stats := provider.Stats()
		labels := []string{name, normalizeLabel(stats.Type, "unknown")}
		p.runnerPending.WithLabelValues(labels...).Set(float64(stats.Pending))
		p.runnerRunning.WithLabelValues(labels...).Set(float64(stats.Running))
		p.runnerRejected.WithLabelValues(labels...).Set(float64(stats.Rejected))
		p.runnerClosed.WithLabelValues(labels...).Set(boolGauge(stats.Closed))
		p.runnerDelayed.WithLabelValues(labels...).Set(float64(stats.Delayed))
		p.runnerDeferred.WithLabelValues(labels...).Set(float64(stats.Deferred))
		p.runnerHighResolution.WithLabelValues(labels...).Set(float64(stats.HighResolution))
		p.runnerWakeUps.WithLabelValues(labels...).Set(float64(stats.WakeUps))
	}

	for name, provider := range p.pools {
		stats := provider.Stats()
		p.poolQueued.WithLabelValues(name).Set(float64(stats.Queued))
		p.poolActive.WithLabelValues(name).Set(float64(stats.Active))
		p.poolDelayed.WithLabelValues(name).Set(float64(stats.Delayed))
		p.poolWorkers.WithLabelValues(name).Set(float64(stats.Workers))
		p.poolRunning.WithLabelValues(name).Set(boolGauge(stats.Running))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

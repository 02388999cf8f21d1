package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	taskruntime "github.com/Swind/go-task-runtime"
	"github.com/Swind/go-task-runtime/config"
	"github.com/Swind/go-task-runtime/core"
	promexport "github.com/Swind/go-task-runtime/observability/prometheus"
)

type runOptions struct {
	configPath  string
	posters     int
	tasks       int
	metricsAddr string
	timeout     time.Duration
}

// runReport is what a run prints.
type runReport struct {
	Posts       int64
	RanOnLoop   int64
	RanOnPool   int64
	Replies     int64
	WakeUps     int64
	ScheduleHit float64 // posts per wake-up
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the demo workload",
		Long: `Boot an AtExitManager, the global thread pool (registered under
pool.extension_id) and a main single-thread runner, then post
--tasks tasks from each of --posters goroutines.

Every fourth task is routed to the pool by extension id. Each poster
finishes with a PostTaskAndReply round trip from the loop to the pool.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := runWorkload(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML config file (defaults apply when empty or missing)")
	cmd.Flags().IntVar(&opts.posters, "posters", 4, "number of posting goroutines")
	cmd.Flags().IntVar(&opts.tasks, "tasks", 1000, "tasks posted by each goroutine")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides metrics.listen_addr)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up waiting for the workload after this long")
	return cmd
}

func runWorkload(ctx context.Context, opts runOptions) (runReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.posters <= 0 || opts.tasks < 0 {
		return runReport{}, fmt.Errorf("posters must be positive and tasks non-negative (got %d, %d)", opts.posters, opts.tasks)
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return runReport{}, err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}
	logger := cfg.Logger()
	core.SetLogger(logger)

	// Everything below is torn down by the at-exit callbacks, newest first.
	exitManager := core.NewAtExitManager()
	defer exitManager.Close()

	reg := prom.NewRegistry()
	exporter, err := promexport.NewMetricsExporter(cfg.Metrics.Namespace, reg, promexport.ExporterOptions{})
	if err != nil {
		return runReport{}, fmt.Errorf("metrics exporter: %w", err)
	}
	poller, err := promexport.NewSnapshotPoller(reg, cfg.Metrics.Namespace, cfg.PollInterval())
	if err != nil {
		return runReport{}, fmt.Errorf("snapshot poller: %w", err)
	}

	var pool *taskruntime.GoroutineThreadPool
	if cfg.Pool.Priority {
		pool = taskruntime.NewPriorityGoroutineThreadPoolWithConfig("global-pool", cfg.Pool.Workers, cfg.SchedulerConfig(exporter))
	} else {
		pool = taskruntime.NewGoroutineThreadPoolWithConfig("global-pool", cfg.Pool.Workers, cfg.SchedulerConfig(exporter))
	}
	if !taskruntime.InstallGlobalThreadPool(pool) {
		pool.Stop()
		return runReport{}, errors.New("a global thread pool is already installed")
	}

	registry := core.NewTaskExecutorRegistry()
	extensionID := uint8(cfg.Pool.ExtensionID)
	if extensionID != core.InvalidExtensionID {
		registry.Register(extensionID, pool)
	}

	loopCfg := cfg.LoopConfig(logger, exporter)
	loopCfg.Registry = registry
	loopCfg.Executor = pool
	mainRunner := core.NewSingleThreadTaskRunnerWithConfig(loopCfg)
	core.RegisterAtExitTask(mainRunner.Stop)

	poller.AddRunner(mainRunner.Name(), mainRunner)
	poller.AddPool(pool.ID(), pool)
	poller.Start(ctx)
	core.RegisterAtExitTask(poller.Stop)

	if cfg.Metrics.ListenAddr != "" {
		serveMetrics(cfg.Metrics.ListenAddr, reg, logger)
	}

	report, err := drive(mainRunner, extensionID, opts)
	if err != nil {
		return report, err
	}

	poller.CollectOnce()
	report.WakeUps = mainRunner.Stats().WakeUps
	if report.WakeUps > 0 {
		report.ScheduleHit = float64(report.Posts) / float64(report.WakeUps)
	}
	logger.Info("workload finished",
		core.F("posts", report.Posts),
		core.F("wake_ups", report.WakeUps),
		core.F("pool_tasks", report.RanOnPool))
	return report, nil
}

// drive posts the workload and waits for every task and reply to run.
func drive(mainRunner *core.SingleThreadTaskRunner, extensionID uint8, opts runOptions) (runReport, error) {
	var (
		report  runReport
		pending sync.WaitGroup
	)
	poolRunner := taskruntime.CreateTaskRunner(taskruntime.DefaultTaskTraits())

	onLoop := func(ctx context.Context) {
		atomic.AddInt64(&report.RanOnLoop, 1)
		pending.Done()
	}
	onPool := func(ctx context.Context) {
		atomic.AddInt64(&report.RanOnPool, 1)
		pending.Done()
	}
	roundTrip := func(ctx context.Context) {
		taskruntime.PostTaskAndReply(ctx, poolRunner,
			func(ctx context.Context) { atomic.AddInt64(&report.RanOnPool, 1) },
			func(ctx context.Context) {
				atomic.AddInt64(&report.Replies, 1)
				pending.Done()
			})
	}

	pending.Add(opts.posters * (opts.tasks + 1))
	var posters sync.WaitGroup
	for p := 0; p < opts.posters; p++ {
		posters.Add(1)
		go func() {
			defer posters.Done()
			for i := 0; i < opts.tasks; i++ {
				atomic.AddInt64(&report.Posts, 1)
				if extensionID != core.InvalidExtensionID && i%4 == 3 {
					mainRunner.PostTaskWithTraits(onPool, core.DefaultTaskTraits().WithExtension(extensionID))
					continue
				}
				mainRunner.PostTask(onLoop)
			}
			atomic.AddInt64(&report.Posts, 1)
			mainRunner.PostTask(roundTrip)
		}()
	}
	posters.Wait()

	done := make(chan struct{})
	go func() {
		pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return report, nil
	case <-time.After(opts.timeout):
		return report, fmt.Errorf("workload did not finish within %v", opts.timeout)
	}
}

func serveMetrics(addr string, reg *prom.Registry, logger core.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", core.F("addr", addr), core.F("error", err))
		}
	}()
	logger.Info("serving metrics", core.F("addr", addr))

	core.RegisterAtExitTask(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
}

func printReport(w io.Writer, r runReport) {
	fmt.Fprintf(w, "posts:        %d\n", r.Posts)
	fmt.Fprintf(w, "ran on loop:  %d\n", r.RanOnLoop)
	fmt.Fprintf(w, "ran on pool:  %d\n", r.RanOnPool)
	fmt.Fprintf(w, "replies:      %d\n", r.Replies)
	fmt.Fprintf(w, "wake-ups:     %d\n", r.WakeUps)
	if r.WakeUps > 0 {
		fmt.Fprintf(w, "posts/wake:   %.1f\n", r.ScheduleHit)
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/exploopio/zapcontrol/pkg/audit"
	"github.com/exploopio/zapcontrol/pkg/engine"
	"github.com/exploopio/zapcontrol/pkg/health"
	"github.com/exploopio/zapcontrol/pkg/metrics"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/nodes"
	"github.com/exploopio/zapcontrol/pkg/scheduler"
	"github.com/exploopio/zapcontrol/pkg/worker"
)

// newEngine builds the engine with the app's store, clients and audit log.
func (a *app) newEngine(collector metrics.Collector) *engine.Engine {
	cfg := *a.cfg.Engine
	cfg.Audit = a.audit
	cfg.Metrics = collector
	cfg.Logger = a.componentLogger("engine")
	return engine.New(a.store, a.clients, &cfg)
}

// newScheduler builds a scheduler that counts and audits what it enqueues.
func (a *app) newScheduler(collector metrics.Collector) (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(a.store, a.cfg.Scheduler, a.componentLogger("scheduler"))
	if err != nil {
		return nil, err
	}
	sched.OnScheduled = func(job *model.ScanJob, run *model.ScanRun) {
		collector.CounterInc(metrics.ScheduledRunsTotal.Name)
		a.audit.Log(audit.RunEvent(audit.EventJobsScheduled, run.ID, job.ID,
			fmt.Sprintf("%s schedule due", job.ScheduleType)))
	}
	return sched, nil
}

// newHealthChecker builds a node health checker that reports status changes
// to the audit log and every check to the metrics.
func (a *app) newHealthChecker(collector metrics.Collector) *nodes.HealthChecker {
	return nodes.NewHealthChecker(nodes.HealthCheckerConfig{
		Store:   a.store,
		Clients: a.clients,
		Logger:  a.componentLogger("nodes"),
		OnResult: func(r nodes.CheckResult) {
			up := 0.0
			if r.Status == model.NodeHealthy {
				up = 1
			}
			collector.GaugeSet(metrics.NodeUp.Name, up, "node", r.Name)
			if r.Err == nil {
				collector.HistogramObserve(metrics.NodeCheckLatency.Name, r.Latency.Seconds(), "node", r.Name)
			}
			if !r.Changed() {
				return
			}
			event := audit.Event{
				Type:     audit.EventNodeHealthChanged,
				Severity: audit.SeverityInfo,
				NodeID:   r.NodeID,
				Message:  fmt.Sprintf("node %s: %s -> %s", r.Name, r.Previous, r.Status),
			}
			if r.Err != nil {
				event.Severity = audit.SeverityWarning
				event.Error = r.Err.Error()
			}
			a.audit.Log(event)
		},
	})
}

// recordRunCounts refreshes the per-status run gauges every interval until
// ctx is done.
func recordRunCounts(ctx context.Context, a *app, eng *engine.Engine, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := eng.RecordRunCounts(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("run counts: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runWorker runs the worker pool together with the scheduler loop, the node
// health loop and the metrics and health endpoints until ctx is done.
func runWorker(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	workers := fs.Int("workers", 0, "Number of concurrent workers (overrides config)")
	noScheduler := fs.Bool("no-scheduler", false, "Do not run the scheduler loop")
	listen := fs.String("listen", "", "Address for the health and metrics endpoints (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *workers > 0 {
		a.cfg.Worker.Workers = *workers
	}
	if *listen != "" {
		a.cfg.Health.Address = *listen
	}

	collector := metrics.Collector(&metrics.NopCollector{})
	var prom *metrics.PrometheusCollector
	if a.cfg.Metrics.Enabled {
		prom = metrics.NewPrometheusCollector(&metrics.PrometheusConfig{RegisterDefaultMetrics: true})
		collector = prom
	}

	eng := a.newEngine(collector)
	checker := a.newHealthChecker(collector)
	var sched *scheduler.Scheduler
	if !*noScheduler {
		var err error
		if sched, err = a.newScheduler(collector); err != nil {
			return err
		}
	}

	poolCfg := *a.cfg.Worker
	poolCfg.Audit = a.audit
	poolCfg.Logger = a.componentLogger("worker")
	pool := worker.NewPool(eng, &poolCfg)

	handler := health.NewHandler(a.cfg.Health, appVersion)
	handler.Register(
		&health.DatabaseCheck{Ping: a.store.Ping},
		&health.DataVolumeCheck{
			Dir:            filepath.Dir(a.cfg.Store.DatabasePath),
			MinFreePercent: a.cfg.Health.MinFreeDiskPercent,
		},
		&health.SystemMemoryCheck{MaxUsagePercent: a.cfg.Health.MaxMemoryPercent},
		&health.NodePoolCheck{
			ListNodes: func(ctx context.Context) ([]*model.Node, error) { return a.store.ListNodes(ctx, false) },
		},
	)

	mux := http.NewServeMux()
	handler.Routes(mux)
	if prom != nil {
		mux.Handle(a.cfg.Metrics.Path, prom.Handler())
	}
	server := &http.Server{
		Addr:              a.cfg.Health.Address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("serving health and metrics on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		checker.Run(loopCtx, a.cfg.NodeHealth.Interval)
	}()

	if prom != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recordRunCounts(loopCtx, a, eng, a.cfg.Metrics.RefreshInterval)
		}()
	}

	if sched != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(loopCtx)
		}()
	}

	// Scans in flight get their own context so a shutdown signal lets them
	// finish within ShutdownTimeout before they are aborted.
	if err := pool.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	handler.SetReady(true)
	a.logger.Info("%s %s started with %d workers", appName, appVersion, a.cfg.Worker.Workers)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-serverErr:
		a.logger.Error("health server failed: %v", runErr)
	}
	handler.SetReady(false)

	if err := pool.Stop(a.cfg.ShutdownTimeout); err != nil {
		a.logger.Warn("worker pool: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("health server shutdown: %v", err)
	}
	stopLoops()
	wg.Wait()

	stats := pool.Stats()
	a.logger.Info("stopped after %d runs (%d failed)", stats.Executed, stats.Failed)
	return runErr
}

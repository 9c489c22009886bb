// Package engine drives scan runs through their lifecycle.
//
// A run is enqueued, claimed by exactly one worker, executed against its
// scanner node and finally marked succeeded or failed:
//
//	queued -> running -> succeeded | failed
//
// Execution is strictly sequential: connectivity check, spider, active scan, alert fetch,
// raw payload persistence, normalization, risk snapshots, comparison with the
// previous completed run and report rendering. Any error terminates the run
// with its message recorded. Only transient transport errors of the initial
// node connectivity check are retried.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exploopio/zapcontrol/pkg/audit"
	"github.com/exploopio/zapcontrol/pkg/compare"
	"github.com/exploopio/zapcontrol/pkg/compress"
	"github.com/exploopio/zapcontrol/pkg/core"
	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/metrics"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/nodes"
	"github.com/exploopio/zapcontrol/pkg/normalize"
	"github.com/exploopio/zapcontrol/pkg/report"
	"github.com/exploopio/zapcontrol/pkg/retry"
	"github.com/exploopio/zapcontrol/pkg/risk"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

// ReportGenerator renders the report of a completed run.
type ReportGenerator interface {
	Generate(ctx context.Context, in *report.Input) (*model.Report, error)
}

// Config configures an Engine.
type Config struct {
	// PollInterval is the pause between progress polls. Default: 2 seconds.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// ConnectRetries is how often a transient connectivity failure is retried.
	// Default: 4. Set to a negative value to disable retries.
	ConnectRetries int `yaml:"connect_retries" json:"connect_retries"`

	// ConnectBackoff spaces connectivity retries. Default: retry.DefaultBackoffConfig().
	ConnectBackoff *retry.BackoffConfig `yaml:"connect_backoff" json:"connect_backoff"`

	// Payload decides how raw alert payloads are compressed.
	Payload *compress.Policy `yaml:"payload" json:"payload"`

	// SkipNativeReport disables archiving the scanner's own HTML report.
	SkipNativeReport bool `yaml:"skip_native_report" json:"skip_native_report"`

	// NodePolicy controls node selection at claim time.
	NodePolicy *nodes.Policy `yaml:"node_policy" json:"node_policy"`

	// Normalize configures alert normalization.
	Normalize *normalize.Config `yaml:"normalize" json:"normalize"`

	Reports ReportGenerator   `yaml:"-" json:"-"`
	Audit   audit.Recorder    `yaml:"-" json:"-"`
	Metrics metrics.Collector `yaml:"-" json:"-"`
	Logger  core.Logger       `yaml:"-" json:"-"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	policy := nodes.DefaultPolicy()
	return &Config{
		PollInterval:   2 * time.Second,
		ConnectRetries: 4,
		ConnectBackoff: retry.DefaultBackoffConfig(),
		Payload:        compress.DefaultPolicy(),
		NodePolicy:     &policy,
		Normalize:      normalize.DefaultConfig(),
	}
}

// Engine enqueues, claims and executes scan runs.
type Engine struct {
	store      *store.Store
	clients    zap.Factory
	selector   *nodes.Selector
	normalizer *normalize.Normalizer
	snapshots  *risk.Snapshotter
	comparer   *compare.Engine
	reports    ReportGenerator
	audit      audit.Recorder
	metrics    metrics.Collector
	logger     core.Logger

	pollInterval   time.Duration
	connectRetries int
	backoff        *retry.BackoffConfig
	payload        *compress.Policy
	nativeReport   bool
	now            func() time.Time
}

// New creates an Engine.
func New(s *store.Store, clients zap.Factory, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ConnectRetries == 0 {
		cfg.ConnectRetries = defaults.ConnectRetries
	} else if cfg.ConnectRetries < 0 {
		cfg.ConnectRetries = 0
	}
	if cfg.ConnectBackoff == nil {
		cfg.ConnectBackoff = defaults.ConnectBackoff
	}
	if cfg.Payload == nil {
		cfg.Payload = defaults.Payload
	}
	if cfg.NodePolicy == nil {
		cfg.NodePolicy = defaults.NodePolicy
	}
	if cfg.Normalize == nil {
		cfg.Normalize = defaults.Normalize
	}
	if cfg.Reports == nil {
		cfg.Reports = report.NewRenderer()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &metrics.NopCollector{}
	}
	logger := core.OrDefault(cfg.Logger, "engine")

	return &Engine{
		store:          s,
		clients:        clients,
		selector:       nodes.NewSelector(*cfg.NodePolicy),
		normalizer:     normalize.New(s, cfg.Normalize, logger),
		snapshots:      risk.NewSnapshotter(s, logger),
		comparer:       compare.New(s, logger),
		reports:        cfg.Reports,
		audit:          cfg.Audit,
		metrics:        cfg.Metrics,
		logger:         logger,
		pollInterval:   cfg.PollInterval,
		connectRetries: cfg.ConnectRetries,
		backoff:        cfg.ConnectBackoff,
		payload:        cfg.Payload,
		nativeReport:   !cfg.SkipNativeReport,
		now:            time.Now,
	}
}

// Enqueue creates a queued run for a job.
func (e *Engine) Enqueue(ctx context.Context, jobID int64) (*model.ScanRun, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	run, err := e.store.EnqueueRun(ctx, job.ID, e.now())
	if err != nil {
		return nil, err
	}
	e.audit.Log(audit.RunEvent(audit.EventRunEnqueued, run.ID, job.ID, "run enqueued"))
	e.logger.Info("job %d: enqueued run %d", job.ID, run.ID)
	return run, nil
}

// Claim claims the oldest queued run that a node can serve and marks it
// running under holder. It returns nil when nothing can be claimed. Runs
// that can never be served are failed during the claim and reported in the
// audit log.
func (e *Engine) Claim(ctx context.Context, holder string) (*model.RunContext, error) {
	rc, rejected, err := e.store.ClaimNext(ctx, holder, e.now(), e.selector.Select)
	if err != nil {
		e.metrics.CounterInc(metrics.ClaimsTotal.Name, "result", "error")
		return nil, fmt.Errorf("claim run: %w", err)
	}

	for _, r := range rejected {
		e.logger.Warn("run %d (job %d) failed at claim: %v", r.RunID, r.JobID, r.Err)
		e.audit.Log(audit.RunError(audit.EventRunRejected, r.RunID, r.JobID, r.Err))
		e.metrics.CounterInc(metrics.ClaimsTotal.Name, "result", "rejected")
		e.metrics.CounterInc(metrics.RunsTotal.Name, "status", string(model.RunFailed))
	}

	if rc == nil {
		e.metrics.CounterInc(metrics.ClaimsTotal.Name, "result", "empty")
		return nil, nil
	}

	e.metrics.CounterInc(metrics.ClaimsTotal.Name, "result", "claimed")
	event := audit.RunEvent(audit.EventRunClaimed, rc.Run.ID, rc.Job.ID,
		fmt.Sprintf("claimed by %s on node %s", holder, rc.Node.Name))
	event.NodeID = rc.Node.ID
	e.audit.Log(event)
	e.logger.Info("run %d claimed by %s on node %s", rc.Run.ID, holder, rc.Node.Name)
	return rc, nil
}

// RecordRunCounts publishes the number of stored runs in each status.
func (e *Engine) RecordRunCounts(ctx context.Context) error {
	counts, err := e.store.CountRunsByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count runs: %w", err)
	}
	for _, status := range []model.RunStatus{model.RunQueued, model.RunRunning, model.RunSucceeded, model.RunFailed} {
		e.metrics.GaugeSet(metrics.RunsByStatus.Name, float64(counts[status]), "status", string(status))
	}
	return nil
}

// RunOnce claims one run and executes it. It reports whether a run was
// claimed. Execution failures are recorded on the run and not returned.
func (e *Engine) RunOnce(ctx context.Context, holder string) (bool, error) {
	rc, err := e.Claim(ctx, holder)
	if err != nil || rc == nil {
		return false, err
	}
	if _, err := e.Execute(ctx, rc); err != nil && !isRunFailure(err) {
		return true, err
	}
	return true, nil
}

// Execute runs a claimed scan to completion and returns the finished run.
// When any step fails the run is marked failed with the error message and
// that error is returned together with the failed run. If ctx is canceled
// the run is still marked failed.
func (e *Engine) Execute(ctx context.Context, rc *model.RunContext) (*model.ScanRun, error) {
	e.metrics.GaugeInc(metrics.ActiveRuns.Name)
	defer e.metrics.GaugeDec(metrics.ActiveRuns.Name)
	timer := metrics.NewTimer(e.metrics, metrics.RunDuration.Name, "scan_type", string(rc.Profile.ScanType))
	defer timer.ObserveDuration()

	started := audit.RunEvent(audit.EventRunStarted, rc.Run.ID, rc.Job.ID,
		fmt.Sprintf("scanning %s on %s", rc.Target.BaseURL, rc.Node.Name))
	started.NodeID = rc.Node.ID
	e.audit.Log(started)

	out, err := e.scan(ctx, rc)
	if err != nil {
		return e.fail(ctx, rc, err)
	}
	return e.succeed(ctx, rc, out)
}

// outcome is what a successful execution produced.
type outcome struct {
	alerts      int
	spiderID    string
	ascanID     string
	normalized  *normalize.Result
	snapshots   *risk.RunSnapshots
	comparisons []*model.ScanComparison
}

func (e *Engine) scan(ctx context.Context, rc *model.RunContext) (*outcome, error) {
	client := e.clients.ClientFor(rc.Node)
	out := &outcome{}

	if err := e.checkNode(ctx, rc, client); err != nil {
		return nil, err
	}

	if rc.Profile.ScanType == model.ScanTypeAPI {
		return nil, zerr.Orchestration("API scan is not implemented yet.")
	}

	if rc.Profile.SpiderEnabled {
		id, err := e.runPhase(ctx, rc, store.PhaseSpider, client.StartSpider, client.SpiderStatus)
		if err != nil {
			return nil, err
		}
		out.spiderID = id
	}

	id, err := e.runPhase(ctx, rc, store.PhaseAscan, client.StartActiveScan, client.ActiveScanStatus)
	if err != nil {
		return nil, err
	}
	out.ascanID = id

	alerts, err := client.Alerts(ctx, rc.Target.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	out.alerts = len(alerts)

	meta := map[string]string{"source": "zap_api", "node": rc.Node.Name}
	if err := e.saveRaw(ctx, rc.Run, alerts, out.spiderID, out.ascanID, meta); err != nil {
		return nil, err
	}

	if err := e.process(ctx, rc, alerts, out); err != nil {
		return nil, err
	}

	var native []byte
	if e.nativeReport {
		native, err = client.HTMLReport(ctx)
		if err != nil {
			e.logger.Warn("run %d: scanner HTML report unavailable: %v", rc.Run.ID, err)
			native = nil
		}
	}
	if err := e.renderReport(ctx, rc, out, native); err != nil {
		return nil, err
	}
	return out, nil
}

// checkNode verifies that the node answers before any scan is started. Transient
// transport errors are retried with backoff. A node that stays unreachable
// is marked so in the registry.
func (e *Engine) checkNode(ctx context.Context, rc *model.RunContext, client zap.API) error {
	err := retry.Do(ctx, e.backoff, e.connectRetries, zerr.IsTransient, func(attempt int) error {
		if attempt > 0 {
			e.logger.Warn("run %d: connectivity retry %d/%d on %s", rc.Run.ID, attempt, e.connectRetries, rc.Node.Name)
		}
		_, err := client.Version(ctx)
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if !zerr.IsTransient(err) {
		return err
	}
	if herr := e.store.UpdateNodeHealth(ctx, rc.Node.ID, model.NodeUnreachable, "", 0, e.now()); herr != nil {
		e.logger.Warn("node %s: record unreachable: %v", rc.Node.Name, herr)
	}
	return zerr.Connectivity(err)
}

type startFunc func(ctx context.Context, targetURL string) (string, error)
type statusFunc func(ctx context.Context, scanID string) (int, error)

// runPhase starts a scan phase and polls it to completion.
func (e *Engine) runPhase(ctx context.Context, rc *model.RunContext, phase store.Phase, start startFunc, status statusFunc) (string, error) {
	id, err := start(ctx, rc.Target.BaseURL)
	if err != nil {
		return "", fmt.Errorf("start %s: %w", phase, err)
	}
	if err := e.store.SetRunScanID(ctx, rc.Run.ID, phase, id); err != nil {
		return "", err
	}
	e.logger.Debug("run %d: %s started with id %s", rc.Run.ID, phase, id)

	if err := e.poll(ctx, rc, phase, id, status); err != nil {
		return "", err
	}

	e.audit.Log(audit.RunEvent(audit.EventPhaseCompleted, rc.Run.ID, rc.Job.ID, string(phase)+" completed"))
	e.appendLog(ctx, rc.Run.ID, fmt.Sprintf("%s %s completed", phase, id))
	return id, nil
}

// poll waits for a phase to reach 100%. The deadline is the profile's
// maximum duration, at least one minute, measured from the first poll.
// Every observed percentage is persisted.
func (e *Engine) poll(ctx context.Context, rc *model.RunContext, phase store.Phase, scanID string, status statusFunc) error {
	minutes := rc.Profile.MaxDurationMinutes
	if minutes < 1 {
		minutes = 1
	}
	deadline := e.now().Add(time.Duration(minutes) * time.Minute)

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	last := 0
	for {
		pct, err := status(ctx, scanID)
		if err != nil {
			return fmt.Errorf("%s status: %w", phase, err)
		}
		last = pct
		if err := e.store.UpdateRunProgress(ctx, rc.Run.ID, phase, pct); err != nil {
			return fmt.Errorf("record %s progress: %w", phase, err)
		}
		if pct >= 100 {
			return nil
		}
		if !e.now().Before(deadline) {
			return zerr.Timeout(string(phase), last)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// process normalizes alerts and derives snapshots and comparisons. Risk
// weights are read once so every score of the run uses the same values.
func (e *Engine) process(ctx context.Context, rc *model.RunContext, alerts []zap.Alert, out *outcome) error {
	w, err := risk.LoadWeights(ctx, e.store, e.logger)
	if err != nil {
		return err
	}

	out.normalized, err = e.normalizer.Normalize(ctx, rc.Run.ID, rc.Target, alerts, w)
	if err != nil {
		return fmt.Errorf("normalize alerts: %w", err)
	}
	for level, n := range out.normalized.SeverityHistogram.Map() {
		if n > 0 {
			e.metrics.CounterAdd(metrics.AlertsNormalizedTotal.Name, float64(n), "severity", level)
		}
	}

	out.snapshots, err = e.snapshots.SnapshotRun(ctx, rc.Run.ID, rc.Target, w)
	if err != nil {
		return fmt.Errorf("risk snapshots: %w", err)
	}
	if out.snapshots.Target != nil {
		e.metrics.GaugeSet(metrics.TargetRiskScore.Name, out.snapshots.Target.Score, "target", rc.Target.Name)
	}

	out.comparisons, err = e.comparer.CompareWithPrevious(ctx, rc.Run.ID)
	if err != nil {
		return fmt.Errorf("compare with previous run: %w", err)
	}
	return nil
}

func (e *Engine) renderReport(ctx context.Context, rc *model.RunContext, out *outcome, native []byte) error {
	findings, err := e.store.ListFindings(ctx, store.FindingFilter{TargetID: rc.Target.ID, Status: model.FindingOpen})
	if err != nil {
		return err
	}

	now := e.now().UTC()
	view := *rc.Run
	view.Status = model.RunSucceeded
	view.FinishedAt = &now

	in := &report.Input{
		Run:         &view,
		Target:      rc.Target,
		Node:        rc.Node,
		Findings:    findings,
		Comparisons: out.comparisons,
		GeneratedAt: now,
	}
	if out.snapshots != nil {
		in.Snapshot = out.snapshots.Target
	}

	rep, err := e.reports.Generate(ctx, in)
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	rep.NativeHTML = native
	if err := e.store.SaveReport(ctx, rep); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (e *Engine) succeed(ctx context.Context, rc *model.RunContext, out *outcome) (*model.ScanRun, error) {
	summary := fmt.Sprintf("Completed spider=%s ascan=%s alerts=%d", out.spiderID, out.ascanID, out.alerts)
	if rc.Node == nil {
		summary = fmt.Sprintf("Ingested alerts=%d", out.alerts)
	}
	// The scan is done; a canceled ctx must not leave the run running.
	record := context.WithoutCancel(ctx)
	e.appendLog(record, rc.Run.ID, summary)

	finished, err := e.store.FinishRun(record, rc.Run.ID, model.RunSucceeded, "", e.now())
	if err != nil {
		return e.fail(ctx, rc, fmt.Errorf("finish run %d: %w", rc.Run.ID, err))
	}

	e.metrics.CounterInc(metrics.RunsTotal.Name, "status", string(model.RunSucceeded))
	scanType := "ingest"
	if rc.Profile != nil {
		scanType = string(rc.Profile.ScanType)
	}
	e.metrics.SummaryObserve(metrics.AlertsPerRun.Name, float64(out.alerts), "scan_type", scanType)
	event := audit.RunEvent(audit.EventRunSucceeded, rc.Run.ID, rc.Job.ID, summary)
	event.Duration = time.Duration(finished.DurationMs) * time.Millisecond
	if out.normalized != nil {
		event.Details = map[string]interface{}{
			"findings_created":  out.normalized.FindingsCreated,
			"findings_updated":  out.normalized.FindingsUpdated,
			"findings_resolved": out.normalized.FindingsResolved,
			"comparisons":       len(out.comparisons),
		}
	}
	if rc.Node != nil {
		event.NodeID = rc.Node.ID
	}
	e.audit.Log(event)
	e.logger.Info("run %d succeeded: %s", rc.Run.ID, summary)
	return finished, nil
}

func (e *Engine) appendLog(ctx context.Context, runID int64, line string) {
	if err := e.store.AppendRunLog(ctx, runID, line); err != nil {
		e.logger.Warn("run %d: append log: %v", runID, err)
	}
}

// abortMessage is recorded when a run is interrupted by shutdown.
const abortMessage = "Run aborted: worker shutting down."

// fail records cause on the run. A canceled ctx still gets its run marked
// failed, using a context detached from the cancellation.
func (e *Engine) fail(ctx context.Context, rc *model.RunContext, cause error) (*model.ScanRun, error) {
	message := cause.Error()
	eventType := audit.EventRunFailed
	switch {
	case ctx.Err() != nil && errors.Is(cause, ctx.Err()):
		message = abortMessage
	case zerr.IsTimeoutError(cause):
		eventType = audit.EventRunTimeout
	}

	finished, err := e.store.FinishRun(context.WithoutCancel(ctx), rc.Run.ID, model.RunFailed, message, e.now())
	if err != nil {
		e.logger.Error("run %d: record failure %q: %v", rc.Run.ID, message, err)
		return nil, fmt.Errorf("record failure of run %d (%s): %w", rc.Run.ID, message, err)
	}

	e.metrics.CounterInc(metrics.RunsTotal.Name, "status", string(model.RunFailed))
	event := audit.RunError(eventType, rc.Run.ID, rc.Job.ID, cause)
	event.Message = message
	if rc.Node != nil {
		event.NodeID = rc.Node.ID
	}
	e.audit.Log(event)
	e.logger.Error("run %d failed: %s", rc.Run.ID, message)
	return finished, &RunError{RunID: rc.Run.ID, Err: cause}
}

// RunError is returned by Execute when a run failed and was recorded as
// failed.
type RunError struct {
	RunID int64
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %d failed: %v", e.RunID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// isRunFailure reports whether err only says that a run failed and was
// recorded as such.
func isRunFailure(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}

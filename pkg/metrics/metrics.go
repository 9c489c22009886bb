// Package metrics provides metrics collection for the orchestrator.
// It includes a Collector interface and a Prometheus-backed implementation.
package metrics

import (
	"net/http"
	"sync"
	"time"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
// Implement this interface to use custom metrics backends (Prometheus, StatsD, etc.).
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Summary operations
	SummaryObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for metrics endpoint
	Handler() http.Handler

	// Reset clears all metrics (for testing)
	Reset()
}

// =============================================================================
// Metric Types
// =============================================================================

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
	MetricTypeSummary   MetricType = "summary"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name       string     `json:"name"`
	Type       MetricType `json:"type"`
	Help       string     `json:"help"`
	Labels     []string   `json:"labels,omitempty"`
	Buckets    []float64  `json:"buckets,omitempty"`     // For histograms
	Objectives []float64  `json:"objectives,omitempty"`  // For summaries
	MaxAge     int        `json:"max_age,omitempty"`     // For summaries (seconds)
	AgeBuckets int        `json:"age_buckets,omitempty"` // For summaries
}

// =============================================================================
// Orchestrator Metrics
// =============================================================================

var (
	// Runs
	RunsTotal = MetricDefinition{
		Name:   "zapcontrol_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scan runs finished",
		Labels: []string{"status"},
	}
	RunDuration = MetricDefinition{
		Name:    "zapcontrol_run_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Wall-clock duration of scan runs in seconds",
		Labels:  []string{"scan_type"},
		Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200, 14400},
	}
	ActiveRuns = MetricDefinition{
		Name: "zapcontrol_active_runs",
		Type: MetricTypeGauge,
		Help: "Number of runs currently executing in this process",
	}
	ClaimsTotal = MetricDefinition{
		Name:   "zapcontrol_claims_total",
		Type:   MetricTypeCounter,
		Help:   "Claim attempts by outcome",
		Labels: []string{"result"},
	}
	ScheduledRunsTotal = MetricDefinition{
		Name: "zapcontrol_scheduled_runs_total",
		Type: MetricTypeCounter,
		Help: "Runs enqueued by the scheduler",
	}
	RunsByStatus = MetricDefinition{
		Name:   "zapcontrol_runs",
		Type:   MetricTypeGauge,
		Help:   "Runs stored in the database by status",
		Labels: []string{"status"},
	}

	// Nodes
	NodeUp = MetricDefinition{
		Name:   "zapcontrol_node_up",
		Type:   MetricTypeGauge,
		Help:   "1 if the scanner node answered its last health check",
		Labels: []string{"node"},
	}
	NodeCheckLatency = MetricDefinition{
		Name:    "zapcontrol_node_check_latency_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Latency of scanner node health checks",
		Labels:  []string{"node"},
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}

	// Findings and risk
	AlertsNormalizedTotal = MetricDefinition{
		Name:   "zapcontrol_alerts_normalized_total",
		Type:   MetricTypeCounter,
		Help:   "Scanner alerts normalized into findings",
		Labels: []string{"severity"},
	}
	TargetRiskScore = MetricDefinition{
		Name:   "zapcontrol_target_risk_score",
		Type:   MetricTypeGauge,
		Help:   "Latest target-level risk score",
		Labels: []string{"target"},
	}
	AlertsPerRun = MetricDefinition{
		Name:       "zapcontrol_alerts_per_run",
		Type:       MetricTypeSummary,
		Help:       "Scanner alerts collected by each succeeded run",
		Labels:     []string{"scan_type"},
		Objectives: []float64{0.5, 0.9, 0.99},
		MaxAge:     3600,
	}
)

// All returns every orchestrator metric definition.
func All() []MetricDefinition {
	return []MetricDefinition{
		RunsTotal, RunDuration, ActiveRuns, ClaimsTotal, ScheduledRunsTotal, RunsByStatus,
		NodeUp, NodeCheckLatency, AlertsNormalizedTotal, TargetRiskScore, AlertsPerRun,
	}
}

// =============================================================================
// NopCollector - No-operation implementation
// =============================================================================

// NopCollector is a no-op metrics collector that discards all metrics.
// Use this when metrics are not needed.
type NopCollector struct{}

func (c *NopCollector) CounterInc(name string, labels ...string)                      {}
func (c *NopCollector) CounterAdd(name string, value float64, labels ...string)       {}
func (c *NopCollector) GaugeSet(name string, value float64, labels ...string)         {}
func (c *NopCollector) GaugeInc(name string, labels ...string)                        {}
func (c *NopCollector) GaugeDec(name string, labels ...string)                        {}
func (c *NopCollector) HistogramObserve(name string, value float64, labels ...string) {}
func (c *NopCollector) SummaryObserve(name string, value float64, labels ...string)   {}
func (c *NopCollector) Handler() http.Handler                                         { return http.NotFoundHandler() }
func (c *NopCollector) Reset()                                                        {}

// =============================================================================
// InMemoryCollector - Simple in-memory implementation for testing
// =============================================================================

// InMemoryCollector stores metrics in memory for testing purposes.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
	summaries  map[string][]float64
}

// NewInMemoryCollector creates a new in-memory metrics collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
		summaries:  make(map[string][]float64),
	}
}

func (c *InMemoryCollector) key(name string, labels []string) string {
	key := name
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			key += "," + labels[i] + "=" + labels[i+1]
		}
	}
	return key
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.counters[key] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.gauges[key]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.histograms[key] = append(c.histograms[key], value)
}

func (c *InMemoryCollector) SummaryObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.key(name, labels)
	c.summaries[key] = append(c.summaries[key], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.NotFoundHandler()
}

func (c *InMemoryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters = make(map[string]float64)
	c.gauges = make(map[string]float64)
	c.histograms = make(map[string][]float64)
	c.summaries = make(map[string][]float64)
}

// GetCounter returns the value of a counter.
func (c *InMemoryCollector) GetCounter(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[c.key(name, labels)]
}

// GetGauge returns the value of a gauge.
func (c *InMemoryCollector) GetGauge(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[c.key(name, labels)]
}

// GetHistogram returns all observations of a histogram.
func (c *InMemoryCollector) GetHistogram(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[c.key(name, labels)]
}

// GetSummary returns all observations of a summary.
func (c *InMemoryCollector) GetSummary(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.summaries[c.key(name, labels)]
}

// =============================================================================
// Timer - Helper for timing operations
// =============================================================================

// Timer is a helper for timing operations and recording to histograms.
type Timer struct {
	start     time.Time
	collector Collector
	name      string
	labels    []string
}

// NewTimer creates a new timer that will record to the given histogram.
func NewTimer(collector Collector, name string, labels ...string) *Timer {
	return &Timer{
		start:     time.Now(),
		collector: collector,
		name:      name,
		labels:    labels,
	}
}

// ObserveDuration records the duration since the timer was created.
func (t *Timer) ObserveDuration() time.Duration {
	d := time.Since(t.start)
	t.collector.HistogramObserve(t.name, d.Seconds(), t.labels...)
	return d
}

// =============================================================================
// Interface compliance
// =============================================================================

var (
	_ Collector = (*NopCollector)(nil)
	_ Collector = (*InMemoryCollector)(nil)
)

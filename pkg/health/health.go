// Package health serves liveness and readiness endpoints for the worker
// process. Readiness aggregates checks on the database, the volume holding
// it, system memory and the scanner node pool.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/exploopio/zapcontrol/pkg/model"
)

// Checker is one readiness check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Status is the outcome of a check or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a single check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ms"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the body of the readiness and health endpoints.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Uptime    time.Duration          `json:"uptime_seconds,omitempty"`
}

// ServerConfig configures the health endpoints and the thresholds of the
// built-in checks.
type ServerConfig struct {
	// Address to listen on. Default: ":8081"
	Address string `yaml:"address" json:"address"`

	LivenessPath  string `yaml:"liveness_path" json:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path" json:"readiness_path"`
	HealthPath    string `yaml:"health_path" json:"health_path"`

	// CheckTimeout bounds one round of checks. Default: 5 seconds
	CheckTimeout time.Duration `yaml:"check_timeout" json:"check_timeout"`

	// MinFreeDiskPercent is the free space the database volume must keep.
	// Default: 5
	MinFreeDiskPercent float64 `yaml:"min_free_disk_percent" json:"min_free_disk_percent"`

	// MaxMemoryPercent is the highest tolerated system memory usage.
	// Default: 95
	MaxMemoryPercent float64 `yaml:"max_memory_percent" json:"max_memory_percent"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:            ":8081",
		LivenessPath:       "/healthz",
		ReadinessPath:      "/readyz",
		HealthPath:         "/health",
		CheckTimeout:       5 * time.Second,
		MinFreeDiskPercent: 5,
		MaxMemoryPercent:   95,
	}
}

// Handler runs the registered checks and serves the health endpoints.
type Handler struct {
	cfg     *ServerConfig
	version string
	started time.Time

	mu     sync.RWMutex
	checks map[string]Checker
	ready  bool
}

// NewHandler creates a Handler. It starts out not ready.
func NewHandler(cfg *ServerConfig, version string) *Handler {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultServerConfig().CheckTimeout
	}
	return &Handler{
		cfg:     cfg,
		version: version,
		started: time.Now(),
		checks:  make(map[string]Checker),
	}
}

// Register adds checks under their names, replacing any with the same name.
func (h *Handler) Register(checks ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range checks {
		h.checks[c.Name()] = c
	}
}

// SetReady marks whether the process accepts work.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Check runs every check concurrently. One unhealthy check makes the
// process unhealthy; otherwise one degraded check makes it degraded.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make([]Checker, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(checks))
	)
	for _, c := range checks {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			start := time.Now()
			res := c.Check(ctx)
			res.Duration = time.Since(start)
			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	overall := StatusHealthy
	for _, res := range results {
		switch {
		case res.Status == StatusUnhealthy:
			overall = StatusUnhealthy
		case res.Status == StatusDegraded && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}

	return Response{
		Status:    overall,
		Timestamp: time.Now(),
		Checks:    results,
		Version:   h.version,
		Uptime:    time.Since(h.started),
	}
}

// Routes registers the liveness, readiness and health endpoints on mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	if h.cfg.LivenessPath != "" {
		mux.HandleFunc(h.cfg.LivenessPath, h.serveLiveness)
	}
	if h.cfg.ReadinessPath != "" {
		mux.HandleFunc(h.cfg.ReadinessPath, h.serveReadiness)
	}
	if h.cfg.HealthPath != "" {
		mux.HandleFunc(h.cfg.HealthPath, h.serveHealth)
	}
}

// serveLiveness answers 200 while the process can serve HTTP at all.
func (h *Handler) serveLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Version:   h.version,
		Uptime:    time.Since(h.started),
	})
}

// serveReadiness answers 503 before startup completes, during shutdown and
// while any check is unhealthy.
func (h *Handler) serveReadiness(w http.ResponseWriter, r *http.Request) {
	if !h.IsReady() {
		writeJSON(w, http.StatusServiceUnavailable, Response{Status: StatusUnhealthy, Timestamp: time.Now()})
		return
	}
	resp := h.Check(r.Context())
	writeJSON(w, statusCode(resp.Status), resp)
}

// serveHealth reports every check regardless of readiness.
func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	resp := h.Check(r.Context())
	writeJSON(w, statusCode(resp.Status), resp)
}

func statusCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// =============================================================================
// Checks
// =============================================================================

// DatabaseCheck pings the store.
type DatabaseCheck struct {
	Ping func(ctx context.Context) error
}

func (c *DatabaseCheck) Name() string { return "database" }

func (c *DatabaseCheck) Check(ctx context.Context) CheckResult {
	if c.Ping == nil {
		return CheckResult{Status: StatusUnknown, Message: "no ping function configured"}
	}
	if err := c.Ping(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "connected"}
}

// DataVolumeCheck watches the free space of the volume holding Dir, where
// the database and its WAL grow.
type DataVolumeCheck struct {
	Dir            string
	MinFreePercent float64
}

func (c *DataVolumeCheck) Name() string { return "data_volume" }

func (c *DataVolumeCheck) Check(ctx context.Context) CheckResult {
	total, free, err := volumeStats(c.Dir)
	if err == errUnsupported {
		return CheckResult{Status: StatusUnknown, Message: err.Error()}
	}
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("stat %s: %v", c.Dir, err)}
	}

	freePercent := percent(free, total)
	res := CheckResult{Metadata: map[string]any{
		"dir":          c.Dir,
		"total_bytes":  total,
		"free_bytes":   free,
		"free_percent": round2(freePercent),
	}}
	if freePercent < c.MinFreePercent {
		res.Status = StatusUnhealthy
		res.Error = fmt.Sprintf("%.2f%% free on %s, need %.2f%%", freePercent, c.Dir, c.MinFreePercent)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("%.2f%% free", freePercent)
	return res
}

// SystemMemoryCheck fails when system memory usage exceeds MaxUsagePercent.
// A zero MaxUsagePercent only reports usage.
type SystemMemoryCheck struct {
	MaxUsagePercent float64
}

func (c *SystemMemoryCheck) Name() string { return "system_memory" }

func (c *SystemMemoryCheck) Check(ctx context.Context) CheckResult {
	total, free, err := memoryStats()
	if err == errUnsupported {
		return CheckResult{Status: StatusUnknown, Message: err.Error()}
	}
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: fmt.Sprintf("read memory stats: %v", err)}
	}

	used := 100 - percent(free, total)
	res := CheckResult{Metadata: map[string]any{
		"total_bytes":   total,
		"free_bytes":    free,
		"usage_percent": round2(used),
	}}
	if c.MaxUsagePercent > 0 && used > c.MaxUsagePercent {
		res.Status = StatusUnhealthy
		res.Error = fmt.Sprintf("memory usage %.2f%% exceeds %.2f%%", used, c.MaxUsagePercent)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("memory usage %.2f%%", used)
	return res
}

// NodePoolCheck reports on the scanner nodes known to the orchestrator.
// The pool is unhealthy when no enabled node is healthy and degraded when
// some enabled nodes are unreachable.
type NodePoolCheck struct {
	ListNodes func(ctx context.Context) ([]*model.Node, error)
}

func (c *NodePoolCheck) Name() string { return "scanner_nodes" }

func (c *NodePoolCheck) Check(ctx context.Context) CheckResult {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}

	healthy, unreachable := 0, 0
	for _, n := range nodes {
		if !n.Enabled {
			continue
		}
		switch n.Status {
		case model.NodeHealthy:
			healthy++
		case model.NodeUnreachable:
			unreachable++
		}
	}
	res := CheckResult{Metadata: map[string]any{
		"enabled":     healthy + unreachable,
		"healthy":     healthy,
		"unreachable": unreachable,
	}}

	switch {
	case healthy == 0:
		res.Status = StatusUnhealthy
		res.Error = "no healthy scanner node"
	case unreachable > 0:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("%d of %d scanner nodes unreachable", unreachable, healthy+unreachable)
	default:
		res.Status = StatusHealthy
		res.Message = fmt.Sprintf("%d scanner nodes healthy", healthy)
	}
	return res
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}

func round2(x float64) float64 {
	return float64(int64(x*100+0.5)) / 100
}

var (
	_ Checker = (*DatabaseCheck)(nil)
	_ Checker = (*DataVolumeCheck)(nil)
	_ Checker = (*SystemMemoryCheck)(nil)
	_ Checker = (*NodePoolCheck)(nil)
)

package nodes

import (
	"context"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

// NodeStore is the persistence the health checker needs.
type NodeStore interface {
	ListNodes(ctx context.Context, enabledOnly bool) ([]*model.Node, error)
	UpdateNodeHealth(ctx context.Context, id int64, status model.NodeStatus, version string, latency time.Duration, at time.Time) error
}

// CheckResult is the outcome of probing one node.
type CheckResult struct {
	NodeID   int64
	Name     string
	Previous model.NodeStatus
	Status   model.NodeStatus
	Version  string
	Latency  time.Duration
	Err      error
}

// Changed reports whether the check moved the node to a new status.
func (r CheckResult) Changed() bool {
	return r.Previous != r.Status
}

// HealthCheckerConfig configures a HealthChecker.
type HealthCheckerConfig struct {
	Store   NodeStore
	Clients zap.Factory
	Logger  core.Logger

	// OnResult is called after every check, if set.
	OnResult func(CheckResult)
}

// HealthChecker checks enabled nodes and records their status. Check
// failures mark the node unreachable; they are never returned as errors.
type HealthChecker struct {
	store    NodeStore
	clients  zap.Factory
	logger   core.Logger
	onResult func(CheckResult)
	now      func() time.Time
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(cfg HealthCheckerConfig) *HealthChecker {
	return &HealthChecker{
		store:    cfg.Store,
		clients:  cfg.Clients,
		logger:   core.OrDefault(cfg.Logger, "nodes"),
		onResult: cfg.OnResult,
		now:      time.Now,
	}
}

// CheckAll checks every enabled node once.
func (h *HealthChecker) CheckAll(ctx context.Context) ([]CheckResult, error) {
	nodes, err := h.store.ListNodes(ctx, true)
	if err != nil {
		return nil, err
	}
	results := make([]CheckResult, 0, len(nodes))
	for _, n := range nodes {
		r, err := h.Check(ctx, n)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// Check contacts one node and records the result. The returned error is only
// a persistence failure.
func (h *HealthChecker) Check(ctx context.Context, node *model.Node) (CheckResult, error) {
	start := h.now()
	version, checkErr := h.clients.ClientFor(node).Version(ctx)
	latency := h.now().Sub(start)

	r := CheckResult{
		NodeID:   node.ID,
		Name:     node.Name,
		Previous: node.Status,
		Status:   model.NodeHealthy,
		Version:  version,
		Latency:  latency,
		Err:      checkErr,
	}
	if checkErr != nil {
		r.Status = model.NodeUnreachable
		h.logger.Warn("node %s unreachable: %v", node.Name, checkErr)
	} else {
		h.logger.Debug("node %s healthy (ZAP %s, %dms)", node.Name, version, latency.Milliseconds())
	}

	if err := h.store.UpdateNodeHealth(ctx, node.ID, r.Status, version, latency, h.now()); err != nil {
		return r, err
	}
	if r.Changed() {
		h.logger.Info("node %s: %s -> %s", node.Name, r.Previous, r.Status)
	}
	if h.onResult != nil {
		h.onResult(r)
	}
	return r, nil
}

// Run checks all nodes every interval until ctx is done.
func (h *HealthChecker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := h.CheckAll(ctx); err != nil && ctx.Err() == nil {
			h.logger.Error("node health check failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

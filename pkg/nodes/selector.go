// Package nodes selects scanner nodes for jobs and tracks their health.
package nodes

import (
	"fmt"
	"sort"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
)

// Policy configures node selection.
type Policy struct {
	// AllowDegraded lets auto-assigned jobs fall back to enabled nodes that
	// are not known to be healthy when no healthy node has room.
	// Default: true.
	AllowDegraded bool `yaml:"allow_degraded" json:"allow_degraded"`
}

// DefaultPolicy returns the default selection policy.
func DefaultPolicy() Policy {
	return Policy{AllowDegraded: true}
}

// Selector chooses a node for a job from a snapshot of node loads.
// It performs no I/O; callers pass loads read under the claim lock.
type Selector struct {
	policy Policy
}

// NewSelector creates a Selector.
func NewSelector(policy Policy) *Selector {
	return &Selector{policy: policy}
}

// Select returns the node a job should run on.
//
// A pinned job gets its node only if it is enabled, healthy and below its
// concurrency ceiling. Other jobs get the best enabled node below its
// ceiling, ranked healthy first, then by running count, then by name.
// Errors are NoNodeAvailable; when the only obstacle is capacity the error
// wraps ErrAtCapacity.
func (s *Selector) Select(job *model.ScanJob, loads []model.NodeLoad) (*model.Node, error) {
	if job.Pinned() {
		return s.selectPinned(*job.NodeID, loads)
	}

	var candidates []model.NodeLoad
	atCeiling := 0
	for _, l := range loads {
		if !s.eligible(l.Node) {
			continue
		}
		if l.Running >= l.Node.MaxConcurrent {
			atCeiling++
			continue
		}
		candidates = append(candidates, l)
	}

	if len(candidates) == 0 {
		if atCeiling > 0 {
			return nil, zerr.NoNode("no scanner node with available concurrency", zerr.ErrAtCapacity)
		}
		return nil, zerr.NoNode("no enabled scanner node available", nil)
	}

	Rank(candidates)
	n := candidates[0].Node
	return &n, nil
}

func (s *Selector) selectPinned(nodeID int64, loads []model.NodeLoad) (*model.Node, error) {
	for _, l := range loads {
		if l.Node.ID != nodeID {
			continue
		}
		if !l.Node.Enabled {
			break
		}
		if l.Node.Status != model.NodeHealthy {
			return nil, zerr.NoNode(fmt.Sprintf("pinned node %s is %s", l.Node.Name, l.Node.Status), nil)
		}
		if l.Running >= l.Node.MaxConcurrent {
			return nil, zerr.NoNode(fmt.Sprintf("pinned node %s is at its concurrency ceiling", l.Node.Name), zerr.ErrAtCapacity)
		}
		n := l.Node
		return &n, nil
	}
	return nil, zerr.NoNode(fmt.Sprintf("pinned node %d is disabled or missing", nodeID), nil)
}

func (s *Selector) eligible(n model.Node) bool {
	if !n.Enabled || n.Status == model.NodeDisabled {
		return false
	}
	if n.Status == model.NodeHealthy {
		return true
	}
	return s.policy.AllowDegraded
}

// Rank orders loads healthy first, then by running count, then by name.
func Rank(loads []model.NodeLoad) {
	sort.SliceStable(loads, func(i, j int) bool {
		hi := loads[i].Node.Status == model.NodeHealthy
		hj := loads[j].Node.Status == model.NodeHealthy
		if hi != hj {
			return hi
		}
		if loads[i].Running != loads[j].Running {
			return loads[i].Running < loads[j].Running
		}
		return loads[i].Node.Name < loads[j].Node.Name
	})
}

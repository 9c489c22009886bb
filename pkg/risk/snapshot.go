package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
)

// LoadWeights reads the admin overrides and resolves them against the
// defaults. It is called once per run so the scorer itself stays pure. A
// malformed setting is logged and the default weights are used.
func LoadWeights(ctx context.Context, s *store.Store, logger core.Logger) (Weights, error) {
	raw, err := s.RiskWeightOverrides(ctx)
	if zerr.GetKind(err) == zerr.KindInvalidInput {
		core.OrDefault(logger, "risk").Warn("%v; using default weights", err)
		return DefaultWeights(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load risk weights: %w", err)
	}
	return ResolveWeights(raw), nil
}

// RunSnapshots are the snapshots recorded for one completed run.
type RunSnapshots struct {
	Assets  []*model.RiskSnapshot
	Target  *model.RiskSnapshot
	Project *model.RiskSnapshot
}

// Snapshotter writes asset, target and project snapshots for a run.
type Snapshotter struct {
	store  *store.Store
	logger core.Logger
	now    func() time.Time
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(s *store.Store, logger core.Logger) *Snapshotter {
	return &Snapshotter{store: s, logger: core.OrDefault(logger, "risk"), now: time.Now}
}

// SnapshotRun scores the currently open findings of every asset of the
// run's target, of the target and of its project, and appends one snapshot
// per scope tagged with the run and the weights used.
func (s *Snapshotter) SnapshotRun(ctx context.Context, runID int64, target *model.Target, w Weights) (*RunSnapshots, error) {
	out := &RunSnapshots{}
	now := s.now().UTC()
	weights := w.Map()
	targetID := target.ID

	err := s.store.InTx(ctx, func(tx *store.Store) error {
		assets, err := tx.ListAssets(ctx, target.ID)
		if err != nil {
			return err
		}
		for _, a := range assets {
			open, err := tx.ListFindings(ctx, store.FindingFilter{AssetID: a.ID, Status: model.FindingOpen})
			if err != nil {
				return err
			}
			assetID := a.ID
			snap, err := s.insert(ctx, tx, model.ScopeAsset, target.ProjectID, &targetID, &assetID, runID, open, w, weights, now)
			if err != nil {
				return err
			}
			out.Assets = append(out.Assets, snap)
		}

		open, err := tx.ListFindings(ctx, store.FindingFilter{TargetID: target.ID, Status: model.FindingOpen})
		if err != nil {
			return err
		}
		if out.Target, err = s.insert(ctx, tx, model.ScopeTarget, target.ProjectID, &targetID, nil, runID, open, w, weights, now); err != nil {
			return err
		}

		open, err = tx.ListFindings(ctx, store.FindingFilter{ProjectID: target.ProjectID, Status: model.FindingOpen})
		if err != nil {
			return err
		}
		out.Project, err = s.insert(ctx, tx, model.ScopeProject, target.ProjectID, nil, nil, runID, open, w, weights, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot run %d: %w", runID, err)
	}

	s.logger.Info("run %d: risk target=%.2f project=%.2f (%d assets)",
		runID, out.Target.Score, out.Project.Score, len(out.Assets))
	return out, nil
}

func (s *Snapshotter) insert(ctx context.Context, tx *store.Store, scope model.Scope, projectID int64, targetID, assetID *int64,
	runID int64, findings []*model.Finding, w Weights, weights map[string]int, now time.Time) (*model.RiskSnapshot, error) {
	res := Score(FromFindings(findings), w)
	snap := &model.RiskSnapshot{
		Scope:     scope,
		ProjectID: projectID,
		TargetID:  targetID,
		AssetID:   assetID,
		RunID:     runID,
		Score:     res.Score,
		Counts:    res.Counts,
		Weights:   weights,
		CreatedAt: now,
	}
	if err := tx.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

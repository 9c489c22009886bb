// Package compare diffs the findings of two scan runs.
package compare

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/risk"
	"github.com/exploopio/zapcontrol/pkg/store"
)

// Engine computes and persists scan comparisons.
type Engine struct {
	store  *store.Store
	logger core.Logger
	now    func() time.Time
}

// New creates an Engine.
func New(s *store.Store, logger core.Logger) *Engine {
	return &Engine{store: s, logger: core.OrDefault(logger, "compare"), now: time.Now}
}

// Diff classifies fingerprints present in from and to. Items are ordered by
// change type then fingerprint.
func Diff(from, to map[string]model.FindingState) ([]model.ComparisonItem, model.ComparisonSummary) {
	var items []model.ComparisonItem
	var sum model.ComparisonSummary

	for fp, after := range to {
		before, ok := from[fp]
		if !ok {
			items = append(items, item(fp, after.FindingID, model.ChangeNew, nil, &after))
			sum.New++
			continue
		}
		if before.Severity != after.Severity || before.Confidence != after.Confidence {
			items = append(items, item(fp, after.FindingID, model.ChangeChanged, &before, &after))
			sum.Changed++
		}
	}
	for fp, before := range from {
		if _, ok := to[fp]; !ok {
			items = append(items, item(fp, before.FindingID, model.ChangeResolved, &before, nil))
			sum.Resolved++
		}
	}

	order := map[model.ChangeType]int{model.ChangeNew: 0, model.ChangeResolved: 1, model.ChangeChanged: 2}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Change != items[j].Change {
			return order[items[i].Change] < order[items[j].Change]
		}
		return items[i].Fingerprint < items[j].Fingerprint
	})
	return items, sum
}

type stateView struct {
	PluginID   string `json:"plugin_id"`
	Title      string `json:"title"`
	Severity   string `json:"severity"`
	Confidence string `json:"confidence"`
}

func encodeState(st *model.FindingState) string {
	if st == nil {
		return ""
	}
	b, _ := json.Marshal(stateView{
		PluginID:   st.PluginID,
		Title:      st.Title,
		Severity:   string(st.Severity),
		Confidence: string(st.Confidence),
	})
	return string(b)
}

func item(fp string, findingID int64, change model.ChangeType, before, after *model.FindingState) model.ComparisonItem {
	return model.ComparisonItem{
		Fingerprint: fp,
		FindingID:   findingID,
		Change:      change,
		Before:      encodeState(before),
		After:       encodeState(after),
	}
}

// Compare diffs runA (older) against runB (newer) for the target of runB,
// or for one asset when assetID is set, and replaces the stored comparison.
func (e *Engine) Compare(ctx context.Context, runA, runB int64, assetID *int64) (*model.ScanComparison, error) {
	_, targetB, err := e.store.RunTarget(ctx, runB)
	if err != nil {
		return nil, err
	}
	_, targetA, err := e.store.RunTarget(ctx, runA)
	if err != nil {
		return nil, err
	}
	if targetA.ID != targetB.ID {
		return nil, zerr.E(zerr.KindInvalidInput, "compare.Compare",
			fmt.Sprintf("runs %d and %d belong to different targets", runA, runB))
	}
	return e.compare(ctx, targetB.ID, runA, runB, assetID)
}

func (e *Engine) compare(ctx context.Context, targetID, runA, runB int64, assetID *int64) (*model.ScanComparison, error) {
	from, err := e.store.FindingStatesForRun(ctx, runA, targetID, assetID)
	if err != nil {
		return nil, err
	}
	to, err := e.store.FindingStatesForRun(ctx, runB, targetID, assetID)
	if err != nil {
		return nil, err
	}
	items, summary := Diff(from, to)

	delta, err := e.riskDelta(ctx, targetID, runA, runB, assetID)
	if err != nil {
		return nil, err
	}

	c := &model.ScanComparison{
		TargetID:  targetID,
		AssetID:   assetID,
		FromRunID: runA,
		ToRunID:   runB,
		Summary:   summary,
		RiskDelta: delta,
		CreatedAt: e.now().UTC(),
		Items:     items,
	}
	if err := e.store.ReplaceComparison(ctx, c); err != nil {
		return nil, fmt.Errorf("save comparison: %w", err)
	}
	return c, nil
}

// riskDelta is score(runB) - score(runA) at the scope. A run without a
// snapshot at the scope counts as zero.
func (e *Engine) riskDelta(ctx context.Context, targetID, runA, runB int64, assetID *int64) (float64, error) {
	var scores [2]float64
	for i, runID := range []int64{runA, runB} {
		snap, err := e.store.SnapshotForRun(ctx, runID, targetID, assetID)
		if err != nil {
			return 0, err
		}
		if snap != nil {
			scores[i] = snap.Score
		}
	}
	return risk.Round(scores[1] - scores[0]), nil
}

// CompareWithPrevious compares a run with the most recently completed
// earlier run of its target: once at target scope and once per asset seen
// in either run. Without a previous run it returns nil and no error.
func (e *Engine) CompareWithPrevious(ctx context.Context, runID int64) ([]*model.ScanComparison, error) {
	_, target, err := e.store.RunTarget(ctx, runID)
	if err != nil {
		return nil, err
	}
	prev, err := e.store.PreviousCompletedRun(ctx, target.ID, runID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		e.logger.Debug("run %d: no previous completed run for target %s", runID, target.Name)
		return nil, nil
	}

	var out []*model.ScanComparison
	c, err := e.compare(ctx, target.ID, prev.ID, runID, nil)
	if err != nil {
		return nil, err
	}
	out = append(out, c)

	assets, err := e.assetsOf(ctx, prev.ID, runID)
	if err != nil {
		return nil, err
	}
	for _, assetID := range assets {
		id := assetID
		c, err := e.compare(ctx, target.ID, prev.ID, runID, &id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	e.logger.Info("run %d vs %d: %d new, %d resolved, %d changed, risk delta %+.2f",
		runID, prev.ID, out[0].Summary.New, out[0].Summary.Resolved, out[0].Summary.Changed, out[0].RiskDelta)
	return out, nil
}

func (e *Engine) assetsOf(ctx context.Context, runs ...int64) ([]int64, error) {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, runID := range runs {
		assets, err := e.store.AssetsSeenInRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, id := range assets {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

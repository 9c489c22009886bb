// Package normalize turns raw ZAP alerts into deduplicated assets, findings
// and finding instances.
package normalize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/risk"
	"github.com/exploopio/zapcontrol/pkg/shared/fingerprint"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/zap"
)

const (
	unknownPlugin = "unknown"
	untitled      = "Untitled Alert"
)

// Config configures a Normalizer.
type Config struct {
	// AutoResolve marks open findings of the target that the run did not
	// detect as resolved. Default: true.
	AutoResolve bool `yaml:"auto_resolve" json:"auto_resolve"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{AutoResolve: true}
}

// Result summarizes one normalization pass.
type Result struct {
	Alerts            int
	FindingsCreated   int
	FindingsUpdated   int
	InstancesCreated  int
	FindingsResolved  int64
	TouchedAssets     []int64
	SeverityHistogram severity.Counts
}

// Normalizer writes alerts into the findings model.
type Normalizer struct {
	store       *store.Store
	autoResolve bool
	logger      core.Logger
	now         func() time.Time
}

// New creates a Normalizer.
func New(s *store.Store, cfg *Config, logger core.Logger) *Normalizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Normalizer{
		store:       s,
		autoResolve: cfg.AutoResolve,
		logger:      core.OrDefault(logger, "normalize"),
		now:         time.Now,
	}
}

// Normalize ingests the alerts of a run for a target in one transaction.
// Re-ingesting the same alerts for the same run creates no new instances.
// Touched assets get their aggregates refreshed using w.
func (n *Normalizer) Normalize(ctx context.Context, runID int64, target *model.Target, alerts []zap.Alert, w risk.Weights) (*Result, error) {
	res := &Result{Alerts: len(alerts)}
	now := n.now().UTC()

	err := n.store.InTx(ctx, func(tx *store.Store) error {
		assets := make(map[AssetKey]int64)
		var touched []int64
		runFindings := make(map[int64]struct{})

		for i := range alerts {
			a := &alerts[i]

			key := DeriveAsset(a)
			assetID, ok := assets[key]
			if !ok {
				asset, err := tx.GetOrCreateAsset(ctx, target.ID, key.Name, key.Type)
				if err != nil {
					return fmt.Errorf("asset %s: %w", key.Name, err)
				}
				assetID = asset.ID
				assets[key] = assetID
				touched = append(touched, assetID)
			}

			f := findingFromAlert(a, target.ID, assetID, runID, now)
			created, err := tx.InsertFindingIfAbsent(ctx, f)
			if err != nil {
				return err
			}
			if created {
				res.FindingsCreated++
			} else {
				if err := n.refresh(ctx, tx, f); err != nil {
					return err
				}
				res.FindingsUpdated++
			}
			runFindings[f.ID] = struct{}{}

			inst := &model.FindingInstance{
				FindingID:  f.ID,
				RunID:      runID,
				URL:        strings.TrimSpace(a.URL),
				Param:      a.Param,
				Evidence:   a.Evidence,
				Method:     strings.ToUpper(strings.TrimSpace(a.Method)),
				Attack:     a.Attack,
				Other:      a.Other,
				Severity:   f.Severity,
				Confidence: f.Confidence,
				CreatedAt:  now,
			}
			added, err := tx.InsertInstanceIfAbsent(ctx, inst)
			if err != nil {
				return err
			}
			if added {
				res.InstancesCreated++
			}
			res.SeverityHistogram.Increment(f.Severity)
		}

		for findingID := range runFindings {
			if _, err := tx.RefreshInstancesCount(ctx, findingID, runID); err != nil {
				return err
			}
		}

		if n.autoResolve {
			resolved, resolvedAssets, err := tx.ResolveMissingFindings(ctx, target.ID, runID)
			if err != nil {
				return err
			}
			res.FindingsResolved = resolved
			seen := make(map[int64]bool, len(touched))
			for _, id := range touched {
				seen[id] = true
			}
			for _, id := range resolvedAssets {
				if !seen[id] {
					touched = append(touched, id)
				}
			}
		}

		for _, assetID := range touched {
			if err := refreshAsset(ctx, tx, assetID, runID, w, now); err != nil {
				return err
			}
		}
		res.TouchedAssets = touched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("normalize run %d: %w", runID, err)
	}

	n.logger.Info("run %d: %d alerts -> %d new, %d updated findings, %d instances, %d resolved",
		runID, res.Alerts, res.FindingsCreated, res.FindingsUpdated, res.InstancesCreated, res.FindingsResolved)
	return res, nil
}

// refresh applies a re-detection to an existing finding. Empty descriptive
// fields in the new alert keep the stored value.
func (n *Normalizer) refresh(ctx context.Context, tx *store.Store, f *model.Finding) error {
	existing, err := tx.GetFinding(ctx, f.ID)
	if err != nil {
		return err
	}
	update := *f
	update.Description = firstNonEmpty(f.Description, existing.Description)
	update.Solution = firstNonEmpty(f.Solution, existing.Solution)
	update.Reference = firstNonEmpty(f.Reference, existing.Reference)
	update.CWEID = firstNonEmpty(f.CWEID, existing.CWEID)
	update.WASCID = firstNonEmpty(f.WASCID, existing.WASCID)
	return tx.UpdateFindingDetection(ctx, &update)
}

func refreshAsset(ctx context.Context, tx *store.Store, assetID, runID int64, w risk.Weights, now time.Time) error {
	open, err := tx.ListFindings(ctx, store.FindingFilter{AssetID: assetID, Status: model.FindingOpen})
	if err != nil {
		return err
	}
	scored := risk.Score(risk.FromFindings(open), w)
	return tx.UpdateAssetAggregates(ctx, assetID, runID, scored.Score, scored.Counts, now)
}

func findingFromAlert(a *zap.Alert, targetID, assetID, runID int64, now time.Time) *model.Finding {
	pluginID := a.PluginID.String()
	if pluginID == "" {
		pluginID = unknownPlugin
	}
	title := a.Title()
	if title == "" {
		title = untitled
	}
	return &model.Finding{
		TargetID: targetID,
		AssetID:  assetID,
		Fingerprint: fingerprint.Generate(fingerprint.Input{
			PluginID: pluginID,
			URL:      a.URL,
			Param:    a.Param,
			Method:   a.Method,
			Evidence: a.Evidence,
		}),
		PluginID:    pluginID,
		Title:       title,
		Severity:    alertSeverity(a),
		Confidence:  severity.ConfidenceFromString(a.Confidence),
		Status:      model.FindingOpen,
		Description: a.Description,
		Solution:    a.Solution,
		Reference:   a.Reference,
		CWEID:       a.CWEID.String(),
		WASCID:      a.WASCID.String(),
		FirstSeen:   now,
		LastSeen:    now,
		LastRunID:   runID,
	}
}

// alertSeverity reads the risk label, then the numeric riskcode that report
// files carry instead.
func alertSeverity(a *zap.Alert) severity.Level {
	if l, ok := severity.Parse(a.Risk); ok {
		return l
	}
	if code := a.RiskCode.String(); code != "" {
		return severity.FromRiskCode(code)
	}
	return severity.Info
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/store/storetest"
)

func addFinding(t *testing.T, s *store.Store, targetID, assetID, runID int64, fp string, sev severity.Level, conf severity.Confidence, status model.FindingStatus) {
	t.Helper()
	now := time.Now()
	f := &model.Finding{TargetID: targetID, AssetID: assetID, Fingerprint: fp, PluginID: "1", Title: fp,
		Severity: sev, Confidence: conf, Status: status, FirstSeen: now, LastSeen: now, LastRunID: runID}
	if _, err := s.InsertFindingIfAbsent(context.Background(), f); err != nil {
		t.Fatalf("insert finding: %v", err)
	}
}

func TestSnapshotter_SnapshotRun(t *testing.T) {
	s := storetest.Open(t)
	fx := storetest.Seed(t, s)
	ctx := context.Background()
	rc := storetest.StartRun(t, s, fx, time.Now())

	// A second target in the same project contributes to the project scope only.
	other := &model.Target{ProjectID: fx.Project.ID, Name: "admin", BaseURL: "https://admin.example.com"}
	if err := s.CreateTarget(ctx, other); err != nil {
		t.Fatalf("CreateTarget: %v", err)
	}

	login, _ := s.GetOrCreateAsset(ctx, fx.Target.ID, "https://shop.example.com/login", model.AssetURL)
	cart, _ := s.GetOrCreateAsset(ctx, fx.Target.ID, "https://shop.example.com/cart", model.AssetURL)
	adminApp, _ := s.GetOrCreateAsset(ctx, other.ID, "application", model.AssetApp)

	addFinding(t, s, fx.Target.ID, login.ID, rc.Run.ID, "a", severity.High, severity.ConfidenceHigh, model.FindingOpen)
	addFinding(t, s, fx.Target.ID, login.ID, rc.Run.ID, "b", severity.Medium, severity.ConfidenceMed, model.FindingOpen)
	addFinding(t, s, fx.Target.ID, cart.ID, rc.Run.ID, "c", severity.Low, severity.ConfidenceLow, model.FindingOpen)
	addFinding(t, s, fx.Target.ID, cart.ID, rc.Run.ID, "d", severity.High, severity.ConfidenceHigh, model.FindingResolved)
	addFinding(t, s, other.ID, adminApp.ID, rc.Run.ID, "e", severity.Medium, severity.ConfidenceHigh, model.FindingOpen)

	snaps, err := NewSnapshotter(s, &core.NopLogger{}).SnapshotRun(ctx, rc.Run.ID, fx.Target, DefaultWeights())
	if err != nil {
		t.Fatalf("SnapshotRun: %v", err)
	}

	if len(snaps.Assets) != 2 {
		t.Fatalf("expected 2 asset snapshots, got %d", len(snaps.Assets))
	}
	byAsset := map[int64]float64{}
	for _, a := range snaps.Assets {
		byAsset[*a.AssetID] = a.Score
	}
	if byAsset[login.ID] != 14 {
		t.Errorf("login asset: expected 14, got %v", byAsset[login.ID])
	}
	if byAsset[cart.ID] != 0.6 {
		t.Errorf("cart asset: expected 0.6 (resolved excluded), got %v", byAsset[cart.ID])
	}
	if snaps.Target.Score != 14.6 {
		t.Errorf("target: expected 14.6, got %v", snaps.Target.Score)
	}
	if snaps.Project.Score != 19.6 {
		t.Errorf("project: expected 19.6, got %v", snaps.Project.Score)
	}
	if snaps.Project.TargetID != nil {
		t.Error("project snapshot must not carry a target")
	}

	stored, err := s.SnapshotForRun(ctx, rc.Run.ID, fx.Target.ID, nil)
	if err != nil || stored == nil {
		t.Fatalf("SnapshotForRun: %v %v", stored, err)
	}
	if stored.Weights["High"] != 10 || stored.Counts.High != 1 || stored.Counts.Medium != 1 || stored.Counts.Low != 1 {
		t.Errorf("unexpected stored snapshot %+v", stored)
	}
}

func TestLoadWeights(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	w, err := LoadWeights(ctx, s, &core.NopLogger{})
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if w.Get(severity.High) != 10 {
		t.Errorf("expected default High weight, got %d", w.Get(severity.High))
	}

	if err := s.SetSetting(ctx, store.SettingRiskWeights, `{"High": 25}`); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if w, _ = LoadWeights(ctx, s, &core.NopLogger{}); w.Get(severity.High) != 25 {
		t.Errorf("expected override High=25, got %d", w.Get(severity.High))
	}

	// A malformed setting falls back to the defaults.
	if err := s.SetSetting(ctx, store.SettingRiskWeights, `High=25`); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	w, err = LoadWeights(ctx, s, &core.NopLogger{})
	if err != nil {
		t.Fatalf("LoadWeights: %v", err)
	}
	if w.Get(severity.High) != 10 || w.Get(severity.Medium) != 5 {
		t.Errorf("expected default weights, got %v", w.Map())
	}
}

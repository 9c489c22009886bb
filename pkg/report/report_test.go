package report

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

func sampleInput() *Input {
	started := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	finished := started.Add(20 * time.Minute)
	targetID := int64(1)
	assetID := int64(3)
	return &Input{
		Run:    &model.ScanRun{ID: 42, JobID: 7, Status: model.RunSucceeded, StartedAt: &started, FinishedAt: &finished},
		Target: &model.Target{ID: targetID, Name: "storefront", BaseURL: "https://shop.example.com"},
		Node:   &model.Node{Name: "zap-1"},
		Findings: []*model.Finding{
			{ID: 1, Title: "Cookie without SameSite", Severity: severity.Low, Confidence: severity.ConfidenceMed, Status: model.FindingOpen, PluginID: "10054", FirstSeen: started},
			{ID: 2, Title: "SQL Injection <script>", Severity: severity.High, Confidence: severity.ConfidenceHigh, Status: model.FindingOpen, PluginID: "40018", CWEID: "89", FirstSeen: started},
			{ID: 3, Title: "Old finding", Severity: severity.High, Status: model.FindingResolved, FirstSeen: started},
			{ID: 4, Title: "Absence of Anti-CSRF Tokens", Severity: severity.Medium, Confidence: severity.ConfidenceLow, Status: model.FindingOpen, PluginID: "10202", FirstSeen: started},
		},
		Snapshot: &model.RiskSnapshot{Score: 16.6},
		Comparisons: []*model.ScanComparison{
			{TargetID: targetID, AssetID: &assetID, Summary: model.ComparisonSummary{New: 9}},
			{TargetID: targetID, Summary: model.ComparisonSummary{New: 2, Resolved: 1}, RiskDelta: 4.5},
		},
		GeneratedAt: finished,
	}
}

func TestBuild(t *testing.T) {
	doc := Build("r-1", sampleInput())

	if len(doc.Findings) != 3 {
		t.Fatalf("findings = %d, want 3 open", len(doc.Findings))
	}
	wantOrder := []string{"SQL Injection <script>", "Absence of Anti-CSRF Tokens", "Cookie without SameSite"}
	for i, want := range wantOrder {
		if doc.Findings[i].Title != want {
			t.Errorf("findings[%d] = %q, want %q", i, doc.Findings[i].Title, want)
		}
	}
	if doc.Counts["High"] != 1 || doc.Counts["Medium"] != 1 || doc.Counts["Low"] != 1 || doc.Counts["Info"] != 0 {
		t.Errorf("counts = %v", doc.Counts)
	}
	if doc.RiskScore != 16.6 {
		t.Errorf("risk score = %v, want 16.6", doc.RiskScore)
	}
	if doc.Changes == nil || doc.Changes.New != 2 || doc.Changes.Resolved != 1 {
		t.Errorf("changes should come from the target-scope comparison, got %+v", doc.Changes)
	}
	if doc.Changes != nil && doc.Changes.RiskDelta != 4.5 {
		t.Errorf("risk delta = %v", doc.Changes.RiskDelta)
	}
	if doc.Run.Node != "zap-1" {
		t.Errorf("node = %q", doc.Run.Node)
	}
}

func TestBuild_FirstRunHasNoChanges(t *testing.T) {
	in := sampleInput()
	in.Comparisons = nil
	in.Snapshot = nil
	doc := Build("r-2", in)
	if doc.Changes != nil {
		t.Error("first run should carry no change summary")
	}
	if doc.RiskScore != 0 {
		t.Errorf("risk score = %v, want 0 without a snapshot", doc.RiskScore)
	}
}

func TestRenderer_Generate(t *testing.T) {
	r := NewRenderer()
	rep, err := r.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.ID == "" || rep.RunID != 42 {
		t.Errorf("report = %+v", rep)
	}

	var doc Document
	if err := json.Unmarshal(rep.JSON, &doc); err != nil {
		t.Fatalf("decode JSON artifact: %v", err)
	}
	if doc.ID != rep.ID {
		t.Errorf("JSON id %q != report id %q", doc.ID, rep.ID)
	}

	html := string(rep.HTML)
	for _, want := range []string{
		"storefront",
		"Risk score: 16.60",
		"2 new, 1 resolved, 0 changed, risk delta +4.50",
		"SQL Injection &lt;script&gt;",
		"(CWE-89)",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if strings.Contains(html, "Old finding") {
		t.Error("resolved findings should not be listed")
	}
}

func TestRenderer_UniqueIDs(t *testing.T) {
	r := NewRenderer()
	a, err := r.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Generate(context.Background(), sampleInput())
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("report IDs should be unique")
	}
}

func TestRenderer_RequiresRunAndTarget(t *testing.T) {
	r := NewRenderer()
	if _, err := r.Generate(context.Background(), &Input{}); err == nil {
		t.Error("expected error without run and target")
	}
}

func TestRenderer_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewRenderer().Generate(ctx, sampleInput()); err == nil {
		t.Error("expected error for canceled context")
	}
}

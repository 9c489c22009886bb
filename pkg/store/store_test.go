package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/store/storetest"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func TestOpen_RequiresPath(t *testing.T) {
	_, err := store.Open(&store.Config{})
	if err == nil {
		t.Fatal("expected error for empty database path")
	}
}

func TestClaimNext_OldestFirst(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	first, err := s.EnqueueRun(ctx, f.Job.ID, t0)
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}
	if _, err := s.EnqueueRun(ctx, f.Job.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}

	rc, _, err := s.ClaimNext(ctx, "w1", t0.Add(2*time.Minute), storetest.FirstFree)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rc == nil || rc.Run.ID != first.ID {
		t.Fatalf("expected run %d, got %+v", first.ID, rc)
	}
	if rc.Run.Status != model.RunRunning || rc.Run.ClaimedBy != "w1" {
		t.Errorf("unexpected run state: %+v", rc.Run)
	}
	if rc.Node.ID != f.Node.ID || rc.Target.ID != f.Target.ID || rc.Profile.ID != f.Profile.ID {
		t.Errorf("run context not fully loaded: %+v", rc)
	}

	stored, err := s.GetRun(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.StartedAt == nil || !stored.StartedAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("started_at not recorded: %v", stored.StartedAt)
	}
}

func TestClaimNext_Empty(t *testing.T) {
	s := storetest.Open(t)
	storetest.Seed(t, s)

	rc, rejected, err := s.ClaimNext(context.Background(), "w1", t0, storetest.FirstFree)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rc != nil || len(rejected) != 0 {
		t.Errorf("expected nothing claimed, got %+v %v", rc, rejected)
	}
}

func TestClaimNext_CapacityKeepsQueued(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.EnqueueRun(ctx, f.Job.ID, t0.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}

	// Ceiling is 2.
	for i := 0; i < 2; i++ {
		rc, _, err := s.ClaimNext(ctx, "w", t0, storetest.FirstFree)
		if err != nil || rc == nil {
			t.Fatalf("claim %d: %v %v", i, rc, err)
		}
	}
	rc, rejected, err := s.ClaimNext(ctx, "w", t0, storetest.FirstFree)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rc != nil || len(rejected) != 0 {
		t.Fatalf("expected capacity-blocked claim, got %+v %v", rc, rejected)
	}

	queued, err := s.ListRuns(ctx, store.RunFilter{Status: model.RunQueued})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(queued) != 1 {
		t.Errorf("expected 1 run still queued, got %d", len(queued))
	}
}

func TestClaimNext_NoNodeFailsRun(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	run, err := s.EnqueueRun(ctx, f.Job.ID, t0)
	if err != nil {
		t.Fatalf("EnqueueRun: %v", err)
	}

	refuse := func(*model.ScanJob, []model.NodeLoad) (*model.Node, error) {
		return nil, zerr.NoNode("pinned node zap-9 is not available", nil)
	}
	rc, rejected, err := s.ClaimNext(ctx, "w", t0, refuse)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if rc != nil {
		t.Fatalf("expected no claim, got %+v", rc)
	}
	if len(rejected) != 1 || rejected[0].RunID != run.ID {
		t.Fatalf("expected run %d rejected, got %v", run.ID, rejected)
	}

	stored, _ := s.GetRun(ctx, run.ID)
	if stored.Status != model.RunFailed {
		t.Errorf("expected failed, got %s", stored.Status)
	}
	if stored.ErrorMessage != "pinned node zap-9 is not available" {
		t.Errorf("unexpected message %q", stored.ErrorMessage)
	}
}

func TestClaimNext_ConcurrentClaimersGetDistinctRuns(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	// A roomy second node so capacity does not limit claims.
	big := &model.Node{Name: "zap-big", BaseURL: "http://zap-big:8090", Enabled: true,
		Status: model.NodeHealthy, MaxConcurrent: 100}
	if err := s.CreateNode(ctx, big); err != nil {
		t.Fatalf("CreateNode: %v", err)
	}

	const runs = 5
	const claimers = 10
	for i := 0; i < runs; i++ {
		if _, err := s.EnqueueRun(ctx, f.Job.ID, t0.Add(time.Duration(i)*time.Millisecond)); err != nil {
			t.Fatalf("EnqueueRun: %v", err)
		}
	}

	var mu sync.Mutex
	seen := make(map[int64]int)
	nils := 0
	var wg sync.WaitGroup
	errs := make(chan error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, _, err := s.ClaimNext(ctx, "w", t0, storetest.FirstFree)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if rc == nil {
				nils++
				return
			}
			seen[rc.Run.ID]++
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimNext: %v", err)
	}

	if len(seen) != runs {
		t.Errorf("expected %d distinct runs claimed, got %d", runs, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("run %d claimed %d times", id, n)
		}
	}
	if nils != claimers-runs {
		t.Errorf("expected %d empty claims, got %d", claimers-runs, nils)
	}
}

func TestFinishRun_TerminalIsFinal(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()
	rc := storetest.StartRun(t, s, f, t0)

	run, err := s.FinishRun(ctx, rc.Run.ID, model.RunSucceeded, "", t0.Add(90*time.Second))
	if err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if run.DurationMs != 90000 {
		t.Errorf("expected duration 90000ms, got %d", run.DurationMs)
	}

	_, err = s.FinishRun(ctx, rc.Run.ID, model.RunFailed, "late", t0.Add(2*time.Minute))
	if zerr.GetKind(err) != zerr.KindConflict {
		t.Fatalf("expected conflict finishing a terminal run, got %v", err)
	}
	stored, _ := s.GetRun(ctx, rc.Run.ID)
	if stored.Status != model.RunSucceeded {
		t.Errorf("terminal run transitioned to %s", stored.Status)
	}

	if _, err := s.FinishRun(ctx, rc.Run.ID, model.RunRunning, "", t0); err == nil {
		t.Error("expected error for non-terminal status")
	}
}

func TestScheduleRun_CompareAndSet(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	run, err := s.ScheduleRun(ctx, f.Job.ID, nil, t0)
	if err != nil || run == nil {
		t.Fatalf("first ScheduleRun: %v %v", run, err)
	}
	// A second scheduler still holding the old value loses.
	run, err = s.ScheduleRun(ctx, f.Job.ID, nil, t0)
	if err != nil {
		t.Fatalf("second ScheduleRun: %v", err)
	}
	if run != nil {
		t.Fatalf("expected lost race, got run %d", run.ID)
	}
	prev := t0
	if run, err = s.ScheduleRun(ctx, f.Job.ID, &prev, t0.Add(time.Hour)); err != nil || run == nil {
		t.Fatalf("third ScheduleRun: %v %v", run, err)
	}
}

func TestFindingUpsert(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()
	rc := storetest.StartRun(t, s, f, t0)

	asset, err := s.GetOrCreateAsset(ctx, f.Target.ID, "https://shop.example.com/login", model.AssetURL)
	if err != nil {
		t.Fatalf("GetOrCreateAsset: %v", err)
	}
	again, err := s.GetOrCreateAsset(ctx, f.Target.ID, "https://shop.example.com/login", model.AssetURL)
	if err != nil || again.ID != asset.ID {
		t.Fatalf("asset not reused: %v %v", again, err)
	}

	fd := &model.Finding{
		TargetID: f.Target.ID, AssetID: asset.ID, Fingerprint: "fp1", PluginID: "10202",
		Title: "Absence of Anti-CSRF Tokens", Severity: severity.Medium, Confidence: severity.ConfidenceLow,
		FirstSeen: t0, LastSeen: t0, LastRunID: rc.Run.ID,
	}
	created, err := s.InsertFindingIfAbsent(ctx, fd)
	if err != nil || !created {
		t.Fatalf("InsertFindingIfAbsent: %v %v", created, err)
	}

	dup := *fd
	dup.ID = 0
	dup.FirstSeen = t0.Add(time.Hour)
	created, err = s.InsertFindingIfAbsent(ctx, &dup)
	if err != nil || created {
		t.Fatalf("expected existing finding, got created=%v err=%v", created, err)
	}
	if dup.ID != fd.ID {
		t.Errorf("expected id %d, got %d", fd.ID, dup.ID)
	}

	dup.Severity = severity.High
	dup.LastSeen = t0.Add(time.Hour)
	if err := s.UpdateFindingDetection(ctx, &dup); err != nil {
		t.Fatalf("UpdateFindingDetection: %v", err)
	}
	stored, err := s.GetFinding(ctx, fd.ID)
	if err != nil {
		t.Fatalf("GetFinding: %v", err)
	}
	if stored.Severity != severity.High {
		t.Errorf("severity not refreshed: %s", stored.Severity)
	}
	if !stored.FirstSeen.Equal(t0) {
		t.Errorf("first_seen changed: %v", stored.FirstSeen)
	}

	inst := &model.FindingInstance{FindingID: fd.ID, RunID: rc.Run.ID, URL: "https://shop.example.com/login",
		Param: "csrf", Evidence: "<form>", Method: "POST", Severity: severity.Medium}
	if ok, err := s.InsertInstanceIfAbsent(ctx, inst); err != nil || !ok {
		t.Fatalf("first instance: %v %v", ok, err)
	}
	dupInst := *inst
	if ok, err := s.InsertInstanceIfAbsent(ctx, &dupInst); err != nil || ok {
		t.Fatalf("duplicate instance: %v %v", ok, err)
	}
	count, err := s.RefreshInstancesCount(ctx, fd.ID, rc.Run.ID)
	if err != nil || count != 1 {
		t.Errorf("expected instances_count 1, got %d (%v)", count, err)
	}
}

func TestRawResult_WriteOnce(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()
	rc := storetest.StartRun(t, s, f, t0)

	r := &model.RawResult{RunID: rc.Run.ID, JobID: f.Job.ID, Checksum: "abc", SizeBytes: 2, Payload: []byte("[]")}
	if err := s.SaveRawResult(ctx, r); err != nil {
		t.Fatalf("SaveRawResult: %v", err)
	}
	err := s.SaveRawResult(ctx, &model.RawResult{RunID: rc.Run.ID, JobID: f.Job.ID, Checksum: "def", Payload: []byte("[1]")})
	if zerr.GetKind(err) != zerr.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	stored, err := s.GetRawResult(ctx, rc.Run.ID)
	if err != nil {
		t.Fatalf("GetRawResult: %v", err)
	}
	if stored.Checksum != "abc" || stored.Compression != "none" {
		t.Errorf("unexpected raw result %+v", stored)
	}
}

func TestPreviousCompletedRun(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()

	a := storetest.StartRun(t, s, f, t0)
	if _, err := s.FinishRun(ctx, a.Run.ID, model.RunSucceeded, "", t0.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	failed := storetest.StartRun(t, s, f, t0.Add(2*time.Minute))
	if _, err := s.FinishRun(ctx, failed.Run.ID, model.RunFailed, "boom", t0.Add(3*time.Minute)); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	b := storetest.StartRun(t, s, f, t0.Add(4*time.Minute))

	prev, err := s.PreviousCompletedRun(ctx, f.Target.ID, b.Run.ID)
	if err != nil {
		t.Fatalf("PreviousCompletedRun: %v", err)
	}
	if prev == nil || prev.ID != a.Run.ID {
		t.Fatalf("expected run %d, got %+v", a.Run.ID, prev)
	}

	prev, err = s.PreviousCompletedRun(ctx, f.Target.ID, a.Run.ID)
	if err != nil || prev != nil {
		t.Errorf("expected no previous run, got %+v %v", prev, err)
	}
}

func TestRiskWeightOverrides(t *testing.T) {
	s := storetest.Open(t)
	ctx := context.Background()

	raw, err := s.RiskWeightOverrides(ctx)
	if err != nil || len(raw) != 0 {
		t.Fatalf("expected empty overrides, got %v %v", raw, err)
	}
	if err := s.SetSetting(ctx, store.SettingRiskWeights, `{"High": 20, "Low": "x"}`); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	raw, err = s.RiskWeightOverrides(ctx)
	if err != nil {
		t.Fatalf("RiskWeightOverrides: %v", err)
	}
	if raw["High"] != float64(20) {
		t.Errorf("expected High=20, got %v", raw["High"])
	}

	if err := s.SetSetting(ctx, store.SettingRiskWeights, `[1, 2`); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if _, err := s.RiskWeightOverrides(ctx); zerr.GetKind(err) != zerr.KindInvalidInput {
		t.Errorf("expected InvalidInput for a malformed setting, got %v", err)
	}
}

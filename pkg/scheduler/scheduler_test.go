package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/store/storetest"
)

func newScheduler(t *testing.T, s *store.Store) *Scheduler {
	t.Helper()
	sc, err := New(s, &Config{Location: "UTC"}, &core.NopLogger{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sc
}

func addJob(t *testing.T, s *store.Store, f *storetest.Fixture, j *model.ScanJob) *model.ScanJob {
	t.Helper()
	j.ProjectID = f.Project.ID
	j.TargetID = f.Target.ID
	j.ProfileID = f.Profile.ID
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func queued(t *testing.T, s *store.Store, jobID int64) int {
	t.Helper()
	runs, err := s.ListRuns(context.Background(), store.RunFilter{Status: model.RunQueued, JobID: jobID})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	return len(runs)
}

func TestIsDue(t *testing.T) {
	// Wednesday.
	now := time.Date(2026, 3, 4, 2, 30, 15, 0, time.UTC)
	ago := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name string
		job  model.ScanJob
		want bool
	}{
		{"interval never scheduled", model.ScanJob{ScheduleType: model.ScheduleInterval, IntervalMinutes: 60}, true},
		{"interval elapsed", model.ScanJob{ScheduleType: model.ScheduleInterval, IntervalMinutes: 60, LastScheduledAt: ago(time.Hour)}, true},
		{"interval not elapsed", model.ScanJob{ScheduleType: model.ScheduleInterval, IntervalMinutes: 60, LastScheduledAt: ago(59 * time.Minute)}, false},
		{"interval zero minutes", model.ScanJob{ScheduleType: model.ScheduleInterval}, false},
		{"daily match", model.ScanJob{ScheduleType: model.ScheduleDaily, ScheduleHour: 2, ScheduleMinute: 30}, true},
		{"daily wrong minute", model.ScanJob{ScheduleType: model.ScheduleDaily, ScheduleHour: 2, ScheduleMinute: 31}, false},
		{"daily already this minute", model.ScanJob{ScheduleType: model.ScheduleDaily, ScheduleHour: 2, ScheduleMinute: 30, LastScheduledAt: ago(10 * time.Second)}, false},
		{"daily scheduled yesterday", model.ScanJob{ScheduleType: model.ScheduleDaily, ScheduleHour: 2, ScheduleMinute: 30, LastScheduledAt: ago(24 * time.Hour)}, true},
		{"weekly match", model.ScanJob{ScheduleType: model.ScheduleWeekly, ScheduleWeekday: time.Wednesday, ScheduleHour: 2, ScheduleMinute: 30}, true},
		{"weekly wrong day", model.ScanJob{ScheduleType: model.ScheduleWeekly, ScheduleWeekday: time.Monday, ScheduleHour: 2, ScheduleMinute: 30}, false},
		{"manual", model.ScanJob{ScheduleType: model.ScheduleManual}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := tt.job
			job.Enabled = true
			if got := IsDue(&job, now, time.UTC); got != tt.want {
				t.Errorf("IsDue() = %v, want %v", got, tt.want)
			}
		})
	}

	disabled := model.ScanJob{ScheduleType: model.ScheduleInterval, IntervalMinutes: 1}
	if IsDue(&disabled, now, time.UTC) {
		t.Error("disabled job should never be due")
	}
}

func TestIsDue_Location(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	job := model.ScanJob{Enabled: true, ScheduleType: model.ScheduleDaily, ScheduleHour: 4, ScheduleMinute: 0}
	now := time.Date(2026, 3, 4, 2, 0, 0, 0, time.UTC)

	if !IsDue(&job, now, loc) {
		t.Error("04:00 local should match 02:00 UTC in UTC+2")
	}
	if IsDue(&job, now, time.UTC) {
		t.Error("04:00 should not match 02:00 in UTC")
	}
}

func TestScheduleDueJobs_Interval(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()
	job := addJob(t, s, f, &model.ScanJob{Enabled: true, ScheduleType: model.ScheduleInterval, IntervalMinutes: 30})

	sc := newScheduler(t, s)
	t0 := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

	n, err := sc.ScheduleDueJobs(ctx, t0)
	if err != nil {
		t.Fatalf("ScheduleDueJobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("created = %d, want 1", n)
	}

	n, _ = sc.ScheduleDueJobs(ctx, t0.Add(10*time.Minute))
	if n != 0 {
		t.Errorf("created before interval = %d, want 0", n)
	}

	n, _ = sc.ScheduleDueJobs(ctx, t0.Add(30*time.Minute))
	if n != 1 {
		t.Errorf("created after interval = %d, want 1", n)
	}
	if got := queued(t, s, job.ID); got != 2 {
		t.Errorf("queued runs = %d, want 2", got)
	}

	stored, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.LastScheduledAt == nil || !stored.LastScheduledAt.Equal(t0.Add(30*time.Minute)) {
		t.Errorf("last_scheduled_at = %v", stored.LastScheduledAt)
	}
}

func TestScheduleDueJobs_DailyOncePerMinute(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	ctx := context.Background()
	job := addJob(t, s, f, &model.ScanJob{Enabled: true, ScheduleType: model.ScheduleDaily, ScheduleHour: 3, ScheduleMinute: 15})

	sc := newScheduler(t, s)
	var scheduled []int64
	sc.OnScheduled = func(j *model.ScanJob, r *model.ScanRun) { scheduled = append(scheduled, r.ID) }

	at := time.Date(2026, 3, 4, 3, 15, 5, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := sc.ScheduleDueJobs(ctx, at.Add(time.Duration(i)*10*time.Second)); err != nil {
			t.Fatalf("ScheduleDueJobs: %v", err)
		}
	}
	if len(scheduled) != 1 {
		t.Errorf("scheduled = %d runs, want 1", len(scheduled))
	}

	n, _ := sc.ScheduleDueJobs(ctx, at.Add(24*time.Hour))
	if n != 1 {
		t.Errorf("next day created = %d, want 1", n)
	}
	if got := queued(t, s, job.ID); got != 2 {
		t.Errorf("queued runs = %d, want 2", got)
	}
}

func TestScheduleDueJobs_WeeklyWrongDay(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	job := addJob(t, s, f, &model.ScanJob{Enabled: true, ScheduleType: model.ScheduleWeekly,
		ScheduleWeekday: time.Friday, ScheduleHour: 9, ScheduleMinute: 0})

	sc := newScheduler(t, s)
	// Thursday.
	n, err := sc.ScheduleDueJobs(context.Background(), time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ScheduleDueJobs: %v", err)
	}
	if n != 0 || queued(t, s, job.ID) != 0 {
		t.Errorf("weekly job scheduled on the wrong day")
	}
}

func TestScheduleDueJobs_SkipsManualAndDisabled(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	addJob(t, s, f, &model.ScanJob{Enabled: false, ScheduleType: model.ScheduleInterval, IntervalMinutes: 1})

	sc := newScheduler(t, s)
	n, err := sc.ScheduleDueJobs(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("ScheduleDueJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("created = %d, want 0", n)
	}
	if got := queued(t, s, f.Job.ID); got != 0 {
		t.Errorf("manual job got %d runs", got)
	}
}

func TestScheduleDueJobs_ConcurrentSchedulers(t *testing.T) {
	s := storetest.Open(t)
	f := storetest.Seed(t, s)
	job := addJob(t, s, f, &model.ScanJob{Enabled: true, ScheduleType: model.ScheduleInterval, IntervalMinutes: 60})

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		sc := newScheduler(t, s)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sc.ScheduleDueJobs(context.Background(), now); err != nil {
				t.Errorf("ScheduleDueJobs: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := queued(t, s, job.ID); got != 1 {
		t.Errorf("queued runs = %d, want 1", got)
	}
}

func TestNew_BadLocation(t *testing.T) {
	if _, err := New(nil, &Config{Location: "Nowhere/Special"}, nil); err == nil {
		t.Error("expected error for unknown location")
	}
}

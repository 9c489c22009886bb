package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
	"github.com/exploopio/zapcontrol/pkg/store/storetest"
)

const catalogYAML = `
projects:
  - name: Shop
targets:
  - project: Shop
    name: storefront
    base_url: https://shop.example.com
profiles:
  - name: nightly
    scan_type: full
    spider_enabled: true
    max_duration_minutes: 60
nodes:
  - name: zap-1
    base_url: http://zap-1:8090
    api_key: ${ZAPCONTROL_TEST_KEY}
    max_concurrent: 2
  - name: zap-2
    base_url: http://zap-2:8090
    enabled: false
jobs:
  - target: storefront
    profile: nightly
    schedule: weekly
    at: "02:30"
    weekday: wed
  - target: storefront
    profile: nightly
    node: zap-1
    schedule: interval
    every: 90m
  - target: storefront
    profile: nightly
`

func TestCatalog_Seed(t *testing.T) {
	t.Setenv("ZAPCONTROL_TEST_KEY", "secret")
	s := storetest.Open(t)
	ctx := context.Background()

	c, err := ParseCatalog([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	res, err := c.Seed(ctx, s)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	want := SeedResult{Projects: 1, Targets: 1, Profiles: 1, Nodes: 2, Jobs: 3}
	if *res != want {
		t.Errorf("expected %+v, got %+v", want, *res)
	}

	nodes, err := s.ListNodes(ctx, false)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}
	for _, n := range nodes {
		switch n.Name {
		case "zap-1":
			if n.APIKey != "secret" || !n.Enabled || n.MaxConcurrent != 2 {
				t.Errorf("unexpected zap-1 %+v", n)
			}
		case "zap-2":
			if n.Enabled {
				t.Error("zap-2 should be disabled")
			}
		}
	}

	jobs, err := s.ListSchedulableJobs(ctx)
	if err != nil {
		t.Fatalf("ListSchedulableJobs: %v", err)
	}
	var weekly, interval *model.ScanJob
	for _, j := range jobs {
		switch j.ScheduleType {
		case model.ScheduleWeekly:
			weekly = j
		case model.ScheduleInterval:
			interval = j
		}
	}
	if weekly == nil || weekly.ScheduleHour != 2 || weekly.ScheduleMinute != 30 || weekly.ScheduleWeekday != time.Wednesday {
		t.Errorf("unexpected weekly job %+v", weekly)
	}
	if interval == nil || interval.IntervalMinutes != 90 || !interval.Pinned() {
		t.Errorf("unexpected interval job %+v", interval)
	}
}

func TestCatalog_SeedErrorsRollBack(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown project",
			yaml: "targets:\n  - project: Nope\n    name: t\n    base_url: https://t.example.com\n",
			want: `unknown project "Nope"`,
		},
		{
			name: "bad time of day",
			yaml: "projects: [{name: P}]\ntargets: [{project: P, name: t, base_url: 'https://t.example.com'}]\n" +
				"profiles: [{name: p}]\njobs: [{target: t, profile: p, schedule: daily, at: '25:00'}]\n",
			want: "invalid time of day",
		},
		{
			name: "short interval",
			yaml: "projects: [{name: P}]\ntargets: [{project: P, name: t, base_url: 'https://t.example.com'}]\n" +
				"profiles: [{name: p}]\njobs: [{target: t, profile: p, schedule: interval, every: 30s}]\n",
			want: "every >= 1m",
		},
		{
			name: "unknown schedule",
			yaml: "projects: [{name: P}]\ntargets: [{project: P, name: t, base_url: 'https://t.example.com'}]\n" +
				"profiles: [{name: p}]\njobs: [{target: t, profile: p, schedule: hourly}]\n",
			want: `unknown schedule "hourly"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storetest.Open(t)
			c, err := ParseCatalog([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("ParseCatalog: %v", err)
			}
			_, err = c.Seed(context.Background(), s)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			nodes, _ := s.ListNodes(context.Background(), false)
			runs, _ := s.ListRuns(context.Background(), store.RunFilter{})
			if len(nodes) != 0 || len(runs) != 0 {
				t.Error("a failed seed must not leave rows behind")
			}
		})
	}
}

func TestParseWeekday(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Weekday
		wantErr bool
	}{
		{in: "sunday", want: time.Sunday},
		{in: "Mon", want: time.Monday},
		{in: " FRIDAY ", want: time.Friday},
		{in: "someday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseWeekday(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseWeekday(%q) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseWeekday(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("ZAPCONTROL_TEST_DB", "/var/lib/zapcontrol/zc.db")
	path := filepath.Join(t.TempDir(), "zapcontrol.yaml")
	doc := `
log_level: debug
store:
  database_path: ${ZAPCONTROL_TEST_DB}
engine:
  poll_interval: 5s
worker:
  workers: 4
scheduler:
  location: Europe/Berlin
shutdown_timeout: 2m
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := defaultConfig()
	if err := loadConfig(path, cfg); err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Store.DatabasePath != "/var/lib/zapcontrol/zc.db" {
		t.Errorf("env not expanded: %q", cfg.Store.DatabasePath)
	}
	if cfg.Engine.PollInterval != 5*time.Second || cfg.Worker.Workers != 4 || cfg.ShutdownTimeout != 2*time.Minute {
		t.Errorf("unexpected overrides %+v %+v %s", cfg.Engine, cfg.Worker, cfg.ShutdownTimeout)
	}
	if cfg.Scheduler.Location != "Europe/Berlin" {
		t.Errorf("unexpected location %q", cfg.Scheduler.Location)
	}
	// untouched sections keep their defaults
	if cfg.Engine.ConnectRetries != 4 || cfg.Health.Address != ":8081" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("defaults lost: retries=%d address=%q metrics=%q", cfg.Engine.ConnectRetries, cfg.Health.Address, cfg.Metrics.Path)
	}
}

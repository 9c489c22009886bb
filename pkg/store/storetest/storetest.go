// Package storetest provides a seeded temporary store for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
)

// Fixture is a minimal catalog: one project, target, profile, node and job.
type Fixture struct {
	Project *model.Project
	Target  *model.Target
	Profile *model.ScanProfile
	Node    *model.Node
	Job     *model.ScanJob
}

// Open opens a store in a temporary directory that is removed with the test.
func Open(t testing.TB) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "zapcontrol.db")
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Seed creates the fixture catalog. The node is healthy with a ceiling of 2.
func Seed(t testing.TB, s *store.Store) *Fixture {
	t.Helper()
	ctx := context.Background()

	f := &Fixture{
		Project: &model.Project{Name: "Shop", Slug: "shop"},
		Profile: &model.ScanProfile{Name: "full", ScanType: model.ScanTypeFull, SpiderEnabled: true, MaxDurationMinutes: 5},
		Node: &model.Node{Name: "zap-1", BaseURL: "http://zap-1:8090", APIKey: "k", Enabled: true,
			Status: model.NodeHealthy, MaxConcurrent: 2},
	}
	if err := s.CreateProject(ctx, f.Project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	f.Target = &model.Target{ProjectID: f.Project.ID, Name: "storefront", BaseURL: "https://shop.example.com"}
	if err := s.CreateTarget(ctx, f.Target); err != nil {
		t.Fatalf("create target: %v", err)
	}
	if err := s.CreateProfile(ctx, f.Profile); err != nil {
		t.Fatalf("create profile: %v", err)
	}
	if err := s.CreateNode(ctx, f.Node); err != nil {
		t.Fatalf("create node: %v", err)
	}
	f.Job = &model.ScanJob{ProjectID: f.Project.ID, TargetID: f.Target.ID, ProfileID: f.Profile.ID, Enabled: true}
	if err := s.CreateJob(ctx, f.Job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return f
}

// FirstFree assigns the first node below its ceiling.
func FirstFree(job *model.ScanJob, loads []model.NodeLoad) (*model.Node, error) {
	for _, l := range loads {
		if l.Running < l.Node.MaxConcurrent {
			n := l.Node
			return &n, nil
		}
	}
	return nil, errAtCapacity
}

// StartRun enqueues and claims a run for the fixture job.
func StartRun(t testing.TB, s *store.Store, f *Fixture, at time.Time) *model.RunContext {
	t.Helper()
	ctx := context.Background()
	if _, err := s.EnqueueRun(ctx, f.Job.ID, at); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rc, _, err := s.ClaimNext(ctx, "test", at, FirstFree)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if rc == nil {
		t.Fatal("claim returned no run")
	}
	return rc
}

var errAtCapacity = zerr.NoNode("all nodes busy", zerr.ErrAtCapacity)

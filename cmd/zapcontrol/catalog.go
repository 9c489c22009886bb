package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
)

// Catalog is a seed file describing projects, targets, profiles, nodes and
// jobs. Jobs refer to the other entries by name.
type Catalog struct {
	Projects []struct {
		Name string `yaml:"name"`
		Slug string `yaml:"slug"`
	} `yaml:"projects"`

	Targets []struct {
		Project string `yaml:"project"`
		Name    string `yaml:"name"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"targets"`

	Profiles []struct {
		Name               string         `yaml:"name"`
		ScanType           model.ScanType `yaml:"scan_type"`
		SpiderEnabled      bool           `yaml:"spider_enabled"`
		MaxDurationMinutes int            `yaml:"max_duration_minutes"`
	} `yaml:"profiles"`

	Nodes []struct {
		Name          string `yaml:"name"`
		BaseURL       string `yaml:"base_url"`
		APIKey        string `yaml:"api_key"`
		Enabled       *bool  `yaml:"enabled"`
		MaxConcurrent int    `yaml:"max_concurrent"`
	} `yaml:"nodes"`

	Jobs []CatalogJob `yaml:"jobs"`
}

// CatalogJob is a job entry of a Catalog.
type CatalogJob struct {
	Target   string             `yaml:"target"`
	Profile  string             `yaml:"profile"`
	Node     string             `yaml:"node"`
	Schedule model.ScheduleType `yaml:"schedule"`
	Every    time.Duration      `yaml:"every"`
	At       string             `yaml:"at"`
	Weekday  string             `yaml:"weekday"`
	Disabled bool               `yaml:"disabled"`
}

// ParseCatalog decodes a catalog file. Environment variables are expanded
// so node API keys need not be stored in the file.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return &c, nil
}

// SeedResult counts what a seed created.
type SeedResult struct {
	Projects, Targets, Profiles, Nodes, Jobs int
}

// Seed creates every catalog entry in one transaction.
func (c *Catalog) Seed(ctx context.Context, s *store.Store) (*SeedResult, error) {
	res := &SeedResult{}
	err := s.InTx(ctx, func(tx *store.Store) error {
		projects := map[string]*model.Project{}
		for _, p := range c.Projects {
			slug := p.Slug
			if slug == "" {
				slug = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(p.Name), " ", "-"))
			}
			project := &model.Project{Name: p.Name, Slug: slug}
			if err := tx.CreateProject(ctx, project); err != nil {
				return fmt.Errorf("project %q: %w", p.Name, err)
			}
			projects[p.Name] = project
			res.Projects++
		}

		targets := map[string]*model.Target{}
		for _, t := range c.Targets {
			project, ok := projects[t.Project]
			if !ok {
				return fmt.Errorf("target %q: unknown project %q", t.Name, t.Project)
			}
			target := &model.Target{ProjectID: project.ID, Name: t.Name, BaseURL: t.BaseURL}
			if err := tx.CreateTarget(ctx, target); err != nil {
				return fmt.Errorf("target %q: %w", t.Name, err)
			}
			targets[t.Name] = target
			res.Targets++
		}

		profiles := map[string]*model.ScanProfile{}
		for _, p := range c.Profiles {
			profile := &model.ScanProfile{Name: p.Name, ScanType: p.ScanType, SpiderEnabled: p.SpiderEnabled,
				MaxDurationMinutes: p.MaxDurationMinutes}
			if profile.ScanType == "" {
				profile.ScanType = model.ScanTypeBaseline
			}
			if err := tx.CreateProfile(ctx, profile); err != nil {
				return fmt.Errorf("profile %q: %w", p.Name, err)
			}
			profiles[p.Name] = profile
			res.Profiles++
		}

		nodes := map[string]*model.Node{}
		for _, n := range c.Nodes {
			node := &model.Node{Name: n.Name, BaseURL: n.BaseURL, APIKey: n.APIKey, Enabled: true,
				MaxConcurrent: n.MaxConcurrent}
			if n.Enabled != nil {
				node.Enabled = *n.Enabled
			}
			if err := tx.CreateNode(ctx, node); err != nil {
				return fmt.Errorf("node %q: %w", n.Name, err)
			}
			nodes[n.Name] = node
			res.Nodes++
		}

		for i, j := range c.Jobs {
			job, err := j.build(targets, profiles, nodes)
			if err != nil {
				return fmt.Errorf("job %d: %w", i+1, err)
			}
			if err := tx.CreateJob(ctx, job); err != nil {
				return fmt.Errorf("job %d: %w", i+1, err)
			}
			res.Jobs++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (j CatalogJob) build(targets map[string]*model.Target, profiles map[string]*model.ScanProfile, nodes map[string]*model.Node) (*model.ScanJob, error) {
	target, ok := targets[j.Target]
	if !ok {
		return nil, fmt.Errorf("unknown target %q", j.Target)
	}
	profile, ok := profiles[j.Profile]
	if !ok {
		return nil, fmt.Errorf("unknown profile %q", j.Profile)
	}

	job := &model.ScanJob{
		ProjectID:    target.ProjectID,
		TargetID:     target.ID,
		ProfileID:    profile.ID,
		NodeStrategy: model.NodeAuto,
		Enabled:      !j.Disabled,
		ScheduleType: j.Schedule,
	}
	if j.Node != "" {
		node, ok := nodes[j.Node]
		if !ok {
			return nil, fmt.Errorf("unknown node %q", j.Node)
		}
		job.NodeStrategy = model.NodePinned
		job.NodeID = &node.ID
	}

	switch j.Schedule {
	case "", model.ScheduleManual:
		job.ScheduleType = model.ScheduleManual
	case model.ScheduleInterval:
		if j.Every < time.Minute {
			return nil, fmt.Errorf("interval schedule needs every >= 1m, got %s", j.Every)
		}
		job.IntervalMinutes = int(j.Every / time.Minute)
	case model.ScheduleDaily, model.ScheduleWeekly:
		at, err := time.Parse("15:04", j.At)
		if err != nil {
			return nil, fmt.Errorf("invalid time of day %q, want HH:MM", j.At)
		}
		job.ScheduleHour, job.ScheduleMinute = at.Hour(), at.Minute()
		if j.Schedule == model.ScheduleWeekly {
			day, err := parseWeekday(j.Weekday)
			if err != nil {
				return nil, err
			}
			job.ScheduleWeekday = day
		}
	default:
		return nil, fmt.Errorf("unknown schedule %q", j.Schedule)
	}
	return job, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if name == full || name == full[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

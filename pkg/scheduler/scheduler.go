// Package scheduler enqueues runs for recurring scan jobs.
//
// Due-window semantics:
//
//   - interval jobs are due when they were never scheduled or when at least
//     interval_minutes have passed since last_scheduled_at.
//   - daily jobs are due during the minute matching schedule_hour:schedule_minute.
//   - weekly jobs additionally require schedule_weekday (Sunday = 0) to match.
//   - a daily or weekly job already scheduled within the current minute is
//     not due again, so repeated passes within the same minute are no-ops.
//
// All wall-clock matching happens in the configured location.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/exploopio/zapcontrol/pkg/core"
	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/store"
)

// Config configures the Scheduler.
type Config struct {
	// Interval is the pause between passes in Run. Default: 30 seconds.
	Interval time.Duration `yaml:"interval" json:"interval"`

	// Location is the IANA time zone for daily and weekly schedules.
	// Default: UTC.
	Location string `yaml:"location" json:"location"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Location: "UTC",
	}
}

// Scheduler decides which jobs are due and enqueues their runs.
type Scheduler struct {
	store    *store.Store
	interval time.Duration
	loc      *time.Location
	logger   core.Logger

	// OnScheduled is called for every run created, if set.
	OnScheduled func(job *model.ScanJob, run *model.ScanRun)
}

// New creates a Scheduler.
func New(s *store.Store, cfg *Config, logger core.Logger) (*Scheduler, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Location == "" {
		cfg.Location = "UTC"
	}
	loc, err := time.LoadLocation(cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("load location %q: %w", cfg.Location, err)
	}
	return &Scheduler{
		store:    s,
		interval: cfg.Interval,
		loc:      loc,
		logger:   core.OrDefault(logger, "scheduler"),
	}, nil
}

// IsDue reports whether job should get a new run at now.
func IsDue(job *model.ScanJob, now time.Time, loc *time.Location) bool {
	if !job.Enabled {
		return false
	}
	local := now.In(loc)

	switch job.ScheduleType {
	case model.ScheduleInterval:
		if job.IntervalMinutes <= 0 {
			return false
		}
		if job.LastScheduledAt == nil {
			return true
		}
		return now.Sub(*job.LastScheduledAt) >= time.Duration(job.IntervalMinutes)*time.Minute

	case model.ScheduleDaily:
		return matchesMinute(job, local) && !scheduledThisMinute(job, local)

	case model.ScheduleWeekly:
		return local.Weekday() == job.ScheduleWeekday && matchesMinute(job, local) && !scheduledThisMinute(job, local)

	default:
		return false
	}
}

func matchesMinute(job *model.ScanJob, local time.Time) bool {
	return local.Hour() == job.ScheduleHour && local.Minute() == job.ScheduleMinute
}

func scheduledThisMinute(job *model.ScanJob, local time.Time) bool {
	if job.LastScheduledAt == nil {
		return false
	}
	minuteStart := local.Truncate(time.Minute)
	return !job.LastScheduledAt.Before(minuteStart)
}

// ScheduleDueJobs enqueues one run per due job and returns how many were
// created. Each enqueue is a compare-and-set on last_scheduled_at, so
// concurrent schedulers cannot both enqueue the same occurrence.
func (s *Scheduler) ScheduleDueJobs(ctx context.Context, now time.Time) (int, error) {
	jobs, err := s.store.ListSchedulableJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	created := 0
	for _, job := range jobs {
		if !IsDue(job, now, s.loc) {
			continue
		}
		run, err := s.store.ScheduleRun(ctx, job.ID, job.LastScheduledAt, now)
		if err != nil {
			return created, fmt.Errorf("schedule job %d: %w", job.ID, err)
		}
		if run == nil {
			s.logger.Debug("job %d already scheduled by another instance", job.ID)
			continue
		}
		created++
		s.logger.Info("job %d (%s): enqueued run %d", job.ID, job.ScheduleType, run.ID)
		if s.OnScheduled != nil {
			s.OnScheduled(job, run)
		}
	}
	return created, nil
}

// Run schedules due jobs every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScheduleDueJobs(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.logger.Error("schedule pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

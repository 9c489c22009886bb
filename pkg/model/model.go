// Package model defines the persisted entities of the scan orchestrator.
package model

import (
	"time"

	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

// Project groups targets for project-level risk snapshots.
type Project struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Target is a scannable application.
type Target struct {
	ID           int64             `json:"id"`
	ProjectID    int64             `json:"project_id"`
	Name         string            `json:"name"`
	BaseURL      string            `json:"base_url"`
	IncludeRegex string            `json:"include_regex,omitempty"`
	ExcludeRegex string            `json:"exclude_regex,omitempty"`
	AuthType     string            `json:"auth_type,omitempty"`
	AuthConfig   map[string]string `json:"auth_config,omitempty"`
}

// ScanType is the kind of scan a profile runs.
type ScanType string

const (
	ScanTypeBaseline ScanType = "baseline"
	ScanTypeFull     ScanType = "full"
	ScanTypeAPI      ScanType = "api"
)

// ScanProfile configures how a scan is driven.
type ScanProfile struct {
	ID                 int64    `json:"id"`
	Name               string   `json:"name"`
	ScanType           ScanType `json:"scan_type"`
	SpiderEnabled      bool     `json:"spider_enabled"`
	MaxDurationMinutes int      `json:"max_duration_minutes"`
}

// NodeStatus is the last observed health of a scanner node.
type NodeStatus string

const (
	NodeUnknown     NodeStatus = "unknown"
	NodeHealthy     NodeStatus = "healthy"
	NodeUnreachable NodeStatus = "unreachable"
	NodeDisabled    NodeStatus = "disabled"
)

// Node is a scanner backend exposing the ZAP API.
type Node struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	BaseURL         string     `json:"base_url"`
	APIKey          string     `json:"-"`
	Enabled         bool       `json:"enabled"`
	Status          NodeStatus `json:"status"`
	MaxConcurrent   int        `json:"max_concurrent"`
	Version         string     `json:"version,omitempty"`
	LastHealthCheck *time.Time `json:"last_health_check,omitempty"`
	LastLatencyMs   int64      `json:"last_latency_ms,omitempty"`
}

// NodeLoad is a node together with its currently running run count.
type NodeLoad struct {
	Node    Node
	Running int
}

// ScheduleType decides when a job is enqueued automatically.
type ScheduleType string

const (
	ScheduleManual   ScheduleType = "manual"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
)

// NodeStrategy selects how a job's node is chosen.
type NodeStrategy string

const (
	NodeAuto   NodeStrategy = "auto"
	NodePinned NodeStrategy = "pinned"
)

// ScanJob is a recurring or one-off scan definition.
type ScanJob struct {
	ID              int64        `json:"id"`
	ProjectID       int64        `json:"project_id"`
	TargetID        int64        `json:"target_id"`
	ProfileID       int64        `json:"profile_id"`
	NodeStrategy    NodeStrategy `json:"node_strategy"`
	NodeID          *int64       `json:"node_id,omitempty"`
	Enabled         bool         `json:"enabled"`
	ScheduleType    ScheduleType `json:"schedule_type"`
	IntervalMinutes int          `json:"interval_minutes,omitempty"`
	ScheduleHour    int          `json:"schedule_hour"`
	ScheduleMinute  int          `json:"schedule_minute"`
	ScheduleWeekday time.Weekday `json:"schedule_weekday"`
	LastScheduledAt *time.Time   `json:"last_scheduled_at,omitempty"`
}

// Pinned reports whether the job must run on one specific node.
func (j *ScanJob) Pinned() bool {
	return j.NodeStrategy == NodePinned && j.NodeID != nil
}

// RunStatus is the lifecycle state of a scan run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// ScanRun is one execution attempt of a job.
type ScanRun struct {
	ID             int64      `json:"id"`
	JobID          int64      `json:"job_id"`
	NodeID         *int64     `json:"node_id,omitempty"`
	Status         RunStatus  `json:"status"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	SpiderID       string     `json:"spider_id,omitempty"`
	AscanID        string     `json:"ascan_id,omitempty"`
	SpiderProgress int        `json:"spider_progress"`
	AscanProgress  int        `json:"ascan_progress"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Logs           string     `json:"logs,omitempty"`
}

// RunContext is a claimed run with everything needed to execute it.
type RunContext struct {
	Run     *ScanRun
	Job     *ScanJob
	Target  *Target
	Profile *ScanProfile
	Node    *Node
}

// RawResult is the write-once raw scanner payload of a run.
type RawResult struct {
	ID          int64             `json:"id"`
	RunID       int64             `json:"run_id"`
	JobID       int64             `json:"job_id"`
	Checksum    string            `json:"checksum"`
	SizeBytes   int               `json:"size_bytes"`
	Compression string            `json:"compression"`
	Payload     []byte            `json:"-"`
	AlertCount  int               `json:"alert_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// AssetType classifies a discovered sub-resource of a target.
type AssetType string

const (
	AssetURL  AssetType = "url"
	AssetHost AssetType = "host"
	AssetApp  AssetType = "app"
)

// Asset is a discovered sub-resource of a target with rolling aggregates.
type Asset struct {
	ID               int64           `json:"id"`
	TargetID         int64           `json:"target_id"`
	Name             string          `json:"name"`
	Type             AssetType       `json:"asset_type"`
	ScanCount        int             `json:"scan_count"`
	LastScannedAt    *time.Time      `json:"last_scanned_at,omitempty"`
	LastScanStatus   string          `json:"last_scan_status,omitempty"`
	CurrentRiskScore float64         `json:"current_risk_score"`
	OpenCounts       severity.Counts `json:"open_counts"`
}

// FindingStatus is the triage state of a finding.
type FindingStatus string

const (
	FindingOpen     FindingStatus = "open"
	FindingResolved FindingStatus = "resolved"
)

// Finding is a deduplicated vulnerability keyed by fingerprint.
type Finding struct {
	ID             int64               `json:"id"`
	TargetID       int64               `json:"target_id"`
	AssetID        int64               `json:"asset_id"`
	Fingerprint    string              `json:"fingerprint"`
	PluginID       string              `json:"plugin_id"`
	Title          string              `json:"title"`
	Severity       severity.Level      `json:"severity"`
	Confidence     severity.Confidence `json:"confidence"`
	Status         FindingStatus       `json:"status"`
	Description    string              `json:"description,omitempty"`
	Solution       string              `json:"solution,omitempty"`
	Reference      string              `json:"reference,omitempty"`
	CWEID          string              `json:"cwe_id,omitempty"`
	WASCID         string              `json:"wasc_id,omitempty"`
	FirstSeen      time.Time           `json:"first_seen"`
	LastSeen       time.Time           `json:"last_seen"`
	LastRunID      int64               `json:"last_run_id"`
	InstancesCount int                 `json:"instances_count"`
}

// FindingInstance is one concrete occurrence of a finding within a run.
// Severity and Confidence record what the scanner reported in that run.
type FindingInstance struct {
	ID         int64               `json:"id"`
	FindingID  int64               `json:"finding_id"`
	RunID      int64               `json:"run_id"`
	URL        string              `json:"url"`
	Param      string              `json:"param"`
	Evidence   string              `json:"evidence"`
	Method     string              `json:"method"`
	Attack     string              `json:"attack,omitempty"`
	Other      string              `json:"other,omitempty"`
	Severity   severity.Level      `json:"severity"`
	Confidence severity.Confidence `json:"confidence"`
	CreatedAt  time.Time           `json:"created_at"`
}

// Scope is the level a risk snapshot or comparison applies to.
type Scope string

const (
	ScopeAsset   Scope = "asset"
	ScopeTarget  Scope = "target"
	ScopeProject Scope = "project"
)

// RiskSnapshot is an immutable scored measurement.
type RiskSnapshot struct {
	ID        int64           `json:"id"`
	Scope     Scope           `json:"scope"`
	ProjectID int64           `json:"project_id"`
	TargetID  *int64          `json:"target_id,omitempty"`
	AssetID   *int64          `json:"asset_id,omitempty"`
	RunID     int64           `json:"run_id"`
	Score     float64         `json:"risk_score"`
	Counts    severity.Counts `json:"counts_by_severity"`
	Weights   map[string]int  `json:"weights"`
	CreatedAt time.Time       `json:"created_at"`
}

// ChangeType classifies a comparison item.
type ChangeType string

const (
	ChangeNew      ChangeType = "new"
	ChangeResolved ChangeType = "resolved"
	ChangeChanged  ChangeType = "changed"
)

// ComparisonSummary counts comparison items by change type.
type ComparisonSummary struct {
	New      int `json:"new"`
	Resolved int `json:"resolved"`
	Changed  int `json:"changed"`
}

// ScanComparison is a diff between two runs' findings at one scope.
type ScanComparison struct {
	ID        int64             `json:"id"`
	TargetID  int64             `json:"target_id"`
	AssetID   *int64            `json:"asset_id,omitempty"`
	FromRunID int64             `json:"from_run_id"`
	ToRunID   int64             `json:"to_run_id"`
	Summary   ComparisonSummary `json:"summary"`
	RiskDelta float64           `json:"risk_delta"`
	CreatedAt time.Time         `json:"created_at"`
	Items     []ComparisonItem  `json:"items,omitempty"`
}

// ComparisonItem is one changed fingerprint in a comparison.
type ComparisonItem struct {
	ID           int64      `json:"id"`
	ComparisonID int64      `json:"comparison_id"`
	Fingerprint  string     `json:"fingerprint"`
	FindingID    int64      `json:"finding_id"`
	Change       ChangeType `json:"change_type"`
	Before       string     `json:"before,omitempty"`
	After        string     `json:"after,omitempty"`
}

// FindingState is a finding as observed in one specific run.
type FindingState struct {
	FindingID   int64               `json:"finding_id"`
	Fingerprint string              `json:"fingerprint"`
	AssetID     int64               `json:"asset_id"`
	PluginID    string              `json:"plugin_id"`
	Title       string              `json:"title"`
	Severity    severity.Level      `json:"severity"`
	Confidence  severity.Confidence `json:"confidence"`
}

// Report is a rendered artifact linked to a run. NativeHTML is the
// scanner's own HTML report when it could be fetched.
type Report struct {
	ID         string    `json:"id"`
	RunID      int64     `json:"run_id"`
	JSON       []byte    `json:"-"`
	HTML       []byte    `json:"-"`
	NativeHTML []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

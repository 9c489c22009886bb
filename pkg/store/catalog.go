package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
)

// =============================================================================
// Settings
// =============================================================================

// SettingRiskWeights is the settings key holding the risk weight overrides.
const SettingRiskWeights = "risk_weights"

// GetSetting returns a raw setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting stores a raw setting value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// RiskWeightOverrides returns the configured weight overrides, loosely typed
// because the settings store is admin-edited JSON. A missing setting yields
// an empty map; a setting that is not a JSON object is an InvalidInput error.
func (s *Store) RiskWeightOverrides(ctx context.Context) (map[string]any, error) {
	raw, ok, err := s.GetSetting(ctx, SettingRiskWeights)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if !ok {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, zerr.E(zerr.KindInvalidInput, "store.RiskWeightOverrides",
			"malformed "+SettingRiskWeights+" setting", err)
	}
	return out, nil
}

// =============================================================================
// Projects & Targets
// =============================================================================

// CreateProject inserts a project and sets its ID.
func (s *Store) CreateProject(ctx context.Context, p *model.Project) error {
	res, err := s.q.ExecContext(ctx, `INSERT INTO projects (name, slug) VALUES (?, ?)`, p.Name, p.Slug)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	return err
}

// CreateTarget inserts a target and sets its ID.
func (s *Store) CreateTarget(ctx context.Context, t *model.Target) error {
	authJSON, err := json.Marshal(t.AuthConfig)
	if err != nil || t.AuthConfig == nil {
		authJSON = []byte("{}")
	}
	authType := t.AuthType
	if authType == "" {
		authType = "none"
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO targets (project_id, name, base_url, include_regex, exclude_regex, auth_type, auth_config)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ProjectID, t.Name, t.BaseURL, t.IncludeRegex, t.ExcludeRegex, authType, string(authJSON))
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	t.ID, err = res.LastInsertId()
	return err
}

// GetTarget retrieves a target by ID.
func (s *Store) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	var t model.Target
	var authJSON string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, project_id, name, base_url, include_regex, exclude_regex, auth_type, auth_config
		FROM targets WHERE id = ?
	`, id).Scan(&t.ID, &t.ProjectID, &t.Name, &t.BaseURL, &t.IncludeRegex, &t.ExcludeRegex, &t.AuthType, &authJSON)
	if err != nil {
		return nil, notFound("store.GetTarget", err)
	}
	_ = json.Unmarshal([]byte(authJSON), &t.AuthConfig)
	return &t, nil
}

// DeleteTarget removes a target. Targets referenced by scan jobs are protected
// by a RESTRICT foreign key and cannot be deleted.
func (s *Store) DeleteTarget(ctx context.Context, id int64) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	return err
}

// =============================================================================
// Scan Profiles
// =============================================================================

// CreateProfile inserts a scan profile and sets its ID.
func (s *Store) CreateProfile(ctx context.Context, p *model.ScanProfile) error {
	scanType := p.ScanType
	if scanType == "" {
		scanType = model.ScanTypeFull
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO scan_profiles (name, scan_type, spider_enabled, max_duration_minutes)
		VALUES (?, ?, ?, ?)
	`, p.Name, scanType, boolInt(p.SpiderEnabled), p.MaxDurationMinutes)
	if err != nil {
		return fmt.Errorf("insert profile: %w", err)
	}
	p.ScanType = scanType
	p.ID, err = res.LastInsertId()
	return err
}

// GetProfile retrieves a scan profile by ID.
func (s *Store) GetProfile(ctx context.Context, id int64) (*model.ScanProfile, error) {
	var p model.ScanProfile
	var spider int
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, scan_type, spider_enabled, max_duration_minutes FROM scan_profiles WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.ScanType, &spider, &p.MaxDurationMinutes)
	if err != nil {
		return nil, notFound("store.GetProfile", err)
	}
	p.SpiderEnabled = spider == 1
	return &p, nil
}

// =============================================================================
// Nodes
// =============================================================================

const nodeColumns = `id, name, base_url, api_key, enabled, status, max_concurrent, version, last_health_check, last_latency_ms`

func scanNode(row interface{ Scan(...any) error }) (*model.Node, error) {
	var n model.Node
	var enabled int
	var lastCheck sql.NullString
	if err := row.Scan(&n.ID, &n.Name, &n.BaseURL, &n.APIKey, &enabled, &n.Status,
		&n.MaxConcurrent, &n.Version, &lastCheck, &n.LastLatencyMs); err != nil {
		return nil, err
	}
	n.Enabled = enabled == 1
	n.LastHealthCheck = parseNullTS(lastCheck)
	return &n, nil
}

// CreateNode inserts a scanner node and sets its ID.
func (s *Store) CreateNode(ctx context.Context, n *model.Node) error {
	status := n.Status
	if status == "" {
		status = model.NodeUnknown
	}
	maxConcurrent := n.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO nodes (name, base_url, api_key, enabled, status, max_concurrent, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, n.Name, n.BaseURL, n.APIKey, boolInt(n.Enabled), status, maxConcurrent, n.Version)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	n.Status = status
	n.MaxConcurrent = maxConcurrent
	n.ID, err = res.LastInsertId()
	return err
}

// GetNode retrieves a node by ID.
func (s *Store) GetNode(ctx context.Context, id int64) (*model.Node, error) {
	n, err := scanNode(s.q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("store.GetNode", err)
	}
	return n, nil
}

// ListNodes returns nodes ordered by name, optionally only enabled ones.
func (s *Store) ListNodes(ctx context.Context, enabledOnly bool) ([]*model.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodeLoads returns every enabled node with its running-run count, derived by
// query. Inside ClaimNext this read happens under the claim's write lock.
func (s *Store) NodeLoads(ctx context.Context) ([]model.NodeLoad, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+prefixed("n.", nodeColumns)+`,
			(SELECT COUNT(*) FROM scan_runs r WHERE r.node_id = n.id AND r.status = 'running')
		FROM nodes n
		WHERE n.enabled = 1
		ORDER BY n.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var loads []model.NodeLoad
	for rows.Next() {
		var n model.Node
		var enabled, running int
		var lastCheck sql.NullString
		if err := rows.Scan(&n.ID, &n.Name, &n.BaseURL, &n.APIKey, &enabled, &n.Status,
			&n.MaxConcurrent, &n.Version, &lastCheck, &n.LastLatencyMs, &running); err != nil {
			return nil, err
		}
		n.Enabled = enabled == 1
		n.LastHealthCheck = parseNullTS(lastCheck)
		loads = append(loads, model.NodeLoad{Node: n, Running: running})
	}
	return loads, rows.Err()
}

// UpdateNodeHealth records the outcome of a node health check.
func (s *Store) UpdateNodeHealth(ctx context.Context, id int64, status model.NodeStatus, version string, latency time.Duration, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE nodes SET status = ?, version = CASE WHEN ? = '' THEN version ELSE ? END,
			last_latency_ms = ?, last_health_check = ?
		WHERE id = ?
	`, status, version, version, latency.Milliseconds(), ts(at), id)
	return err
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = prefix + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// Scan Jobs
// =============================================================================

const jobColumns = `id, project_id, target_id, profile_id, node_strategy, node_id, enabled, schedule_type,
	interval_minutes, schedule_hour, schedule_minute, schedule_weekday, last_scheduled_at`

func scanJob(row interface{ Scan(...any) error }) (*model.ScanJob, error) {
	var j model.ScanJob
	var nodeID sql.NullInt64
	var enabled, weekday int
	var lastScheduled sql.NullString
	if err := row.Scan(&j.ID, &j.ProjectID, &j.TargetID, &j.ProfileID, &j.NodeStrategy, &nodeID,
		&enabled, &j.ScheduleType, &j.IntervalMinutes, &j.ScheduleHour, &j.ScheduleMinute,
		&weekday, &lastScheduled); err != nil {
		return nil, err
	}
	j.NodeID = intPtr(nodeID)
	j.Enabled = enabled == 1
	j.ScheduleWeekday = time.Weekday(weekday)
	j.LastScheduledAt = parseNullTS(lastScheduled)
	return &j, nil
}

// CreateJob inserts a scan job and sets its ID.
func (s *Store) CreateJob(ctx context.Context, j *model.ScanJob) error {
	if j.NodeStrategy == "" {
		j.NodeStrategy = model.NodeAuto
	}
	if j.ScheduleType == "" {
		j.ScheduleType = model.ScheduleManual
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO scan_jobs (project_id, target_id, profile_id, node_strategy, node_id, enabled, schedule_type,
			interval_minutes, schedule_hour, schedule_minute, schedule_weekday, last_scheduled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ProjectID, j.TargetID, j.ProfileID, j.NodeStrategy, nullInt(j.NodeID), boolInt(j.Enabled),
		j.ScheduleType, j.IntervalMinutes, j.ScheduleHour, j.ScheduleMinute, int(j.ScheduleWeekday),
		tsPtr(j.LastScheduledAt))
	if err != nil {
		return fmt.Errorf("insert scan job: %w", err)
	}
	j.ID, err = res.LastInsertId()
	return err
}

// GetJob retrieves a scan job by ID.
func (s *Store) GetJob(ctx context.Context, id int64) (*model.ScanJob, error) {
	j, err := scanJob(s.q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scan_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("store.GetJob", err)
	}
	return j, nil
}

// ListSchedulableJobs returns enabled jobs with a non-manual schedule.
func (s *Store) ListSchedulableJobs(ctx context.Context) ([]*model.ScanJob, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM scan_jobs
		WHERE enabled = 1 AND schedule_type != 'manual'
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.ScanJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/exploopio/zapcontrol/pkg/model"
	"github.com/exploopio/zapcontrol/pkg/shared/severity"
)

// =============================================================================
// Assets
// =============================================================================

const assetColumns = `id, target_id, name, asset_type, scan_count, last_scanned_at, last_scan_status,
	current_risk_score, open_high, open_medium, open_low, open_info`

func scanAsset(row interface{ Scan(...any) error }) (*model.Asset, error) {
	var a model.Asset
	var lastScanned sql.NullString
	if err := row.Scan(&a.ID, &a.TargetID, &a.Name, &a.Type, &a.ScanCount, &lastScanned, &a.LastScanStatus,
		&a.CurrentRiskScore, &a.OpenCounts.High, &a.OpenCounts.Medium, &a.OpenCounts.Low, &a.OpenCounts.Info); err != nil {
		return nil, err
	}
	a.LastScannedAt = parseNullTS(lastScanned)
	return &a, nil
}

// GetOrCreateAsset returns the asset identified by (target, name, type),
// creating it on first reference.
func (s *Store) GetOrCreateAsset(ctx context.Context, targetID int64, name string, assetType model.AssetType) (*model.Asset, error) {
	if _, err := s.q.ExecContext(ctx, `
		INSERT INTO assets (target_id, name, asset_type) VALUES (?, ?, ?)
		ON CONFLICT(target_id, name, asset_type) DO NOTHING
	`, targetID, name, assetType); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	a, err := scanAsset(s.q.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM assets WHERE target_id = ? AND name = ? AND asset_type = ?
	`, targetID, name, assetType))
	if err != nil {
		return nil, notFound("store.GetOrCreateAsset", err)
	}
	return a, nil
}

// GetAsset retrieves an asset by ID.
func (s *Store) GetAsset(ctx context.Context, id int64) (*model.Asset, error) {
	a, err := scanAsset(s.q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("store.GetAsset", err)
	}
	return a, nil
}

// ListAssets returns every asset of a target ordered by id.
func (s *Store) ListAssets(ctx context.Context, targetID int64) ([]*model.Asset, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE target_id = ? ORDER BY id`, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// UpdateAssetAggregates refreshes an asset's rolling aggregates on behalf of
// runID. The asset's scan status reads running until FinishRun records the
// run's terminal status. scan_count is recomputed as the number of distinct
// runs that produced instances on the asset, so repeated refreshes for one
// run are idempotent.
func (s *Store) UpdateAssetAggregates(ctx context.Context, assetID, runID int64, score float64, open severity.Counts, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE assets SET
			scan_count = (
				SELECT COUNT(DISTINCT i.run_id) FROM finding_instances i
				JOIN findings f ON f.id = i.finding_id
				WHERE f.asset_id = assets.id
			),
			last_scanned_at = ?,
			last_scan_status = ?,
			last_run_id = ?,
			current_risk_score = ?,
			open_high = ?, open_medium = ?, open_low = ?, open_info = ?
		WHERE id = ?
	`, ts(now), model.RunRunning, runID, score, open.High, open.Medium, open.Low, open.Info, assetID)
	return err
}

// =============================================================================
// Findings
// =============================================================================

const findingColumns = `id, target_id, asset_id, fingerprint, plugin_id, title, severity, confidence, status,
	description, solution, reference, cwe_id, wasc_id, first_seen, last_seen, last_run_id, instances_count`

func scanFinding(row interface{ Scan(...any) error }) (*model.Finding, error) {
	var f model.Finding
	var firstSeen, lastSeen string
	if err := row.Scan(&f.ID, &f.TargetID, &f.AssetID, &f.Fingerprint, &f.PluginID, &f.Title, &f.Severity,
		&f.Confidence, &f.Status, &f.Description, &f.Solution, &f.Reference, &f.CWEID, &f.WASCID,
		&firstSeen, &lastSeen, &f.LastRunID, &f.InstancesCount); err != nil {
		return nil, err
	}
	f.FirstSeen = parseTS(firstSeen)
	f.LastSeen = parseTS(lastSeen)
	return &f, nil
}

// InsertFindingIfAbsent inserts f unless a finding with the same
// (target, asset, fingerprint) exists. It sets f.ID either way and reports
// whether a row was created.
func (s *Store) InsertFindingIfAbsent(ctx context.Context, f *model.Finding) (bool, error) {
	status := f.Status
	if status == "" {
		status = model.FindingOpen
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO findings (target_id, asset_id, fingerprint, plugin_id, title, severity, confidence, status,
			description, solution, reference, cwe_id, wasc_id, first_seen, last_seen, last_run_id, instances_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(target_id, asset_id, fingerprint) DO NOTHING
	`, f.TargetID, f.AssetID, f.Fingerprint, f.PluginID, f.Title, f.Severity, f.Confidence, status,
		f.Description, f.Solution, f.Reference, f.CWEID, f.WASCID, ts(f.FirstSeen), ts(f.LastSeen), f.LastRunID)
	if err != nil {
		return false, fmt.Errorf("insert finding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		f.Status = status
		f.ID, err = res.LastInsertId()
		return true, err
	}

	existing, err := s.GetFindingByKey(ctx, f.TargetID, f.AssetID, f.Fingerprint)
	if err != nil {
		return false, err
	}
	f.ID = existing.ID
	return false, nil
}

// UpdateFindingDetection refreshes a re-detected finding: descriptive fields,
// severity, confidence, last_seen and the run pointer. first_seen is never
// touched. A resolved finding is reopened.
func (s *Store) UpdateFindingDetection(ctx context.Context, f *model.Finding) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE findings SET
			title = ?, severity = ?, confidence = ?, status = 'open',
			description = ?, solution = ?, reference = ?, cwe_id = ?, wasc_id = ?,
			last_seen = ?, last_run_id = ?
		WHERE id = ?
	`, f.Title, f.Severity, f.Confidence, f.Description, f.Solution, f.Reference, f.CWEID, f.WASCID,
		ts(f.LastSeen), f.LastRunID, f.ID)
	return err
}

// GetFinding retrieves a finding by ID.
func (s *Store) GetFinding(ctx context.Context, id int64) (*model.Finding, error) {
	f, err := scanFinding(s.q.QueryRowContext(ctx, `SELECT `+findingColumns+` FROM findings WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("store.GetFinding", err)
	}
	return f, nil
}

// GetFindingByKey retrieves a finding by its natural key.
func (s *Store) GetFindingByKey(ctx context.Context, targetID, assetID int64, fingerprint string) (*model.Finding, error) {
	f, err := scanFinding(s.q.QueryRowContext(ctx, `
		SELECT `+findingColumns+` FROM findings WHERE target_id = ? AND asset_id = ? AND fingerprint = ?
	`, targetID, assetID, fingerprint))
	if err != nil {
		return nil, notFound("store.GetFindingByKey", err)
	}
	return f, nil
}

// FindingFilter narrows ListFindings. Zero values match everything.
type FindingFilter struct {
	ProjectID int64
	TargetID  int64
	AssetID   int64
	Status    model.FindingStatus
}

// ListFindings returns findings ordered by id.
func (s *Store) ListFindings(ctx context.Context, f FindingFilter) ([]*model.Finding, error) {
	query := `SELECT ` + prefixed("f.", findingColumns) + ` FROM findings f`
	var args []any
	if f.ProjectID > 0 {
		query += ` JOIN targets t ON t.id = f.target_id WHERE t.project_id = ?`
		args = append(args, f.ProjectID)
	} else {
		query += ` WHERE 1=1`
	}
	if f.TargetID > 0 {
		query += ` AND f.target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.AssetID > 0 {
		query += ` AND f.asset_id = ?`
		args = append(args, f.AssetID)
	}
	if f.Status != "" {
		query += ` AND f.status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY f.id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*model.Finding
	for rows.Next() {
		fd, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, fd)
	}
	return findings, rows.Err()
}

// ResolveMissingFindings marks open findings of a target that were not
// detected by runID as resolved. It returns how many changed and the assets
// they belong to.
func (s *Store) ResolveMissingFindings(ctx context.Context, targetID, runID int64) (int64, []int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT asset_id FROM findings
		WHERE target_id = ? AND status = 'open' AND last_run_id != ?
		ORDER BY asset_id
	`, targetID, runID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var assets []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		assets = append(assets, id)
	}
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}
	if len(assets) == 0 {
		return 0, nil, nil
	}

	res, err := s.q.ExecContext(ctx, `
		UPDATE findings SET status = 'resolved'
		WHERE target_id = ? AND status = 'open' AND last_run_id != ?
	`, targetID, runID)
	if err != nil {
		return 0, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	return n, assets, nil
}

// =============================================================================
// Finding Instances
// =============================================================================

// InsertInstanceIfAbsent records one occurrence of a finding in a run. An
// identical (finding, run, url, param, evidence) occurrence is a no-op and
// reports false.
func (s *Store) InsertInstanceIfAbsent(ctx context.Context, inst *model.FindingInstance) (bool, error) {
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO finding_instances (finding_id, run_id, url, param, evidence, method, attack, other,
			severity, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(finding_id, run_id, url, param, evidence) DO NOTHING
	`, inst.FindingID, inst.RunID, inst.URL, inst.Param, inst.Evidence, inst.Method, inst.Attack, inst.Other,
		inst.Severity, inst.Confidence, ts(inst.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("insert finding instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	inst.ID, err = res.LastInsertId()
	return true, err
}

// RefreshInstancesCount sets a finding's instances_count to the number of
// its instances in runID and returns it.
func (s *Store) RefreshInstancesCount(ctx context.Context, findingID, runID int64) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM finding_instances WHERE finding_id = ? AND run_id = ?
	`, findingID, runID).Scan(&count); err != nil {
		return 0, err
	}
	if _, err := s.q.ExecContext(ctx,
		`UPDATE findings SET instances_count = ? WHERE id = ?`, count, findingID); err != nil {
		return 0, err
	}
	return count, nil
}

// ListInstances returns the instances of a finding, optionally for one run.
func (s *Store) ListInstances(ctx context.Context, findingID, runID int64) ([]*model.FindingInstance, error) {
	query := `
		SELECT id, finding_id, run_id, url, param, evidence, method, attack, other, severity, confidence, created_at
		FROM finding_instances WHERE finding_id = ?`
	args := []any{findingID}
	if runID > 0 {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.FindingInstance
	for rows.Next() {
		var inst model.FindingInstance
		var createdAt string
		if err := rows.Scan(&inst.ID, &inst.FindingID, &inst.RunID, &inst.URL, &inst.Param, &inst.Evidence,
			&inst.Method, &inst.Attack, &inst.Other, &inst.Severity, &inst.Confidence, &createdAt); err != nil {
			return nil, err
		}
		inst.CreatedAt = parseTS(createdAt)
		out = append(out, &inst)
	}
	return out, rows.Err()
}

// FindingStatesForRun returns the findings a run observed within a target,
// optionally restricted to one asset. A finding's severity for the run is the
// highest severity among its instances in that run; confidence comes from
// the same instance.
func (s *Store) FindingStatesForRun(ctx context.Context, runID, targetID int64, assetID *int64) (map[string]model.FindingState, error) {
	query := `
		SELECT f.id, f.fingerprint, f.asset_id, f.plugin_id, f.title, i.severity, i.confidence
		FROM finding_instances i
		JOIN findings f ON f.id = i.finding_id
		WHERE i.run_id = ? AND f.target_id = ?`
	args := []any{runID, targetID}
	if assetID != nil {
		query += ` AND f.asset_id = ?`
		args = append(args, *assetID)
	}
	query += ` ORDER BY i.id`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]model.FindingState)
	for rows.Next() {
		var st model.FindingState
		if err := rows.Scan(&st.FindingID, &st.Fingerprint, &st.AssetID, &st.PluginID, &st.Title,
			&st.Severity, &st.Confidence); err != nil {
			return nil, err
		}
		prev, seen := states[st.Fingerprint]
		if !seen || st.Severity.IsHigherThan(prev.Severity) {
			states[st.Fingerprint] = st
		}
	}
	return states, rows.Err()
}

// AssetsSeenInRun returns the IDs of assets with instances in a run.
func (s *Store) AssetsSeenInRun(ctx context.Context, runID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT f.asset_id FROM finding_instances i
		JOIN findings f ON f.id = i.finding_id
		WHERE i.run_id = ?
		ORDER BY f.asset_id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// Risk Snapshots
// =============================================================================

// InsertSnapshot appends an immutable risk snapshot.
func (s *Store) InsertSnapshot(ctx context.Context, snap *model.RiskSnapshot) error {
	counts, err := jsonString(snap.Counts)
	if err != nil {
		return err
	}
	weights, err := jsonString(snap.Weights)
	if err != nil {
		return err
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO risk_snapshots (scope, project_id, target_id, asset_id, run_id, score, counts, weights, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snap.Scope, snap.ProjectID, nullInt(snap.TargetID), nullInt(snap.AssetID), snap.RunID, snap.Score,
		counts, weights, ts(snap.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert risk snapshot: %w", err)
	}
	snap.ID, err = res.LastInsertId()
	return err
}

const snapshotColumns = `id, scope, project_id, target_id, asset_id, run_id, score, counts, weights, created_at`

func scanSnapshot(row interface{ Scan(...any) error }) (*model.RiskSnapshot, error) {
	var snap model.RiskSnapshot
	var targetID, assetID sql.NullInt64
	var counts, weights, createdAt string
	if err := row.Scan(&snap.ID, &snap.Scope, &snap.ProjectID, &targetID, &assetID, &snap.RunID, &snap.Score,
		&counts, &weights, &createdAt); err != nil {
		return nil, err
	}
	snap.TargetID = intPtr(targetID)
	snap.AssetID = intPtr(assetID)
	snap.CreatedAt = parseTS(createdAt)
	if err := parseJSON(counts, &snap.Counts); err != nil {
		return nil, err
	}
	if err := parseJSON(weights, &snap.Weights); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SnapshotForRun returns the snapshot a run produced at a target or asset
// scope. A nil snapshot with nil error means none exists.
func (s *Store) SnapshotForRun(ctx context.Context, runID, targetID int64, assetID *int64) (*model.RiskSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM risk_snapshots WHERE run_id = ? AND target_id = ?`
	args := []any{runID, targetID}
	if assetID != nil {
		query += ` AND scope = 'asset' AND asset_id = ?`
		args = append(args, *assetID)
	} else {
		query += ` AND scope = 'target'`
	}
	query += ` ORDER BY id DESC LIMIT 1`

	snap, err := scanSnapshot(s.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return snap, err
}

// ListSnapshots returns all snapshots a run produced, ordered by id.
func (s *Store) ListSnapshots(ctx context.Context, runID int64) ([]*model.RiskSnapshot, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM risk_snapshots WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.RiskSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
	"github.com/exploopio/zapcontrol/pkg/model"
)

// Phase names a pollable scan phase.
type Phase string

const (
	PhaseSpider Phase = "spider"
	PhaseAscan  Phase = "ascan"
)

const runColumns = `id, job_id, node_id, status, claimed_by, spider_id, ascan_id, spider_progress, ascan_progress,
	created_at, started_at, finished_at, duration_ms, error_message, logs`

func scanRun(row interface{ Scan(...any) error }) (*model.ScanRun, error) {
	var r model.ScanRun
	var nodeID sql.NullInt64
	var createdAt string
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.JobID, &nodeID, &r.Status, &r.ClaimedBy, &r.SpiderID, &r.AscanID,
		&r.SpiderProgress, &r.AscanProgress, &createdAt, &startedAt, &finishedAt, &r.DurationMs,
		&r.ErrorMessage, &r.Logs); err != nil {
		return nil, err
	}
	r.NodeID = intPtr(nodeID)
	r.CreatedAt = parseTS(createdAt)
	r.StartedAt = parseNullTS(startedAt)
	r.FinishedAt = parseNullTS(finishedAt)
	return &r, nil
}

// EnqueueRun creates a queued run for a job.
func (s *Store) EnqueueRun(ctx context.Context, jobID int64, now time.Time) (*model.ScanRun, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO scan_runs (job_id, status, created_at) VALUES (?, 'queued', ?)
	`, jobID, ts(now))
	if err != nil {
		return nil, fmt.Errorf("insert scan run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.ScanRun{ID: id, JobID: jobID, Status: model.RunQueued, CreatedAt: now.UTC()}, nil
}

// StartIngestRun creates a run that is already running and bound to no node.
// It is used when alerts are imported from a file instead of a live scan.
func (s *Store) StartIngestRun(ctx context.Context, jobID int64, holder string, now time.Time) (*model.ScanRun, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO scan_runs (job_id, status, claimed_by, created_at, started_at)
		VALUES (?, 'running', ?, ?, ?)
	`, jobID, holder, ts(now), ts(now))
	if err != nil {
		return nil, fmt.Errorf("insert ingest run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	at := now.UTC()
	return &model.ScanRun{ID: id, JobID: jobID, Status: model.RunRunning, ClaimedBy: holder, CreatedAt: at, StartedAt: &at}, nil
}

// ScheduleRun enqueues a run for a job only if the job's last_scheduled_at
// still equals prev, then records now as the new value. It returns nil when
// another scheduler won the race.
func (s *Store) ScheduleRun(ctx context.Context, jobID int64, prev *time.Time, now time.Time) (*model.ScanRun, error) {
	var run *model.ScanRun
	err := s.InTx(ctx, func(tx *Store) error {
		res, err := tx.q.ExecContext(ctx, `
			UPDATE scan_jobs SET last_scheduled_at = ?
			WHERE id = ? AND enabled = 1 AND last_scheduled_at IS ?
		`, ts(now), jobID, tsPtr(prev))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		run, err = tx.EnqueueRun(ctx, jobID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// AssignFunc chooses a node for a job given the enabled nodes and their
// running-run counts. It must not perform I/O.
type AssignFunc func(job *model.ScanJob, loads []model.NodeLoad) (*model.Node, error)

// Rejection is a queued run that was failed during a claim because no node
// could ever serve it.
type Rejection struct {
	RunID int64
	JobID int64
	Err   error
}

// claimBatch bounds how many queued runs one claim inspects.
const claimBatch = 50

// ClaimNext claims the oldest queued run that can be assigned a node.
//
// Everything happens inside one immediate transaction, which holds the
// database write lock: concurrent claimers are serialized, each run is
// returned to exactly one caller, and the node loads seen by assign cannot
// change before the assignment is written. Runs blocked only by node capacity
// stay queued; runs that fail selection for any other reason are marked
// failed and reported as rejections. A nil context with nil error means no
// run could be claimed.
func (s *Store) ClaimNext(ctx context.Context, holder string, now time.Time, assign AssignFunc) (*model.RunContext, []Rejection, error) {
	var claimed *model.RunContext
	var rejected []Rejection

	err := s.InTx(ctx, func(tx *Store) error {
		rows, err := tx.q.QueryContext(ctx, `
			SELECT `+runColumns+` FROM scan_runs
			WHERE status = 'queued'
			ORDER BY created_at, id
			LIMIT ?
		`, claimBatch)
		if err != nil {
			return err
		}
		var queued []*model.ScanRun
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				rows.Close()
				return err
			}
			queued = append(queued, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(queued) == 0 {
			return nil
		}

		loads, err := tx.NodeLoads(ctx)
		if err != nil {
			return fmt.Errorf("load nodes: %w", err)
		}

		for _, run := range queued {
			job, err := tx.GetJob(ctx, run.JobID)
			if err != nil {
				return err
			}

			var node *model.Node
			if run.NodeID != nil {
				node, err = tx.GetNode(ctx, *run.NodeID)
			} else {
				node, err = assign(job, loads)
			}
			if err != nil {
				if errors.Is(err, zerr.ErrAtCapacity) {
					continue
				}
				if zerr.IsNoNodeAvailable(err) || zerr.IsNotFound(err) {
					if ferr := tx.failQueued(ctx, run.ID, err.Error(), now); ferr != nil {
						return ferr
					}
					rejected = append(rejected, Rejection{RunID: run.ID, JobID: run.JobID, Err: err})
					continue
				}
				return err
			}

			res, err := tx.q.ExecContext(ctx, `
				UPDATE scan_runs SET status = 'running', node_id = ?, claimed_by = ?, started_at = ?
				WHERE id = ? AND status = 'queued'
			`, node.ID, holder, ts(now), run.ID)
			if err != nil {
				return fmt.Errorf("mark run running: %w", err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}

			target, err := tx.GetTarget(ctx, job.TargetID)
			if err != nil {
				return err
			}
			profile, err := tx.GetProfile(ctx, job.ProfileID)
			if err != nil {
				return err
			}

			started := now.UTC()
			run.Status = model.RunRunning
			run.NodeID = &node.ID
			run.ClaimedBy = holder
			run.StartedAt = &started
			claimed = &model.RunContext{Run: run, Job: job, Target: target, Profile: profile, Node: node}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return claimed, rejected, nil
}

func (s *Store) failQueued(ctx context.Context, runID int64, message string, now time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE scan_runs SET status = 'failed', error_message = ?, finished_at = ?
		WHERE id = ? AND status = 'queued'
	`, message, ts(now), runID)
	return err
}

// UpdateRunProgress records the latest observed percentage of a phase.
func (s *Store) UpdateRunProgress(ctx context.Context, runID int64, phase Phase, percent int) error {
	column := "spider_progress"
	if phase == PhaseAscan {
		column = "ascan_progress"
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE scan_runs SET `+column+` = ? WHERE id = ? AND status = 'running'`, percent, runID)
	return err
}

// SetRunScanID records the scanner-side identifier of a phase.
func (s *Store) SetRunScanID(ctx context.Context, runID int64, phase Phase, scanID string) error {
	column := "spider_id"
	if phase == PhaseAscan {
		column = "ascan_id"
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE scan_runs SET `+column+` = ? WHERE id = ? AND status = 'running'`, scanID, runID)
	return err
}

// AppendRunLog appends one line to the run's operator log.
func (s *Store) AppendRunLog(ctx context.Context, runID int64, line string) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE scan_runs SET logs = logs || ? WHERE id = ?`, line+"\n", runID)
	return err
}

// FinishRun moves a running run to a terminal status and records finish time
// and duration. Assets whose aggregates the run refreshed get the same status. Runs that are not running are left untouched and a Conflict
// error is returned.
func (s *Store) FinishRun(ctx context.Context, runID int64, status model.RunStatus, message string, now time.Time) (*model.ScanRun, error) {
	if !status.Terminal() {
		return nil, zerr.E(zerr.KindInvalidInput, "store.FinishRun", fmt.Sprintf("status %q is not terminal", status))
	}

	var finished *model.ScanRun
	err := s.InTx(ctx, func(tx *Store) error {
		run, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != model.RunRunning {
			return zerr.E(zerr.KindConflict, "store.FinishRun",
				fmt.Sprintf("run %d is %s", runID, run.Status))
		}

		var duration int64
		if run.StartedAt != nil {
			duration = now.Sub(*run.StartedAt).Milliseconds()
			if duration < 0 {
				duration = 0
			}
		}
		if _, err := tx.q.ExecContext(ctx, `
			UPDATE scan_runs SET status = ?, error_message = ?, finished_at = ?, duration_ms = ?
			WHERE id = ? AND status = 'running'
		`, status, message, ts(now), duration, runID); err != nil {
			return err
		}
		// Assets last refreshed by this run take its outcome.
		if _, err := tx.q.ExecContext(ctx,
			`UPDATE assets SET last_scan_status = ? WHERE last_run_id = ?`, status, runID); err != nil {
			return err
		}

		at := now.UTC()
		run.Status = status
		run.ErrorMessage = message
		run.FinishedAt = &at
		run.DurationMs = duration
		finished = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return finished, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id int64) (*model.ScanRun, error) {
	r, err := scanRun(s.q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound("store.GetRun", err)
	}
	return r, nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status model.RunStatus
	JobID  int64
	Limit  int
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]*model.ScanRun, error) {
	query := `SELECT ` + runColumns + ` FROM scan_runs WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.JobID > 0 {
		query += ` AND job_id = ?`
		args = append(args, f.JobID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*model.ScanRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRunsByStatus returns the number of runs in each status.
func (s *Store) CountRunsByStatus(ctx context.Context) (map[model.RunStatus]int, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM scan_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[model.RunStatus]int)
	for rows.Next() {
		var status model.RunStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PreviousCompletedRun returns the most recently finished succeeded run for
// a target, excluding one run. Ties on finish time are broken by id. A nil
// run with nil error means there is none.
func (s *Store) PreviousCompletedRun(ctx context.Context, targetID, excludeRunID int64) (*model.ScanRun, error) {
	r, err := scanRun(s.q.QueryRowContext(ctx, `
		SELECT `+prefixed("r.", runColumns)+`
		FROM scan_runs r
		JOIN scan_jobs j ON j.id = r.job_id
		WHERE j.target_id = ? AND r.id != ? AND r.status = 'succeeded' AND r.finished_at IS NOT NULL
		ORDER BY r.finished_at DESC, r.id DESC
		LIMIT 1
	`, targetID, excludeRunID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// RunTarget resolves the job and target a run belongs to.
func (s *Store) RunTarget(ctx context.Context, runID int64) (*model.ScanJob, *model.Target, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	job, err := s.GetJob(ctx, run.JobID)
	if err != nil {
		return nil, nil, err
	}
	target, err := s.GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, nil, err
	}
	return job, target, nil
}

// =============================================================================
// Raw Results & Reports
// =============================================================================

// SaveRawResult stores the write-once raw payload of a run. Saving a second
// payload for the same run fails with a Conflict error.
func (s *Store) SaveRawResult(ctx context.Context, r *model.RawResult) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil || r.Metadata == nil {
		meta = []byte("{}")
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	compression := r.Compression
	if compression == "" {
		compression = "none"
	}
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO raw_results (run_id, job_id, checksum, size_bytes, compression, payload, alert_count, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, r.RunID, r.JobID, r.Checksum, r.SizeBytes, compression, r.Payload, r.AlertCount, string(meta), ts(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert raw result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return zerr.E(zerr.KindConflict, "store.SaveRawResult",
			fmt.Sprintf("raw result for run %d already exists", r.RunID))
	}
	r.Compression = compression
	r.ID, err = res.LastInsertId()
	return err
}

// GetRawResult returns the raw payload of a run.
func (s *Store) GetRawResult(ctx context.Context, runID int64) (*model.RawResult, error) {
	var r model.RawResult
	var meta, createdAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, run_id, job_id, checksum, size_bytes, compression, payload, alert_count, metadata, created_at
		FROM raw_results WHERE run_id = ?
	`, runID).Scan(&r.ID, &r.RunID, &r.JobID, &r.Checksum, &r.SizeBytes, &r.Compression, &r.Payload,
		&r.AlertCount, &meta, &createdAt)
	if err != nil {
		return nil, notFound("store.GetRawResult", err)
	}
	_ = json.Unmarshal([]byte(meta), &r.Metadata)
	r.CreatedAt = parseTS(createdAt)
	return &r, nil
}

// SaveReport links a rendered report to a run, replacing any earlier one.
func (s *Store) SaveReport(ctx context.Context, r *model.Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return s.InTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM reports WHERE run_id = ?`, r.RunID); err != nil {
			return err
		}
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO reports (id, run_id, json, html, native_html, created_at) VALUES (?, ?, ?, ?, ?, ?)
		`, r.ID, r.RunID, r.JSON, r.HTML, r.NativeHTML, ts(r.CreatedAt))
		return err
	})
}

// GetReport returns the report linked to a run.
func (s *Store) GetReport(ctx context.Context, runID int64) (*model.Report, error) {
	var r model.Report
	var createdAt string
	err := s.q.QueryRowContext(ctx, `
		SELECT id, run_id, json, html, native_html, created_at FROM reports WHERE run_id = ?
	`, runID).Scan(&r.ID, &r.RunID, &r.JSON, &r.HTML, &r.NativeHTML, &createdAt)
	if err != nil {
		return nil, notFound("store.GetReport", err)
	}
	r.CreatedAt = parseTS(createdAt)
	return &r, nil
}

// Package store provides SQLite-backed persistence for the scan orchestrator.
//
// All entities live in one database. Writers use immediate transactions so
// the claim of a queued run, including the node-load read that drives node
// selection, is serialized across every worker sharing the database file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	zerr "github.com/exploopio/zapcontrol/pkg/errors"
)

// Config configures the store.
type Config struct {
	// DatabasePath is the SQLite file path.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// BusyTimeout is how long a writer waits for the database lock.
	// Default: 10 seconds.
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"`

	// MaxOpenConns bounds the connection pool. Default: 8.
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath: "zapcontrol.db",
		BusyTimeout:  10 * time.Second,
		MaxOpenConns: 8,
	}
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides SQLite-based storage for every orchestrator entity.
type Store struct {
	db *sql.DB
	q  querier
	tx bool
}

// Open opens (creating if necessary) the database and applies the schema.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DatabasePath == "" {
		return nil, zerr.E(zerr.KindInvalidInput, "store.Open", "database path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 10 * time.Second
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 8
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		cfg.DatabasePath, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	s := &Store{db: db, q: db}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn against a Store bound to a single immediate transaction.
// Nested calls reuse the outer transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx {
		return fn(s)
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txStore := &Store{db: s.db, q: sqlTx, tx: true}
	if err := fn(txStore); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// initSchema creates the database tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS targets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE RESTRICT,
	name TEXT NOT NULL,
	base_url TEXT NOT NULL,
	include_regex TEXT NOT NULL DEFAULT '',
	exclude_regex TEXT NOT NULL DEFAULT '',
	auth_type TEXT NOT NULL DEFAULT 'none',
	auth_config TEXT NOT NULL DEFAULT '{}',
	UNIQUE(project_id, name)
);

CREATE TABLE IF NOT EXISTS scan_profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	scan_type TEXT NOT NULL DEFAULT 'full',
	spider_enabled INTEGER NOT NULL DEFAULT 1,
	max_duration_minutes INTEGER NOT NULL DEFAULT 60
);

CREATE TABLE IF NOT EXISTS nodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	base_url TEXT NOT NULL UNIQUE,
	api_key TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'unknown',
	max_concurrent INTEGER NOT NULL DEFAULT 1,
	version TEXT NOT NULL DEFAULT '',
	last_health_check TEXT,
	last_latency_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scan_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL REFERENCES projects(id) ON DELETE RESTRICT,
	target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	profile_id INTEGER NOT NULL REFERENCES scan_profiles(id) ON DELETE RESTRICT,
	node_strategy TEXT NOT NULL DEFAULT 'auto',
	node_id INTEGER REFERENCES nodes(id) ON DELETE SET NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	schedule_type TEXT NOT NULL DEFAULT 'manual',
	interval_minutes INTEGER NOT NULL DEFAULT 0,
	schedule_hour INTEGER NOT NULL DEFAULT 0,
	schedule_minute INTEGER NOT NULL DEFAULT 0,
	schedule_weekday INTEGER NOT NULL DEFAULT 0,
	last_scheduled_at TEXT
);

CREATE TABLE IF NOT EXISTS scan_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL REFERENCES scan_jobs(id) ON DELETE RESTRICT,
	node_id INTEGER REFERENCES nodes(id) ON DELETE SET NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	claimed_by TEXT NOT NULL DEFAULT '',
	spider_id TEXT NOT NULL DEFAULT '',
	ascan_id TEXT NOT NULL DEFAULT '',
	spider_progress INTEGER NOT NULL DEFAULT 0,
	ascan_progress INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_scan_runs_status ON scan_runs(status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_scan_runs_node ON scan_runs(node_id, status);

CREATE TRIGGER IF NOT EXISTS scan_runs_terminal
BEFORE UPDATE OF status ON scan_runs
WHEN OLD.status IN ('succeeded', 'failed') AND NEW.status != OLD.status
BEGIN
	SELECT RAISE(ABORT, 'scan run is terminal');
END;

CREATE TABLE IF NOT EXISTS raw_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL UNIQUE REFERENCES scan_runs(id) ON DELETE CASCADE,
	job_id INTEGER NOT NULL,
	checksum TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	compression TEXT NOT NULL DEFAULT 'none',
	payload BLOB NOT NULL,
	alert_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_results_checksum ON raw_results(checksum);

CREATE TRIGGER IF NOT EXISTS raw_results_write_once
BEFORE UPDATE ON raw_results
BEGIN
	SELECT RAISE(ABORT, 'raw results are write-once');
END;

CREATE TABLE IF NOT EXISTS assets (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	asset_type TEXT NOT NULL,
	scan_count INTEGER NOT NULL DEFAULT 0,
	last_scanned_at TEXT,
	last_scan_status TEXT NOT NULL DEFAULT '',
	last_run_id INTEGER,
	current_risk_score REAL NOT NULL DEFAULT 0,
	open_high INTEGER NOT NULL DEFAULT 0,
	open_medium INTEGER NOT NULL DEFAULT 0,
	open_low INTEGER NOT NULL DEFAULT 0,
	open_info INTEGER NOT NULL DEFAULT 0,
	UNIQUE(target_id, name, asset_type)
);

CREATE TABLE IF NOT EXISTS findings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	asset_id INTEGER NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
	fingerprint TEXT NOT NULL,
	plugin_id TEXT NOT NULL,
	title TEXT NOT NULL,
	severity TEXT NOT NULL,
	confidence TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'open',
	description TEXT NOT NULL DEFAULT '',
	solution TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL DEFAULT '',
	cwe_id TEXT NOT NULL DEFAULT '',
	wasc_id TEXT NOT NULL DEFAULT '',
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	last_run_id INTEGER NOT NULL,
	instances_count INTEGER NOT NULL DEFAULT 0,
	UNIQUE(target_id, asset_id, fingerprint)
);

CREATE INDEX IF NOT EXISTS idx_findings_target_status ON findings(target_id, status);

CREATE TABLE IF NOT EXISTS finding_instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	finding_id INTEGER NOT NULL REFERENCES findings(id) ON DELETE CASCADE,
	run_id INTEGER NOT NULL REFERENCES scan_runs(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	param TEXT NOT NULL,
	evidence TEXT NOT NULL,
	method TEXT NOT NULL DEFAULT '',
	attack TEXT NOT NULL DEFAULT '',
	other TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL,
	confidence TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	UNIQUE(finding_id, run_id, url, param, evidence)
);

CREATE INDEX IF NOT EXISTS idx_finding_instances_run ON finding_instances(run_id);

CREATE TABLE IF NOT EXISTS risk_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scope TEXT NOT NULL,
	project_id INTEGER NOT NULL,
	target_id INTEGER,
	asset_id INTEGER,
	run_id INTEGER NOT NULL,
	score REAL NOT NULL,
	counts TEXT NOT NULL,
	weights TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_risk_snapshots_run ON risk_snapshots(run_id, scope);

CREATE TRIGGER IF NOT EXISTS risk_snapshots_immutable
BEFORE UPDATE ON risk_snapshots
BEGIN
	SELECT RAISE(ABORT, 'risk snapshots are immutable');
END;

CREATE TABLE IF NOT EXISTS scan_comparisons (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target_id INTEGER NOT NULL REFERENCES targets(id) ON DELETE CASCADE,
	asset_key INTEGER NOT NULL DEFAULT 0,
	from_run_id INTEGER NOT NULL,
	to_run_id INTEGER NOT NULL,
	new_count INTEGER NOT NULL DEFAULT 0,
	resolved_count INTEGER NOT NULL DEFAULT 0,
	changed_count INTEGER NOT NULL DEFAULT 0,
	risk_delta REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE(target_id, asset_key, from_run_id, to_run_id)
);

CREATE TABLE IF NOT EXISTS scan_comparison_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	comparison_id INTEGER NOT NULL REFERENCES scan_comparisons(id) ON DELETE CASCADE,
	fingerprint TEXT NOT NULL,
	finding_id INTEGER NOT NULL,
	change_type TEXT NOT NULL,
	before_state TEXT NOT NULL DEFAULT '',
	after_state TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_comparison_items ON scan_comparison_items(comparison_id);

CREATE TABLE IF NOT EXISTS reports (
	id TEXT PRIMARY KEY,
	run_id INTEGER NOT NULL UNIQUE REFERENCES scan_runs(id) ON DELETE CASCADE,
	json BLOB NOT NULL,
	html BLOB NOT NULL,
	native_html BLOB,
	created_at TEXT NOT NULL
);
`

// =============================================================================
// Helpers
// =============================================================================

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ts formats t in a fixed-width UTC layout so lexical order equals time order.
func ts(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func tsPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return zerr.E(zerr.KindNotFound, op, "not found")
	}
	return zerr.Wrap(err, op)
}

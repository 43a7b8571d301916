package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// CatalogSchemaVersion is the current run catalog schema version.
const CatalogSchemaVersion = 1

const catalogSchemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    status TEXT NOT NULL,      -- 'finished', 'interrupted', 'diverged'
    model TEXT NOT NULL,
    shape TEXT NOT NULL,       -- JSON array
    dt REAL NOT NULL,
    dr REAL NOT NULL,
    t_max REAL NOT NULL,
    steps INTEGER NOT NULL,
    sim_time REAL NOT NULL,
    active INTEGER NOT NULL,
    activated INTEGER NOT NULL,
    hook_errors INTEGER NOT NULL,
    snapshot TEXT,
    output_dir TEXT,
    config TEXT                -- YAML
);
CREATE INDEX IF NOT EXISTS idx_runs_model ON runs(model);
`

// Run statuses stored in the catalog.
const (
	StatusFinished    = "finished"
	StatusInterrupted = "interrupted"
	StatusDiverged    = "diverged"
)

// RunRecord is one catalogued run.
type RunRecord struct {
	ID         int64
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Model      string
	Shape      []int
	DT, DR     float64
	TMax       float64
	Steps      int
	Time       float64
	Active     int
	Activated  int
	HookErrors int
	Snapshot   string
	OutputDir  string
	Config     string
}

// Catalog indexes runs in a SQLite database so results spread over many
// output directories can be found again. A nil catalog records nothing.
type Catalog struct {
	db   *sql.DB
	path string
}

// OpenCatalog opens or creates the catalog database at path.
// Returns nil if path is empty (catalog disabled).
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := initCatalogSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return &Catalog{db: db, path: path}, nil
}

func initCatalogSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, catalogSchemaV1); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`,
		CatalogSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

// Path returns the database file path.
func (c *Catalog) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Record inserts r and returns its id.
func (c *Catalog) Record(ctx context.Context, r RunRecord) (int64, error) {
	if c == nil {
		return 0, nil
	}
	shape, err := json.Marshal(r.Shape)
	if err != nil {
		return 0, fmt.Errorf("failed to encode shape: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		INSERT INTO runs (started_at, finished_at, status, model, shape, dt, dr, t_max,
			steps, sim_time, active, activated, hook_errors, snapshot, output_dir, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano),
		r.Status, r.Model, string(shape), r.DT, r.DR, r.TMax,
		r.Steps, r.Time, r.Active, r.Activated, r.HookErrors, r.Snapshot, r.OutputDir, r.Config)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}
	return res.LastInsertId()
}

// Runs returns up to limit runs, newest first. A limit of zero returns all.
func (c *Catalog) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if c == nil {
		return nil, nil
	}
	query := `SELECT id, started_at, finished_at, status, model, shape, dt, dr, t_max,
		steps, sim_time, active, activated, hook_errors, snapshot, output_dir, config
		FROM runs ORDER BY id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished string
			shape             string
			snapshot, dir     sql.NullString
			cfg               sql.NullString
		)
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.Model, &shape, &r.DT, &r.DR, &r.TMax,
			&r.Steps, &r.Time, &r.Active, &r.Activated, &r.HookErrors, &snapshot, &dir, &cfg); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %d: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("run %d: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(shape), &r.Shape); err != nil {
			return nil, fmt.Errorf("run %d shape: %w", r.ID, err)
		}
		r.Snapshot, r.OutputDir, r.Config = snapshot.String, dir.String, cfg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

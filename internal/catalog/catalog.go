// Package catalog implements the queryable secondary index over capture
// manifests, backed by an embedded SQLite database. The catalog is a
// derived structure: every row is reconstructable by rescanning the RAW
// manifests, and writes are scoped to single-record transactions.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/capfirst/capvault/internal/capture"
)

// Schema for the catalog tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TEXT NOT NULL,
	finished_at TEXT,
	captures_succeeded INTEGER NOT NULL DEFAULT 0,
	captures_failed INTEGER NOT NULL DEFAULT 0,
	blobs_written INTEGER NOT NULL DEFAULT 0,
	blobs_deduplicated INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS captures (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL,
	status INTEGER NOT NULL,
	content_sha256 TEXT NOT NULL,
	content_size INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	manifest_path TEXT NOT NULL,
	captured_at TEXT NOT NULL,
	origin TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	UNIQUE(url, run_id, captured_at)
);
CREATE INDEX IF NOT EXISTS idx_captures_url ON captures(url);
CREATE INDEX IF NOT EXISTS idx_captures_hash ON captures(content_sha256);
CREATE INDEX IF NOT EXISTS idx_captures_run ON captures(run_id);
CREATE INDEX IF NOT EXISTS idx_captures_at ON captures(captured_at);

CREATE TABLE IF NOT EXISTS content_index (
	sha256 TEXT PRIMARY KEY,
	size INTEGER NOT NULL,
	first_seen_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	capture_id INTEGER NOT NULL REFERENCES captures(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	sha256 TEXT NOT NULL,
	size INTEGER NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	discovered_via TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_assets_sha ON assets(sha256);
CREATE INDEX IF NOT EXISTS idx_assets_capture ON assets(capture_id);
`

// timeLayout keeps fractional seconds at fixed width so that the TEXT
// captured_at column compares lexicographically in chronological order.
// RFC3339Nano strips trailing zeros and breaks that property within a
// second. Reads still parse with RFC3339Nano, which accepts both forms.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Config controls the SQLite catalog.
type Config struct {
	// Path is the database file, typically <root>/index/catalog.db.
	Path string `mapstructure:"path" yaml:"path"`
}

// SQLite is the SQLite-backed capture.Catalog implementation.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the catalog database and applies the schema.
func Open(cfg Config, logger *zap.Logger) (*SQLite, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("catalog path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLite{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (c *SQLite) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close catalog: %w", err)
	}
	return nil
}

// StartRun inserts a run row in the running state.
func (c *SQLite) StartRun(ctx context.Context, run capture.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	_, err := c.db.ExecContext(ctx, `
INSERT INTO runs (id, name, status, started_at)
VALUES (?, ?, ?, ?)`,
		run.ID, run.Name, string(run.Status), run.Started.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinalizeRun records the terminal status and aggregate counters for a
// run. Runs are never deleted; only their captures may expire.
func (c *SQLite) FinalizeRun(ctx context.Context, runID string, status capture.RunStatus, counters capture.RunCounters, finished time.Time) error {
	res, err := c.db.ExecContext(ctx, `
UPDATE runs SET
	status = ?,
	finished_at = ?,
	captures_succeeded = ?,
	captures_failed = ?,
	blobs_written = ?,
	blobs_deduplicated = ?
WHERE id = ?`,
		string(status), finished.UTC().Format(timeLayout),
		counters.CapturesSucceeded, counters.CapturesFailed,
		counters.BlobsWritten, counters.BlobsDeduplicated, runID)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize run rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, capture.ErrNotFound)
	}
	return nil
}

// GetRun loads one run row.
func (c *SQLite) GetRun(ctx context.Context, runID string) (capture.Run, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT id, name, status, started_at, finished_at,
	captures_succeeded, captures_failed, blobs_written, blobs_deduplicated
FROM runs WHERE id = ?`, runID)

	var run capture.Run
	var status, started string
	var finished sql.NullString
	err := row.Scan(&run.ID, &run.Name, &status, &started, &finished,
		&run.Counters.CapturesSucceeded, &run.Counters.CapturesFailed,
		&run.Counters.BlobsWritten, &run.Counters.BlobsDeduplicated)
	if errors.Is(err, sql.ErrNoRows) {
		return capture.Run{}, fmt.Errorf("run %s: %w", runID, capture.ErrNotFound)
	}
	if err != nil {
		return capture.Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = capture.RunStatus(status)
	if run.Started, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return capture.Run{}, fmt.Errorf("parse run start: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339Nano, finished.String)
		if err != nil {
			return capture.Run{}, fmt.Errorf("parse run finish: %w", err)
		}
		run.Finished = &t
	}
	return run, nil
}

// EnsureRun inserts a placeholder run row if none exists. Used by the
// rebuild path when run metadata was lost with the index.
func (c *SQLite) EnsureRun(ctx context.Context, runID string, startedAt time.Time) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO runs (id, name, status, started_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		runID, runID, string(capture.RunStatusCompleted), startedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("ensure run: %w", err)
	}
	return nil
}

// Record inserts one capture row plus its asset edges in a single
// transaction. No lock spans more than this one record.
func (c *SQLite) Record(ctx context.Context, entry capture.CatalogEntry, assets []capture.AssetRef) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	capturedAt := entry.CapturedAt.UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx, `
INSERT INTO captures (run_id, url, final_url, status, content_sha256,
	content_size, content_type, manifest_path, captured_at, origin, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.URL, entry.FinalURL, entry.Status,
		string(entry.ContentSHA), entry.ContentSize, entry.ContentType,
		entry.ManifestPath, capturedAt, string(entry.Origin), entry.Error)
	if err != nil {
		return 0, fmt.Errorf("insert capture: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("capture row id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO content_index (sha256, size, first_seen_at)
VALUES (?, ?, ?)
ON CONFLICT(sha256) DO NOTHING`,
		string(entry.ContentSHA), entry.ContentSize, capturedAt); err != nil {
		return 0, fmt.Errorf("index content: %w", err)
	}

	for _, a := range assets {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO assets (capture_id, url, sha256, size, content_type, discovered_via)
VALUES (?, ?, ?, ?, ?, ?)`,
			id, a.URL, string(a.SHA256), a.Size, a.ContentType, a.DiscoveredVia); err != nil {
			return 0, fmt.Errorf("insert asset: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO content_index (sha256, size, first_seen_at)
VALUES (?, ?, ?)
ON CONFLICT(sha256) DO NOTHING`,
			string(a.SHA256), a.Size, capturedAt); err != nil {
			return 0, fmt.Errorf("index asset content: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record tx: %w", err)
	}
	return id, nil
}

const entryColumns = `id, run_id, url, final_url, status, content_sha256,
	content_size, content_type, manifest_path, captured_at, origin, error`

func scanEntries(rows *sql.Rows) ([]capture.CatalogEntry, error) {
	var out []capture.CatalogEntry
	for rows.Next() {
		var e capture.CatalogEntry
		var sha, capturedAt, origin string
		if err := rows.Scan(&e.ID, &e.RunID, &e.URL, &e.FinalURL, &e.Status,
			&sha, &e.ContentSize, &e.ContentType, &e.ManifestPath,
			&capturedAt, &origin, &e.Error); err != nil {
			return nil, fmt.Errorf("scan capture row: %w", err)
		}
		e.ContentSHA = capture.Digest(sha)
		e.Origin = capture.Origin(origin)
		t, err := time.Parse(time.RFC3339Nano, capturedAt)
		if err != nil {
			return nil, fmt.Errorf("parse captured_at: %w", err)
		}
		e.CapturedAt = t
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capture rows: %w", err)
	}
	return out, nil
}

func (c *SQLite) query(ctx context.Context, where string, args ...any) ([]capture.CatalogEntry, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT "+entryColumns+" FROM captures WHERE "+where+" ORDER BY captured_at, id", args...)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// FindByURL returns the full capture history for a URL, oldest first.
func (c *SQLite) FindByURL(ctx context.Context, url string) ([]capture.CatalogEntry, error) {
	return c.query(ctx, "url = ?", url)
}

// FindByHash answers "which captures produced this exact content".
func (c *SQLite) FindByHash(ctx context.Context, digest capture.Digest) ([]capture.CatalogEntry, error) {
	return c.query(ctx, "content_sha256 = ?", string(digest))
}

// ListRun returns every capture recorded under a run.
func (c *SQLite) ListRun(ctx context.Context, runID string) ([]capture.CatalogEntry, error) {
	return c.query(ctx, "run_id = ?", runID)
}

// EntriesOlderThan returns captures recorded before cutoff.
func (c *SQLite) EntriesOlderThan(ctx context.Context, cutoff time.Time) ([]capture.CatalogEntry, error) {
	return c.query(ctx, "captured_at < ?", cutoff.UTC().Format(timeLayout))
}

// ReferenceCount reports how many live references (primary content or
// asset edges, across all runs) point at a digest. Retention computes
// this live at sweep time instead of trusting a stored counter.
func (c *SQLite) ReferenceCount(ctx context.Context, digest capture.Digest) (int, error) {
	row := c.db.QueryRowContext(ctx, `
SELECT
	(SELECT COUNT(*) FROM captures WHERE content_sha256 = ?) +
	(SELECT COUNT(*) FROM assets WHERE sha256 = ?)`,
		string(digest), string(digest))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count references: %w", err)
	}
	return n, nil
}

// DeleteEntry removes one capture row; asset edges cascade. The
// content_index row is dropped once no capture or asset references the
// digest anymore.
func (c *SQLite) DeleteEntry(ctx context.Context, id int64) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sha string
	err = tx.QueryRowContext(ctx, "SELECT content_sha256 FROM captures WHERE id = ?", id).Scan(&sha)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("capture %d: %w", id, capture.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load capture for delete: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM assets WHERE capture_id = ?", id); err != nil {
		return fmt.Errorf("delete asset edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM captures WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete capture: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM content_index WHERE sha256 = ?
	AND NOT EXISTS (SELECT 1 FROM captures WHERE content_sha256 = content_index.sha256)
	AND NOT EXISTS (SELECT 1 FROM assets WHERE sha256 = content_index.sha256)`,
		sha); err != nil {
		return fmt.Errorf("prune content index: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// Reset drops all derived rows (captures, assets, content_index) ahead
// of a rebuild. Run rows are kept: they are source data, not an index.
func (c *SQLite) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		"DELETE FROM assets",
		"DELETE FROM captures",
		"DELETE FROM content_index",
	} {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset catalog: %w", err)
		}
	}
	return nil
}

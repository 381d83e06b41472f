// Package migrate ingests legacy ad hoc capture tables through the
// normal capture write path, so every CAS and catalog invariant holds
// for migrated data too.
package migrate

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Column name heuristics, tried in order. A row whose candidate value
// does not parse as an http(s) URL is skipped, never guessed.
var (
	urlColumns     = []string{"url", "uri", "link", "page_url", "href", "address", "location"}
	bodyColumns    = []string{"content", "body", "html", "raw", "data", "payload"}
	timeColumns    = []string{"fetched_at", "captured_at", "created_at", "crawled_at", "timestamp", "ts"}
	statusColumns  = []string{"status", "status_code", "http_status"}
	keyColumns     = []string{"id", "pk", "uuid", "row_id"}
	contentTypeCol = []string{"content_type", "mime_type", "mime"}
)

// Config controls the migration source.
type Config struct {
	// DSN is the legacy Postgres database.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
	// Tables are the legacy capture tables to scan.
	Tables []string `mapstructure:"tables" yaml:"tables"`
	// SourceSystem names the legacy system in migration provenance.
	SourceSystem string `mapstructure:"source_system" yaml:"source_system"`
}

// Querier is the slice of pgx used by the adapter; pgxpool.Pool and
// pgxmock both satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Recorder is the capture write path the adapter feeds rows into.
type Recorder interface {
	CaptureMigrated(ctx context.Context, res capture.FetchResult, info capture.MigrationInfo) (capture.Manifest, string, error)
}

// Adapter scans legacy tables and synthesizes best-effort manifests.
type Adapter struct {
	db     Querier
	pool   *pgxpool.Pool
	cfg    Config
	clock  capture.Clock
	logger *zap.Logger
}

// Report summarizes one migration pass.
type Report struct {
	TablesScanned int      `json:"tables_scanned"`
	RowsScanned   int      `json:"rows_scanned"`
	RowsMigrated  int      `json:"rows_migrated"`
	RowsSkipped   int      `json:"rows_skipped"`
	Skipped       []string `json:"skipped,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// NewAdapter connects to the legacy database.
func NewAdapter(ctx context.Context, cfg Config, clock capture.Clock, logger *zap.Logger) (*Adapter, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("migration source dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect migration source: %w", err)
	}
	a, err := NewAdapterWithConn(pool, cfg, clock, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

// NewAdapterWithConn constructs an adapter from an existing connection
// (primarily for testing).
func NewAdapterWithConn(db Querier, cfg Config, clock capture.Clock, logger *zap.Logger) (*Adapter, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, fmt.Errorf("at least one source table is required")
	}
	for _, t := range cfg.Tables {
		if !validTableName.MatchString(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	if cfg.SourceSystem == "" {
		cfg.SourceSystem = "legacy"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{db: db, cfg: cfg, clock: clock, logger: logger}, nil
}

// Close releases the connection pool when the adapter owns it. Adapters
// built over an injected connection leave its lifecycle to the caller.
func (a *Adapter) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Migrate scans every configured table and records each row with a
// recognizable URL through the capture write path, tagged with source
// provenance. Rows without a URL are skipped and reported.
func (a *Adapter) Migrate(ctx context.Context, rec Recorder) (Report, error) {
	var report Report
	for _, table := range a.cfg.Tables {
		if err := a.migrateTable(ctx, rec, table, &report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("table %s: %v", table, err))
			continue
		}
		report.TablesScanned++
	}
	a.logger.Info("migration finished",
		zap.Int("tables", report.TablesScanned),
		zap.Int("migrated", report.RowsMigrated),
		zap.Int("skipped", report.RowsSkipped))
	return report, nil
}

func (a *Adapter) migrateTable(ctx context.Context, rec Recorder, table string, report *Report) error {
	// Table names are validated against an identifier pattern above.
	rows, err := a.db.Query(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return fmt.Errorf("scan table: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = strings.ToLower(f.Name)
	}

	rowNum := 0
	for rows.Next() {
		rowNum++
		report.RowsScanned++

		values, err := rows.Values()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s row %d: read values: %v", table, rowNum, err))
			continue
		}
		byColumn := make(map[string]any, len(columns))
		for i, c := range columns {
			byColumn[c] = values[i]
		}

		rawURL, ok := pickURL(byColumn)
		if !ok {
			report.RowsSkipped++
			report.Skipped = append(report.Skipped, fmt.Sprintf("%s row %d: no recognizable url column", table, rowNum))
			continue
		}

		res := synthesize(rawURL, byColumn)
		info := capture.MigrationInfo{
			SourceSystem: a.cfg.SourceSystem,
			SourceTable:  table,
			SourceKey:    pickKey(byColumn, rowNum),
			MigratedAt:   a.clock.Now(),
		}
		if _, _, err := rec.CaptureMigrated(ctx, res, info); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s row %d: record: %v", table, rowNum, err))
			continue
		}
		report.RowsMigrated++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// pickURL finds the first heuristic column holding a parseable http(s)
// URL.
func pickURL(row map[string]any) (string, bool) {
	for _, col := range urlColumns {
		v, ok := row[col]
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		u, err := url.Parse(strings.TrimSpace(s))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		return u.String(), true
	}
	return "", false
}

func pickKey(row map[string]any, rowNum int) string {
	for _, col := range keyColumns {
		if v, ok := row[col]; ok && v != nil {
			return fmt.Sprintf("%s=%v", col, v)
		}
	}
	return fmt.Sprintf("row=%d", rowNum)
}

// synthesize builds a best-effort FetchResult from whatever the legacy
// row carried. Absent fields stay zero; the manifest records exactly
// what the source knew, nothing invented.
func synthesize(rawURL string, row map[string]any) capture.FetchResult {
	res := capture.FetchResult{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: 200,
	}
	for _, col := range bodyColumns {
		switch v := row[col].(type) {
		case []byte:
			res.Body = v
		case string:
			res.Body = []byte(v)
		default:
			continue
		}
		break
	}
	for _, col := range statusColumns {
		switch v := row[col].(type) {
		case int:
			res.StatusCode = v
		case int32:
			res.StatusCode = int(v)
		case int64:
			res.StatusCode = int(v)
		default:
			continue
		}
		break
	}
	for _, col := range timeColumns {
		if t, ok := row[col].(time.Time); ok {
			res.Start = t
			res.End = t
			break
		}
	}
	for _, col := range contentTypeCol {
		if s, ok := row[col].(string); ok && s != "" {
			res.ContentType = s
			break
		}
	}
	return res
}

package migrate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/migrate"
)

var migratedAt = time.Date(2026, 7, 15, 9, 0, 0, 0, time.UTC)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

type recorded struct {
	res  capture.FetchResult
	info capture.MigrationInfo
}

type fakeRecorder struct {
	calls []recorded
	fail  error
}

func (r *fakeRecorder) CaptureMigrated(_ context.Context, res capture.FetchResult, info capture.MigrationInfo) (capture.Manifest, string, error) {
	if r.fail != nil {
		return capture.Manifest{}, "", r.fail
	}
	r.calls = append(r.calls, recorded{res: res, info: info})
	return capture.Manifest{URL: res.URL}, "manifest/path.json", nil
}

func newAdapter(t *testing.T, mock pgxmock.PgxPoolIface, tables ...string) *migrate.Adapter {
	t.Helper()
	adapter, err := migrate.NewAdapterWithConn(mock, migrate.Config{
		DSN:          "postgres://legacy",
		Tables:       tables,
		SourceSystem: "scraper_v1",
	}, fixedClock{now: migratedAt}, zap.NewNop())
	require.NoError(t, err)
	return adapter
}

func TestMigrateRowsWithURLs(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	fetchedAt := time.Date(2023, 4, 1, 8, 30, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "url", "content", "fetched_at", "status", "content_type"}).
		AddRow(int64(1), "https://example.com/a", "<html>a</html>", fetchedAt, int32(200), "text/html").
		AddRow(int64(2), "https://example.com/b", "<html>b</html>", fetchedAt, int32(404), "text/html")
	mock.ExpectQuery(`SELECT \* FROM legacy_pages`).WillReturnRows(rows)

	adapter := newAdapter(t, mock, "legacy_pages")
	rec := &fakeRecorder{}
	report, err := adapter.Migrate(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 1, report.TablesScanned)
	assert.Equal(t, 2, report.RowsScanned)
	assert.Equal(t, 2, report.RowsMigrated)
	assert.Zero(t, report.RowsSkipped)
	require.Len(t, rec.calls, 2)

	first := rec.calls[0]
	assert.Equal(t, "https://example.com/a", first.res.URL)
	assert.Equal(t, []byte("<html>a</html>"), first.res.Body)
	assert.Equal(t, 200, first.res.StatusCode)
	assert.Equal(t, fetchedAt, first.res.Start)
	assert.Equal(t, "text/html", first.res.ContentType)
	assert.Equal(t, "scraper_v1", first.info.SourceSystem)
	assert.Equal(t, "legacy_pages", first.info.SourceTable)
	assert.Equal(t, "id=1", first.info.SourceKey)
	assert.Equal(t, migratedAt, first.info.MigratedAt)

	assert.Equal(t, 404, rec.calls[1].res.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateSkipsRowsWithoutURL(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "url", "body"}).
		AddRow(int64(1), "https://example.com/kept", "kept").
		AddRow(int64(2), "not a url at all", "dropped").
		AddRow(int64(3), "ftp://example.com/wrong-scheme", "dropped")
	mock.ExpectQuery(`SELECT \* FROM legacy_pages`).WillReturnRows(rows)

	adapter := newAdapter(t, mock, "legacy_pages")
	rec := &fakeRecorder{}
	report, err := adapter.Migrate(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 3, report.RowsScanned)
	assert.Equal(t, 1, report.RowsMigrated)
	assert.Equal(t, 2, report.RowsSkipped)
	assert.Len(t, report.Skipped, 2)
	assert.Contains(t, report.Skipped[0], "row 2")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "https://example.com/kept", rec.calls[0].res.URL)
}

func TestMigrateDefaultsWhenColumnsAbsent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"link"}).
		AddRow("https://example.com/minimal")
	mock.ExpectQuery(`SELECT \* FROM bare_links`).WillReturnRows(rows)

	adapter := newAdapter(t, mock, "bare_links")
	rec := &fakeRecorder{}
	report, err := adapter.Migrate(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 1, report.RowsMigrated)
	require.Len(t, rec.calls, 1)
	res := rec.calls[0].res
	assert.Equal(t, 200, res.StatusCode)
	assert.Empty(t, res.Body)
	assert.True(t, res.Start.IsZero())
	assert.Equal(t, "row=1", rec.calls[0].info.SourceKey)
}

func TestMigrateRecorderFailureReported(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"url"}).
		AddRow("https://example.com/a").
		AddRow("https://example.com/b")
	mock.ExpectQuery(`SELECT \* FROM legacy_pages`).WillReturnRows(rows)

	adapter := newAdapter(t, mock, "legacy_pages")
	rec := &fakeRecorder{fail: errors.New("catalog unavailable")}
	report, err := adapter.Migrate(context.Background(), rec)
	require.NoError(t, err)

	assert.Zero(t, report.RowsMigrated)
	assert.Len(t, report.Errors, 2)
	assert.Contains(t, report.Errors[0], "catalog unavailable")
}

func TestMigrateTableFailureContinues(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`SELECT \* FROM broken`).WillReturnError(errors.New("relation does not exist"))
	rows := pgxmock.NewRows([]string{"url"}).AddRow("https://example.com/ok")
	mock.ExpectQuery(`SELECT \* FROM healthy`).WillReturnRows(rows)

	adapter := newAdapter(t, mock, "broken", "healthy")
	rec := &fakeRecorder{}
	report, err := adapter.Migrate(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, 1, report.TablesScanned)
	assert.Equal(t, 1, report.RowsMigrated)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "broken")
}

func TestNewAdapterValidation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = migrate.NewAdapterWithConn(mock, migrate.Config{}, fixedClock{}, nil)
	assert.Error(t, err)

	_, err = migrate.NewAdapterWithConn(mock, migrate.Config{
		Tables: []string{"pages; DROP TABLE pages"},
	}, fixedClock{}, nil)
	assert.Error(t, err)

	_, err = migrate.NewAdapterWithConn(nil, migrate.Config{
		Tables: []string{"pages"},
	}, fixedClock{}, nil)
	assert.Error(t, err)
}

func TestCloseLeavesInjectedConnAlone(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	a, err := migrate.NewAdapterWithConn(mock, migrate.Config{
		Tables: []string{"pages"},
	}, fixedClock{now: migratedAt}, nil)
	require.NoError(t, err)

	// The adapter only closes a pool it opened itself; an injected
	// connection stays usable after Close.
	a.Close()

	mock.ExpectQuery(`SELECT \* FROM pages`).WillReturnRows(
		pgxmock.NewRows([]string{"id", "url"}).AddRow(int64(1), "https://example.com/a"))

	rec := &fakeRecorder{}
	report, err := a.Migrate(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, 1, report.RowsMigrated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

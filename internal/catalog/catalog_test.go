package catalog_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/catalog"
	"github.com/capfirst/capvault/internal/hash/sha256"
)

func newCatalog(t *testing.T) *catalog.SQLite {
	t.Helper()
	cat, err := catalog.Open(catalog.Config{Path: filepath.Join(t.TempDir(), "catalog.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func entry(runID, url string, body string, at time.Time) capture.CatalogEntry {
	return capture.CatalogEntry{
		RunID:        runID,
		URL:          url,
		FinalURL:     url,
		Status:       200,
		ContentSHA:   sha256.Sum([]byte(body)),
		ContentSize:  int64(len(body)),
		ContentType:  "text/html",
		ManifestPath: "/raw/runs/" + runID + "/manifest.json",
		CapturedAt:   at,
		Origin:       capture.OriginNative,
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	// The database lives at <root>/index/catalog.db under a fresh
	// storage root, where index/ does not exist yet. SQLite cannot
	// create a file inside a missing directory, so Open must.
	path := filepath.Join(t.TempDir(), "index", "catalog.db")
	cat, err := catalog.Open(catalog.Config{Path: path}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })

	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = cat.Record(context.Background(),
		entry("run-1", "https://example.com/a", "body", time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)), nil)
	assert.NoError(t, err)
}

func TestEntriesOlderThanSubSecond(t *testing.T) {
	// captured_at is compared as TEXT, so fractional seconds must be
	// stored at fixed width to sort chronologically within a second.
	ctx := context.Background()
	cat := newCatalog(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cat.StartRun(ctx, capture.Run{ID: "run-1", Name: "a", Status: capture.RunStatusRunning, Started: at}))

	older := entry("run-1", "https://example.com/old", "old body", at.Add(-250*time.Millisecond))
	newer := entry("run-1", "https://example.com/new", "new body", at.Add(500*time.Millisecond))
	for _, e := range []capture.CatalogEntry{older, newer} {
		_, err := cat.Record(ctx, e, nil)
		require.NoError(t, err)
	}

	got, err := cat.EntriesOlderThan(ctx, at)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "https://example.com/old", got[0].URL)
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	run := capture.Run{ID: "run-1", Name: "nightly", Status: capture.RunStatusRunning, Started: started}
	require.NoError(t, cat.StartRun(ctx, run))

	got, err := cat.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, capture.RunStatusRunning, got.Status)
	assert.Equal(t, "nightly", got.Name)
	assert.Nil(t, got.Finished)

	finished := started.Add(time.Hour)
	counters := capture.RunCounters{CapturesSucceeded: 7, CapturesFailed: 1, BlobsWritten: 5, BlobsDeduplicated: 3}
	require.NoError(t, cat.FinalizeRun(ctx, "run-1", capture.RunStatusCompleted, counters, finished))

	got, err = cat.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, capture.RunStatusCompleted, got.Status)
	assert.Equal(t, counters, got.Counters)
	require.NotNil(t, got.Finished)
	assert.True(t, got.Finished.Equal(finished))

	t.Run("FinalizeUnknownRun", func(t *testing.T) {
		err := cat.FinalizeRun(ctx, "missing", capture.RunStatusFailed, capture.RunCounters{}, finished)
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})

	t.Run("GetUnknownRun", func(t *testing.T) {
		_, err := cat.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})
}

func TestRecordAndQuery(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, cat.StartRun(ctx, capture.Run{ID: "run-1", Name: "a", Status: capture.RunStatusRunning, Started: at}))
	require.NoError(t, cat.StartRun(ctx, capture.Run{ID: "run-2", Name: "b", Status: capture.RunStatusRunning, Started: at}))

	e1 := entry("run-1", "https://example.com/a", "shared body", at)
	e2 := entry("run-2", "https://example.com/a", "shared body", at.Add(time.Minute))
	e3 := entry("run-2", "https://example.com/b", "other body", at.Add(2*time.Minute))

	for _, e := range []capture.CatalogEntry{e1, e2, e3} {
		_, err := cat.Record(ctx, e, nil)
		require.NoError(t, err)
	}

	t.Run("FindByURLKeepsFullHistory", func(t *testing.T) {
		got, err := cat.FindByURL(ctx, "https://example.com/a")
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "run-1", got[0].RunID)
		assert.Equal(t, "run-2", got[1].RunID)
	})

	t.Run("FindByHashReverseLookup", func(t *testing.T) {
		got, err := cat.FindByHash(ctx, sha256.Sum([]byte("shared body")))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("ListRun", func(t *testing.T) {
		got, err := cat.ListRun(ctx, "run-2")
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("EntriesOlderThan", func(t *testing.T) {
		got, err := cat.EntriesOlderThan(ctx, at.Add(90*time.Second))
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("DuplicateKeyRejected", func(t *testing.T) {
		_, err := cat.Record(ctx, e1, nil)
		assert.Error(t, err)
	})
}

func TestAssetsAndReferenceCount(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cat.StartRun(ctx, capture.Run{ID: "run-1", Name: "a", Status: capture.RunStatusRunning, Started: at}))

	assetDigest := sha256.Sum([]byte("logo bytes"))
	e := entry("run-1", "https://example.com/a", "page body", at)
	assets := []capture.AssetRef{{
		URL:           "https://example.com/logo.png",
		SHA256:        assetDigest,
		Size:          10,
		ContentType:   "image/png",
		DiscoveredVia: "html-img",
	}}
	id, err := cat.Record(ctx, e, assets)
	require.NoError(t, err)

	t.Run("AssetEdgesCountAsReferences", func(t *testing.T) {
		refs, err := cat.ReferenceCount(ctx, assetDigest)
		require.NoError(t, err)
		assert.Equal(t, 1, refs)

		refs, err = cat.ReferenceCount(ctx, e.ContentSHA)
		require.NoError(t, err)
		assert.Equal(t, 1, refs)
	})

	t.Run("DeleteEntryDropsEdges", func(t *testing.T) {
		require.NoError(t, cat.DeleteEntry(ctx, id))

		refs, err := cat.ReferenceCount(ctx, assetDigest)
		require.NoError(t, err)
		assert.Zero(t, refs)

		refs, err = cat.ReferenceCount(ctx, e.ContentSHA)
		require.NoError(t, err)
		assert.Zero(t, refs)
	})

	t.Run("DeleteUnknownEntry", func(t *testing.T) {
		err := cat.DeleteEntry(ctx, 9999)
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, cat.StartRun(ctx, capture.Run{ID: "run-1", Name: "a", Status: capture.RunStatusRunning, Started: at}))

	_, err := cat.Record(ctx, entry("run-1", "https://example.com/a", "body", at), nil)
	require.NoError(t, err)

	require.NoError(t, cat.Reset(ctx))

	got, err := cat.FindByURL(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.Empty(t, got)

	// Run rows survive a reset: they are source data, not index.
	_, err = cat.GetRun(ctx, "run-1")
	assert.NoError(t, err)
}

func TestEnsureRun(t *testing.T) {
	ctx := context.Background()
	cat := newCatalog(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, cat.EnsureRun(ctx, "run-x", at))
	// Idempotent.
	require.NoError(t, cat.EnsureRun(ctx, "run-x", at.Add(time.Hour)))

	got, err := cat.GetRun(ctx, "run-x")
	require.NoError(t, err)
	assert.True(t, got.Started.Equal(at))
}

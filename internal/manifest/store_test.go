package manifest_test

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
	"github.com/capfirst/capvault/internal/cas"
	"github.com/capfirst/capvault/internal/hash/sha256"
	"github.com/capfirst/capvault/internal/manifest"
)

func newStores(t *testing.T) (*manifest.Store, *cas.Store) {
	t.Helper()
	root := t.TempDir()
	blobs, err := cas.New(cas.Config{BaseDir: filepath.Join(root, "cas")}, zap.NewNop())
	require.NoError(t, err)
	manifests, err := manifest.New(manifest.Config{BaseDir: filepath.Join(root, "runs")}, blobs, zap.NewNop())
	require.NoError(t, err)
	return manifests, blobs
}

func sampleManifest(t *testing.T, blobs *cas.Store, body []byte) capture.Manifest {
	t.Helper()
	digest, err := blobs.Put(context.Background(), body)
	require.NoError(t, err)
	return capture.Manifest{
		SchemaVersion: capture.ManifestSchemaVersion,
		RunID:         "run-1",
		URL:           "https://example.com/page",
		FinalURL:      "https://example.com/page",
		Status:        200,
		Content: capture.ContentRef{
			SHA256:      digest,
			Size:        int64(len(body)),
			ContentType: "text/html",
		},
		FetchStart: time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC),
		FetchEnd:   time.Date(2026, 3, 14, 9, 26, 54, 0, time.UTC),
		Tool:       capture.ToolInfo{Name: "capvault", Version: "test"},
		Origin:     capture.OriginNative,
	}
}

func TestWriteAndRead(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)
	m := sampleManifest(t, blobs, []byte("<html>hi</html>"))

	path, err := manifests.Write(ctx, m)
	require.NoError(t, err)
	assert.Contains(t, path, filepath.Join("run-1", "example.com"))
	assert.Equal(t, "manifest.json", filepath.Base(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())

	got, err := manifests.Read(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestWriteNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)
	m := sampleManifest(t, blobs, []byte("body"))

	_, err := manifests.Write(ctx, m)
	require.NoError(t, err)

	_, err = manifests.Write(ctx, m)
	assert.ErrorContains(t, err, "already exists")
}

func TestDistinctTimestampsCoexist(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)

	first := sampleManifest(t, blobs, []byte("body"))
	second := first
	second.FetchStart = first.FetchStart.Add(time.Nanosecond)

	p1, err := manifests.Write(ctx, first)
	require.NoError(t, err)
	p2, err := manifests.Write(ctx, second)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestReadErrors(t *testing.T) {
	ctx := context.Background()
	manifests, _ := newStores(t)

	t.Run("NotFound", func(t *testing.T) {
		_, err := manifests.Read(ctx, filepath.Join(t.TempDir(), "manifest.json"))
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})

	t.Run("CorruptManifest", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

		_, err := manifests.Read(ctx, path)
		var corrupt *capture.CorruptManifestError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, path, corrupt.Path)
	})

	t.Run("UnsupportedSchemaVersion", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99}`), 0o600))

		_, err := manifests.Read(ctx, path)
		var corrupt *capture.CorruptManifestError
		assert.ErrorAs(t, err, &corrupt)
	})
}

func TestSchemaV1Migration(t *testing.T) {
	ctx := context.Background()
	manifests, _ := newStores(t)

	t.Run("MigratedFromBecomesTaggedOrigin", func(t *testing.T) {
		raw := `{
			"schema_version": 1,
			"run_id": "run-legacy",
			"url": "https://example.com/old",
			"final_url": "https://example.com/old",
			"status": 200,
			"content": {"sha256": "` + string(sha256.Sum([]byte("old"))) + `", "size": 3},
			"fetch_start": "2020-01-02T03:04:05Z",
			"fetch_end": "2020-01-02T03:04:06Z",
			"tool": {"name": "scraper", "version": "0.1"},
			"migrated_from": "scrapes_v0"
		}`
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

		m, err := manifests.Read(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, capture.ManifestSchemaVersion, m.SchemaVersion)
		assert.Equal(t, capture.OriginMigrated, m.Origin)
		require.NotNil(t, m.Migration)
		assert.Equal(t, "scrapes_v0", m.Migration.SourceSystem)
	})

	t.Run("V1WithoutMigratedFromIsNative", func(t *testing.T) {
		raw := `{
			"schema_version": 1,
			"run_id": "run-legacy",
			"url": "https://example.com/old",
			"status": 404,
			"content": {"sha256": "` + string(sha256.Sum(nil)) + `", "size": 0},
			"fetch_start": "2020-01-02T03:04:05Z",
			"fetch_end": "2020-01-02T03:04:05Z",
			"tool": {"name": "scraper", "version": "0.1"}
		}`
		path := filepath.Join(t.TempDir(), "manifest.json")
		require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

		m, err := manifests.Read(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, capture.OriginNative, m.Origin)
		assert.Nil(t, m.Migration)
	})
}

func TestVerify(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)

	t.Run("AllReferencesResolve", func(t *testing.T) {
		m := sampleManifest(t, blobs, []byte("verified"))
		path, err := manifests.Write(ctx, m)
		require.NoError(t, err)
		assert.NoError(t, manifests.Verify(ctx, path, m))
	})

	t.Run("DanglingDigestIsReferentialError", func(t *testing.T) {
		m := sampleManifest(t, blobs, []byte("content here"))
		m.URL = "https://example.com/dangling"
		m.FetchStart = m.FetchStart.Add(time.Second)
		m.Assets = []capture.AssetRef{{
			URL:           "https://example.com/logo.png",
			SHA256:        sha256.Sum([]byte("never stored")),
			DiscoveredVia: "html-img",
		}}
		path, err := manifests.Write(ctx, m)
		require.NoError(t, err)

		err = manifests.Verify(ctx, path, m)
		var refErr *capture.ReferentialError
		require.ErrorAs(t, err, &refErr)
		assert.Equal(t, m.Assets[0].SHA256, refErr.Digest)
	})
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)

	m1 := sampleManifest(t, blobs, []byte("first"))
	m2 := sampleManifest(t, blobs, []byte("second"))
	m2.URL = "https://other.example.org/x"
	m2.FetchStart = m1.FetchStart.Add(time.Second)

	_, err := manifests.Write(ctx, m1)
	require.NoError(t, err)
	p2, err := manifests.Write(ctx, m2)
	require.NoError(t, err)

	// Drop a corrupt file into the tree; the walk must report it
	// through readErr, not stop.
	corruptDir := filepath.Dir(p2) + "-corrupt"
	require.NoError(t, os.MkdirAll(corruptDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(corruptDir, "manifest.json"), []byte("oops"), 0o600))

	var valid, corrupt int
	err = manifests.Walk(ctx, func(_ string, _ capture.Manifest, readErr error) error {
		if readErr != nil {
			corrupt++
		} else {
			valid++
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, valid)
	assert.Equal(t, 1, corrupt)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	manifests, blobs := newStores(t)
	m := sampleManifest(t, blobs, []byte("short lived"))

	path, err := manifests.Write(ctx, m)
	require.NoError(t, err)

	require.NoError(t, manifests.Remove(ctx, path))
	_, err = manifests.Read(ctx, path)
	assert.ErrorIs(t, err, capture.ErrNotFound)

	t.Run("OutsideRootRejected", func(t *testing.T) {
		err := manifests.Remove(ctx, "/etc/passwd")
		assert.ErrorContains(t, err, "outside")
	})
}

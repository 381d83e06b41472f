package cas_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/cas"
	"github.com/capfirst/capvault/internal/hash/sha256"
)

func newStore(t *testing.T) (*cas.Store, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := cas.New(cas.Config{BaseDir: dir}, zap.NewNop())
	require.NoError(t, err)
	return store, dir
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, _ := newStore(t)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := cas.New(cas.Config{}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := cas.New(cas.Config{BaseDir: file}, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "cas")
		_, err := cas.New(cas.Config{BaseDir: dir}, zap.NewNop())
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestPut(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		store, _ := newStore(t)
		body := []byte("hello world")

		digest, err := store.Put(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, sha256.Sum(body), digest)

		got, err := store.Get(ctx, digest)
		require.NoError(t, err)
		assert.Equal(t, body, got)
	})

	t.Run("IdempotentOneBlobOnDisk", func(t *testing.T) {
		store, dir := newStore(t)
		body := []byte("same bytes twice")

		first, err := store.Put(ctx, body)
		require.NoError(t, err)
		second, err := store.Put(ctx, body)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		var files int
		err = filepath.Walk(filepath.Join(dir, "sha256"), func(_ string, info os.FileInfo, err error) error {
			require.NoError(t, err)
			if !info.IsDir() {
				files++
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, files)
	})

	t.Run("EmptyBody", func(t *testing.T) {
		store, _ := newStore(t)
		digest, err := store.Put(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, capture.Digest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"), digest)

		got, err := store.Get(ctx, digest)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("FanoutPath", func(t *testing.T) {
		store, dir := newStore(t)
		digest, err := store.Put(ctx, []byte("fanout"))
		require.NoError(t, err)

		want := filepath.Join(dir, "sha256", string(digest)[:2], string(digest))
		info, err := os.Stat(want)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o444), info.Mode().Perm())
	})

	t.Run("ConcurrentSameDigest", func(t *testing.T) {
		store, _ := newStore(t)
		body := []byte("raced bytes")

		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = store.Put(ctx, body)
			}()
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Get(ctx, sha256.Sum([]byte("never stored")))
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})

	t.Run("MalformedDigest", func(t *testing.T) {
		store, _ := newStore(t)
		_, err := store.Get(ctx, "zz")
		assert.ErrorIs(t, err, capture.ErrNotFound)
	})

	t.Run("CorruptedBlobRaisesIntegrityError", func(t *testing.T) {
		store, dir := newStore(t)
		digest, err := store.Put(ctx, []byte("original evidence"))
		require.NoError(t, err)

		path := filepath.Join(dir, "sha256", string(digest)[:2], string(digest))
		require.NoError(t, os.Chmod(path, 0o600))
		require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

		_, err = store.Get(ctx, digest)
		var integrityErr *capture.IntegrityError
		require.ErrorAs(t, err, &integrityErr)
		assert.Equal(t, digest, integrityErr.Digest)
		assert.Equal(t, sha256.Sum([]byte("tampered")), integrityErr.Actual)
	})
}

func TestHas(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	digest, err := store.Put(ctx, []byte("present"))
	require.NoError(t, err)

	ok, err := store.Has(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Has(ctx, sha256.Sum([]byte("absent")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	digest, err := store.Put(ctx, []byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, digest))
	_, err = store.Get(ctx, digest)
	assert.ErrorIs(t, err, capture.ErrNotFound)

	err = store.Remove(ctx, digest)
	assert.ErrorIs(t, err, capture.ErrNotFound)
}

func TestWalk(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)

	d1, err := store.Put(ctx, []byte("one"))
	require.NoError(t, err)
	d2, err := store.Put(ctx, []byte("two"))
	require.NoError(t, err)

	seen := map[capture.Digest]int64{}
	err = store.Walk(ctx, func(digest capture.Digest, size int64, modTime time.Time) error {
		seen[digest] = size
		assert.False(t, modTime.IsZero())
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
	assert.Equal(t, int64(3), seen[d1])
	assert.Equal(t, int64(3), seen[d2])
}

// Package cas implements the content-addressed blob store backing the
// RAW zone. Blobs are keyed by SHA-256 digest, written once via
// hash-verify-then-atomic-rename, and never mutated in place.
package cas

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/hash/sha256"
	"github.com/capfirst/capvault/internal/metrics"
)

const algo = "sha256"

// Config captures the parameters for the content store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored,
	// typically <root>/raw/cas.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store writes content blobs to the local filesystem.
type Store struct {
	baseDir string
	logger  *zap.Logger
}

// New creates a filesystem-backed content store rooted at cfg.BaseDir.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	if err := os.MkdirAll(filepath.Join(cfg.BaseDir, algo), 0o750); err != nil {
		return nil, fmt.Errorf("create algo directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{baseDir: cfg.BaseDir, logger: logger}, nil
}

// blobPath returns the fan-out path raw/cas/sha256/<hex[:2]>/<hex>.
func (s *Store) blobPath(digest capture.Digest) string {
	hex := string(digest)
	return filepath.Join(s.baseDir, algo, hex[:2], hex)
}

// Put stores data under its SHA-256 digest. Storing identical bytes
// twice yields one digest and one blob on disk; a redundant concurrent
// write is a harmless no-op because the final rename is atomic. A crash
// mid-write never exposes a half-written blob at its final path.
func (s *Store) Put(_ context.Context, data []byte) (capture.Digest, error) {
	digest := sha256.Sum(data)
	final := s.blobPath(digest)

	if _, err := os.Stat(final); err == nil {
		metrics.BlobDeduplicated()
		return digest, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("stat blob %s: %w", digest, err)
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create fanout directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort: gone already if the rename succeeded.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp blob: %w", err)
	}

	// Verify the bytes that actually hit disk before publishing them.
	written, err := os.ReadFile(tmpName) // #nosec G304 -- path is store-controlled
	if err != nil {
		return "", fmt.Errorf("read back temp blob: %w", err)
	}
	if got := sha256.Sum(written); got != digest {
		return "", &capture.IntegrityError{Digest: digest, Actual: got}
	}

	if err := os.Chmod(tmpName, 0o444); err != nil {
		return "", fmt.Errorf("chmod temp blob: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", fmt.Errorf("publish blob %s: %w", digest, err)
	}

	metrics.BlobWritten(int64(len(data)))
	s.logger.Debug("blob stored", zap.String("digest", string(digest)), zap.Int("size", len(data)))
	return digest, nil
}

// Get returns the bytes stored under digest. It rehashes what it reads
// back and returns an IntegrityError on mismatch so corruption of the
// evidentiary record is never silently served.
func (s *Store) Get(_ context.Context, digest capture.Digest) ([]byte, error) {
	if !sha256.Valid(digest) {
		return nil, fmt.Errorf("malformed digest %q: %w", digest, capture.ErrNotFound)
	}
	data, err := os.ReadFile(s.blobPath(digest)) // #nosec G304 -- path is store-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", digest, capture.ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", digest, err)
	}
	if got := sha256.Sum(data); got != digest {
		metrics.BlobCorrupt()
		s.logger.Error("blob integrity violation",
			zap.String("expected", string(digest)),
			zap.String("actual", string(got)))
		return nil, &capture.IntegrityError{Digest: digest, Actual: got}
	}
	return data, nil
}

// Has reports whether a blob exists without reading it.
func (s *Store) Has(_ context.Context, digest capture.Digest) (bool, error) {
	if !sha256.Valid(digest) {
		return false, nil
	}
	if _, err := os.Stat(s.blobPath(digest)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", digest, err)
	}
	return true, nil
}

// Remove deletes a blob from disk. Only retention sweeps call this.
func (s *Store) Remove(_ context.Context, digest capture.Digest) error {
	path := s.blobPath(digest)
	// Blobs are stored read-only; restore write permission so the
	// unlink succeeds on filesystems that honor the file bit.
	_ = os.Chmod(path, 0o600)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("blob %s: %w", digest, capture.ErrNotFound)
		}
		return fmt.Errorf("remove blob %s: %w", digest, err)
	}
	return nil
}

// Walk visits every stored blob. The walk order is unspecified.
func (s *Store) Walk(ctx context.Context, fn func(digest capture.Digest, size int64, modTime time.Time) error) error {
	root := filepath.Join(s.baseDir, algo)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		digest := capture.Digest(d.Name())
		if !sha256.Valid(digest) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(digest, info.Size(), info.ModTime())
	})
}

// Package manifest persists immutable per-capture metadata records as
// schema-versioned JSON files under the RAW zone.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
)

// timestampLayout keys manifest directories. Nanosecond precision keeps
// repeated captures of the same URL within a run distinct.
const timestampLayout = "20060102T150405.000000000Z"

// Config captures the parameters for the manifest store.
type Config struct {
	// BaseDir is the root of the runs tree, typically <root>/raw/runs.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store reads and writes capture manifests.
type Store struct {
	baseDir string
	blobs   capture.ContentStore
	logger  *zap.Logger
}

// New creates a manifest store rooted at cfg.BaseDir. The content store
// is consulted on read to detect dangling digest references.
func New(cfg Config, blobs capture.ContentStore, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if blobs == nil {
		return nil, fmt.Errorf("content store is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{baseDir: cfg.BaseDir, blobs: blobs, logger: logger}, nil
}

// hostDir extracts a filesystem-safe host component from a URL.
func hostDir(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown-host"
	}
	return strings.ToLower(u.Hostname())
}

// Path returns the manifest location for m without writing anything:
// <base>/<run_id>/<host>/<timestamp>/manifest.json.
func (s *Store) Path(m capture.Manifest) string {
	ts := m.FetchStart.UTC().Format(timestampLayout)
	return filepath.Join(s.baseDir, m.RunID, hostDir(m.URL), ts, "manifest.json")
}

// Write serializes m to its run/host/timestamp path and marks it
// read-only. Manifests are never overwritten; corrections are new
// manifests.
func (s *Store) Write(_ context.Context, m capture.Manifest) (string, error) {
	if m.RunID == "" {
		return "", fmt.Errorf("manifest run_id is required")
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = capture.ManifestSchemaVersion
	}

	path := s.Path(m)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("manifest already exists at %s", path)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return "", fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Chmod(tmpName, 0o444); err != nil {
		return "", fmt.Errorf("chmod temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("publish manifest: %w", err)
	}

	s.logger.Debug("manifest written",
		zap.String("path", path),
		zap.String("run_id", m.RunID),
		zap.String("url", m.URL))
	return path, nil
}

// Read loads and, if needed, schema-migrates the manifest at path. The
// returned manifest is always at the current schema version.
func (s *Store) Read(_ context.Context, path string) (capture.Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- callers pass store-issued paths
	if err != nil {
		if os.IsNotExist(err) {
			return capture.Manifest{}, fmt.Errorf("manifest %s: %w", path, capture.ErrNotFound)
		}
		return capture.Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return decode(path, data)
}

// Verify checks that every digest m references resolves in the content
// store. The first dangling digest is returned as a ReferentialError.
func (s *Store) Verify(ctx context.Context, path string, m capture.Manifest) error {
	digests := make([]capture.Digest, 0, len(m.Assets)+1)
	digests = append(digests, m.Content.SHA256)
	for _, a := range m.Assets {
		digests = append(digests, a.SHA256)
	}
	for _, d := range digests {
		ok, err := s.blobs.Has(ctx, d)
		if err != nil {
			return fmt.Errorf("check blob %s: %w", d, err)
		}
		if !ok {
			return &capture.ReferentialError{ManifestPath: path, Digest: d}
		}
	}
	return nil
}

// Remove deletes a manifest file. Only retention sweeps call this; the
// sweep is responsible for deleting the catalog entry in the same
// per-capture transaction.
func (s *Store) Remove(_ context.Context, path string) error {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside the manifest root", path)
	}
	_ = os.Chmod(clean, 0o600)
	if err := os.Remove(clean); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("manifest %s: %w", path, capture.ErrNotFound)
		}
		return fmt.Errorf("remove manifest: %w", err)
	}
	// Prune now-empty timestamp/host directories; stops at first
	// non-empty ancestor.
	dir := filepath.Dir(clean)
	for dir != filepath.Clean(s.baseDir) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// Walk visits every manifest under the runs tree. Unparseable files are
// handed to fn with a non-nil readErr instead of aborting the walk, so
// rebuild and verify passes can count corruption at scale.
func (s *Store) Walk(ctx context.Context, fn func(path string, m capture.Manifest, readErr error) error) error {
	return filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		m, readErr := s.Read(ctx, path)
		return fn(path, m, readErr)
	})
}

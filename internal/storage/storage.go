// Package storage assembles the capture core around one root
// directory. A Storage is constructed once per process (or per test,
// with a temporary root) and passed explicitly to every component;
// nothing here is global state.
//
// Layout under the root:
//
//	raw/cas/sha256/<prefix>/<digest>     content blobs
//	raw/runs/<run>/<host>/<ts>/manifest.json
//	derived/<run>/<processor>/v<n>/...   regenerable artifacts
//	index/catalog.db                     sqlite catalog
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/cas"
	"github.com/capfirst/capvault/internal/catalog"
	"github.com/capfirst/capvault/internal/manifest"
)

// Storage owns the stores sharing one root directory.
type Storage struct {
	Root      string
	Blobs     *cas.Store
	Manifests *manifest.Store
	Catalog   *catalog.SQLite
	Locks     *capture.ZoneLocks

	logger *zap.Logger
}

// DerivedDir returns the DERIVED zone root.
func (s *Storage) DerivedDir() string {
	return filepath.Join(s.Root, "derived")
}

// Open builds the full store stack under root, creating directories and
// the catalog database as needed.
func Open(root string, logger *zap.Logger) (*Storage, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	blobs, err := cas.New(cas.Config{BaseDir: filepath.Join(root, "raw", "cas")}, logger)
	if err != nil {
		return nil, fmt.Errorf("open content store: %w", err)
	}
	manifests, err := manifest.New(manifest.Config{BaseDir: filepath.Join(root, "raw", "runs")}, blobs, logger)
	if err != nil {
		return nil, fmt.Errorf("open manifest store: %w", err)
	}
	cat, err := catalog.Open(catalog.Config{Path: filepath.Join(root, "index", "catalog.db")}, logger)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	return &Storage{
		Root:      root,
		Blobs:     blobs,
		Manifests: manifests,
		Catalog:   cat,
		Locks:     &capture.ZoneLocks{},
		logger:    logger,
	}, nil
}

// Close releases the catalog handle.
func (s *Storage) Close() error {
	return s.Catalog.Close()
}

// Rebuild reconstructs the catalog purely by rescanning RAW manifests.
// This is the recovery path after index loss: the catalog is a derived
// structure, so a rebuild reproduces the same entry set as the original
// incremental writes, regardless of scan order. The result is a
// structured report rather than a fail-fast error.
func (s *Storage) Rebuild(ctx context.Context) (capture.IntegrityReport, error) {
	var report capture.IntegrityReport

	if err := s.Catalog.Reset(ctx); err != nil {
		return report, fmt.Errorf("reset catalog: %w", err)
	}

	err := s.Manifests.Walk(ctx, func(path string, m capture.Manifest, readErr error) error {
		report.ManifestsScanned++
		if readErr != nil {
			report.Corrupt++
			report.Problems = append(report.Problems, readErr.Error())
			return nil
		}
		if err := s.Manifests.Verify(ctx, path, m); err != nil {
			var refErr *capture.ReferentialError
			if errors.As(err, &refErr) {
				report.Orphaned++
				report.Problems = append(report.Problems, refErr.Error())
				return nil
			}
			return err
		}
		if err := s.Catalog.EnsureRun(ctx, m.RunID, m.FetchStart); err != nil {
			return err
		}
		entry := capture.CatalogEntry{
			RunID:        m.RunID,
			URL:          m.URL,
			FinalURL:     m.FinalURL,
			Status:       m.Status,
			ContentSHA:   m.Content.SHA256,
			ContentSize:  m.Content.Size,
			ContentType:  m.Content.ContentType,
			ManifestPath: path,
			CapturedAt:   m.FetchStart,
			Origin:       m.Origin,
			Error:        m.Error,
		}
		if _, err := s.Catalog.Record(ctx, entry, m.Assets); err != nil {
			return fmt.Errorf("record %s: %w", path, err)
		}
		report.Valid++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("rebuild catalog: %w", err)
	}

	s.logger.Info("catalog rebuilt",
		zap.Int("manifests", report.ManifestsScanned),
		zap.Int("valid", report.Valid),
		zap.Int("corrupt", report.Corrupt),
		zap.Int("orphaned", report.Orphaned))
	return report, nil
}

// Verify audits the whole RAW zone: every blob is rehashed and every
// manifest's references are resolved. Integrity violations are counted
// and surfaced in the report, never silently swallowed.
func (s *Storage) Verify(ctx context.Context) (capture.IntegrityReport, error) {
	var report capture.IntegrityReport

	err := s.Blobs.Walk(ctx, func(digest capture.Digest, _ int64, _ time.Time) error {
		report.BlobsScanned++
		// Get rehashes what it reads back; a mismatch is the
		// corruption signal.
		if _, err := s.Blobs.Get(ctx, digest); err != nil {
			var integrityErr *capture.IntegrityError
			if errors.As(err, &integrityErr) {
				report.BlobsCorrupt++
				report.Problems = append(report.Problems, integrityErr.Error())
				return nil
			}
			return err
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("verify blobs: %w", err)
	}

	err = s.Manifests.Walk(ctx, func(path string, m capture.Manifest, readErr error) error {
		report.ManifestsScanned++
		if readErr != nil {
			report.Corrupt++
			report.Problems = append(report.Problems, readErr.Error())
			return nil
		}
		if verr := s.Manifests.Verify(ctx, path, m); verr != nil {
			var refErr *capture.ReferentialError
			if errors.As(verr, &refErr) {
				report.Orphaned++
				report.Problems = append(report.Problems, refErr.Error())
				return nil
			}
			return verr
		}
		report.Valid++
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("verify manifests: %w", err)
	}

	s.logger.Info("verify finished",
		zap.Int("blobs", report.BlobsScanned),
		zap.Int("blobs_corrupt", report.BlobsCorrupt),
		zap.Int("manifests", report.ManifestsScanned),
		zap.Int("corrupt", report.Corrupt),
		zap.Int("orphaned", report.Orphaned))
	return report, nil
}

// Package retention implements lifecycle sweeps over the RAW and
// DERIVED zones. Sweeps are strictly local: no network I/O happens
// here, and per-capture work is transactional so a manifest is never
// deleted without its obsolete blob being considered (and vice versa).
package retention

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
	"github.com/capfirst/capvault/internal/metrics"
)

// Config controls the retention manager.
type Config struct {
	// DerivedDir is the DERIVED zone root swept by TTL.
	DerivedDir string `mapstructure:"derived_dir" yaml:"derived_dir"`
}

// Manager runs retention sweeps.
type Manager struct {
	blobs     capture.ContentStore
	manifests capture.ManifestStore
	catalog   capture.Catalog
	locks     *capture.ZoneLocks
	clock     capture.Clock
	cfg       Config
	logger    *zap.Logger
}

// NewManager builds a retention manager over the given stores.
func NewManager(cfg Config, blobs capture.ContentStore, manifests capture.ManifestStore, cat capture.Catalog, locks *capture.ZoneLocks, clock capture.Clock, logger *zap.Logger) (*Manager, error) {
	if strings.TrimSpace(cfg.DerivedDir) == "" {
		return nil, fmt.Errorf("derived directory is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("zone locks are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		blobs:     blobs,
		manifests: manifests,
		catalog:   cat,
		locks:     locks,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Sweep applies a retention policy to one zone and reports what it did.
// The advisory zone lock is held for the duration.
func (m *Manager) Sweep(ctx context.Context, zone capture.Zone, policy capture.RetentionPolicy) (capture.SweepReport, error) {
	if policy.MaxAge <= 0 {
		return capture.SweepReport{}, fmt.Errorf("retention policy max age must be positive")
	}

	lock := m.locks.Zone(zone)
	lock.Lock()
	defer lock.Unlock()

	report := capture.SweepReport{Zone: zone, Started: m.clock.Now()}
	cutoff := report.Started.Add(-policy.MaxAge)

	var err error
	switch zone {
	case capture.ZoneDerived:
		err = m.sweepDerived(ctx, cutoff, policy.DryRun, &report)
	case capture.ZoneRaw:
		err = m.sweepRaw(ctx, cutoff, policy.DryRun, &report)
	default:
		return capture.SweepReport{}, fmt.Errorf("unknown zone %q", zone)
	}
	report.Finished = m.clock.Now()
	if err != nil {
		return report, err
	}

	m.logger.Info("sweep finished",
		zap.String("zone", string(zone)),
		zap.Bool("dry_run", policy.DryRun),
		zap.Int("entries_deleted", report.EntriesDeleted),
		zap.Int("blobs_deleted", report.BlobsDeleted),
		zap.Int("artifacts_deleted", report.ArtifactsDeleted),
		zap.Int("conflicts", report.Conflicts))
	return report, nil
}

// sweepDerived deletes artifacts older than cutoff unconditionally.
// Everything under DERIVED is regenerable from RAW.
func (m *Manager) sweepDerived(ctx context.Context, cutoff time.Time, dryRun bool, report *capture.SweepReport) error {
	return filepath.WalkDir(m.cfg.DerivedDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		report.EntriesExamined++
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if dryRun {
			report.ArtifactsDeleted++
			return nil
		}
		if err := os.Remove(path); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("remove artifact %s: %v", path, err))
			return nil
		}
		report.ArtifactsDeleted++
		metrics.ObserveRetentionDelete(string(capture.ZoneDerived), "artifact")
		return nil
	})
}

// sweepRaw expires captures older than cutoff. Per capture: catalog row
// and manifest go first, then each referenced blob is deleted only if a
// live reverse lookup across all runs finds no remaining reference.
// Still-referenced blobs are conflicts: skipped and reported, never
// deleted. A second pass collects orphan blobs no entry references.
func (m *Manager) sweepRaw(ctx context.Context, cutoff time.Time, dryRun bool, report *capture.SweepReport) error {
	entries, err := m.catalog.EntriesOlderThan(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired captures: %w", err)
	}

	for _, entry := range entries {
		report.EntriesExamined++
		if err := m.expireCapture(ctx, entry, dryRun, report); err != nil {
			report.Errors = append(report.Errors, err.Error())
		}
	}

	// Orphan pass: blobs past the window that nothing references
	// anymore, e.g. left behind by out-of-band entry deletions.
	walkErr := m.blobs.Walk(ctx, func(digest capture.Digest, _ int64, modTime time.Time) error {
		if !modTime.Before(cutoff) {
			return nil
		}
		refs, err := m.catalog.ReferenceCount(ctx, digest)
		if err != nil {
			return err
		}
		if refs > 0 {
			return nil
		}
		if dryRun {
			report.BlobsDeleted++
			return nil
		}
		if err := m.blobs.Remove(ctx, digest); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("remove orphan blob %s: %v", digest, err))
			return nil
		}
		report.BlobsDeleted++
		metrics.ObserveRetentionDelete(string(capture.ZoneRaw), "blob")
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("orphan blob pass: %w", walkErr)
	}
	return nil
}

// expireCapture removes one capture as a unit: catalog row, manifest,
// then any blobs this capture was the last reference to.
func (m *Manager) expireCapture(ctx context.Context, entry capture.CatalogEntry, dryRun bool, report *capture.SweepReport) error {
	digests := []capture.Digest{entry.ContentSHA}
	manifest, err := m.manifests.Read(ctx, entry.ManifestPath)
	if err == nil {
		for _, a := range manifest.Assets {
			digests = append(digests, a.SHA256)
		}
	} else if !errors.Is(err, capture.ErrNotFound) {
		return fmt.Errorf("read manifest %s: %v", entry.ManifestPath, err)
	}

	if dryRun {
		report.EntriesDeleted++
		for _, d := range digests {
			refs, err := m.catalog.ReferenceCount(ctx, d)
			if err != nil {
				return fmt.Errorf("count references %s: %v", d, err)
			}
			// This entry's own references still count; anything beyond
			// them would survive the delete.
			if refs <= 1 {
				report.BlobsDeleted++
			} else {
				report.Conflicts++
			}
		}
		return nil
	}

	if err := m.catalog.DeleteEntry(ctx, entry.ID); err != nil {
		return fmt.Errorf("delete catalog entry %d: %v", entry.ID, err)
	}
	if err := m.manifests.Remove(ctx, entry.ManifestPath); err != nil && !errors.Is(err, capture.ErrNotFound) {
		return fmt.Errorf("remove manifest %s: %v", entry.ManifestPath, err)
	}
	report.EntriesDeleted++
	metrics.ObserveRetentionDelete(string(capture.ZoneRaw), "manifest")

	for _, d := range digests {
		refs, err := m.catalog.ReferenceCount(ctx, d)
		if err != nil {
			return fmt.Errorf("count references %s: %v", d, err)
		}
		if refs > 0 {
			conflict := &capture.RetentionConflictError{Digest: d, References: refs}
			m.logger.Info("blob kept by live reference", zap.String("digest", string(d)), zap.Int("references", refs))
			report.Conflicts++
			report.Errors = append(report.Errors, conflict.Error())
			metrics.ObserveRetentionConflict()
			continue
		}
		if err := m.blobs.Remove(ctx, d); err != nil {
			if errors.Is(err, capture.ErrNotFound) {
				continue
			}
			return fmt.Errorf("remove blob %s: %v", d, err)
		}
		report.BlobsDeleted++
		metrics.ObserveRetentionDelete(string(capture.ZoneRaw), "blob")
	}
	return nil
}

package derive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/metrics"
)

// Config controls the derivation engine.
type Config struct {
	// BaseDir is the DERIVED zone root, typically <root>/derived.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// Concurrency bounds parallel manifest processing. Items are
	// independent; there is no inter-item ordering.
	Concurrency int `mapstructure:"concurrency" yaml:"concurrency"`
}

// Engine reads RAW content exclusively through the content store,
// never the network, so reprocessing is replay-safe.
type Engine struct {
	blobs     capture.ContentStore
	manifests capture.ManifestStore
	registry  *Registry
	clock     capture.Clock
	cfg       Config
	logger    *zap.Logger
}

// BatchReport aggregates the outcome of processing a batch. Per-item
// failures never abort the batch; they are collected here.
type BatchReport struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Failures  []string `json:"failures,omitempty"`
}

// NewEngine builds a derivation engine over the given stores.
func NewEngine(cfg Config, blobs capture.ContentStore, manifests capture.ManifestStore, registry *Registry, clock capture.Clock, logger *zap.Logger) (*Engine, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create derived root: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		blobs:     blobs,
		manifests: manifests,
		registry:  registry,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// ArtifactPath addresses an artifact by (run, processor+version, source
// hash): derived/<run_id>/<processor>/v<version>/<source_hash>.json.
// Distinct processor versions never collide, so upgrading a processor
// leaves prior-version artifacts addressable.
func (e *Engine) ArtifactPath(runID, processor string, version int, digest capture.Digest) string {
	return filepath.Join(e.cfg.BaseDir, runID, processor, fmt.Sprintf("v%d", version), string(digest)+".json")
}

// Process replays one manifest's content through one processor and
// persists the artifact. Rerunning is safe: same (content, processor,
// version) regenerates field-equal output, so the artifact file is
// simply rewritten.
func (e *Engine) Process(ctx context.Context, m capture.Manifest, p capture.Processor) (capture.Artifact, error) {
	content, err := e.blobs.Get(ctx, m.Content.SHA256)
	if err != nil {
		return capture.Artifact{}, &capture.ProcessorError{
			Processor: p.Name(), Version: p.Version(),
			URL: m.URL, Digest: m.Content.SHA256, Err: err,
		}
	}

	artifact, err := p.Transform(ctx, content, m)
	if err != nil {
		metrics.ObserveDerivation(p.Name(), "failed")
		return capture.Artifact{}, &capture.ProcessorError{
			Processor: p.Name(), Version: p.Version(),
			URL: m.URL, Digest: m.Content.SHA256, Err: err,
		}
	}

	artifact.Processor = p.Name()
	artifact.Version = p.Version()
	artifact.RunID = m.RunID
	artifact.SourceSHA = m.Content.SHA256
	artifact.SourceURL = m.URL
	artifact.ProcessedAt = e.clock.Now()

	if err := e.writeArtifact(artifact); err != nil {
		metrics.ObserveDerivation(p.Name(), "failed")
		return capture.Artifact{}, &capture.ProcessorError{
			Processor: p.Name(), Version: p.Version(),
			URL: m.URL, Digest: m.Content.SHA256, Err: err,
		}
	}
	metrics.ObserveDerivation(p.Name(), "succeeded")
	return artifact, nil
}

func (e *Engine) writeArtifact(a capture.Artifact) error {
	path := e.ArtifactPath(a.RunID, a.Processor, a.Version, a.SourceSHA)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}

// LoadArtifact reads a previously derived artifact back.
func (e *Engine) LoadArtifact(runID, processor string, version int, digest capture.Digest) (capture.Artifact, error) {
	path := e.ArtifactPath(runID, processor, version, digest)
	data, err := os.ReadFile(path) // #nosec G304 -- path is engine-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return capture.Artifact{}, fmt.Errorf("artifact %s: %w", path, capture.ErrNotFound)
		}
		return capture.Artifact{}, fmt.Errorf("read artifact: %w", err)
	}
	var a capture.Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return capture.Artifact{}, fmt.Errorf("unmarshal artifact %s: %w", path, err)
	}
	return a, nil
}

// ProcessEntries replays every catalog entry through all processors the
// registry dispatches for its content type. Work is parallel across
// manifests; per-item processor failures are logged with their
// (manifest, processor, version) context and reported in aggregate.
func (e *Engine) ProcessEntries(ctx context.Context, entries []capture.CatalogEntry) (BatchReport, error) {
	var (
		mu     sync.Mutex
		report BatchReport
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, entry := range entries {
		g.Go(func() error {
			m, err := e.manifests.Read(gctx, entry.ManifestPath)
			if err != nil {
				mu.Lock()
				report.Processed++
				report.Failed++
				report.Failures = append(report.Failures, fmt.Sprintf("read %s: %v", entry.ManifestPath, err))
				mu.Unlock()
				return nil
			}

			content, err := e.blobs.Get(gctx, m.Content.SHA256)
			if err != nil {
				mu.Lock()
				report.Processed++
				report.Failed++
				report.Failures = append(report.Failures, fmt.Sprintf("content %s: %v", m.Content.SHA256, err))
				mu.Unlock()
				return nil
			}

			processors := e.registry.For(m.Content.ContentType, content)
			if len(processors) == 0 {
				mu.Lock()
				report.Processed++
				report.Skipped++
				mu.Unlock()
				return nil
			}

			itemFailed := false
			for _, p := range processors {
				if _, err := e.Process(gctx, m, p); err != nil {
					itemFailed = true
					e.logger.Warn("processor failed",
						zap.String("processor", p.Name()),
						zap.Int("version", p.Version()),
						zap.String("manifest", entry.ManifestPath),
						zap.Error(err))
					mu.Lock()
					report.Failures = append(report.Failures, err.Error())
					mu.Unlock()
				}
			}

			mu.Lock()
			report.Processed++
			if itemFailed {
				report.Failed++
			} else {
				report.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("process batch: %w", err)
	}
	return report, nil
}

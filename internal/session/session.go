// Package session orchestrates the single-touch capture cycle:
// fetch result in, blobs then manifest then catalog row out, in that
// order, so the catalog never points at a missing manifest or blob.
package session

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/hash/sha256"
	"github.com/capfirst/capvault/internal/metrics"
)

// redactedHeaders are request/response headers whose values are never
// persisted. The header name is kept with a placeholder value so the
// record shows the header was present.
var redactedHeaders = map[string]struct{}{
	"Authorization":       {},
	"Proxy-Authorization": {},
	"Cookie":              {},
	"Set-Cookie":          {},
	"X-Api-Key":           {},
	"X-Auth-Token":        {},
}

// Config controls session behavior.
type Config struct {
	// Tool is recorded in every manifest as provenance.
	Tool capture.ToolInfo
}

// Session records captures for one run. Methods are safe for
// concurrent use; many sessions may share one content store and
// catalog.
type Session struct {
	blobs     capture.ContentStore
	manifests capture.ManifestStore
	catalog   capture.Catalog
	locks     *capture.ZoneLocks
	clock     capture.Clock
	cfg       Config
	logger    *zap.Logger

	run capture.Run

	mu       sync.Mutex
	inflight sync.WaitGroup
	counters capture.RunCounters
	done     bool
}

// Start opens a new run and returns a session bound to it.
func Start(
	ctx context.Context,
	name string,
	blobs capture.ContentStore,
	manifests capture.ManifestStore,
	cat capture.Catalog,
	locks *capture.ZoneLocks,
	clock capture.Clock,
	ids capture.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Session, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("run name is required")
	}
	if locks == nil {
		return nil, fmt.Errorf("zone locks are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	run := capture.Run{
		ID:      id,
		Name:    name,
		Status:  capture.RunStatusRunning,
		Started: clock.Now(),
	}
	if err := cat.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	logger.Info("run started", zap.String("run_id", id), zap.String("name", name))
	return &Session{
		blobs:     blobs,
		manifests: manifests,
		catalog:   cat,
		locks:     locks,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("run_id", id)),
		run:       run,
	}, nil
}

// Run returns the run this session is recording into.
func (s *Session) Run() capture.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := s.run
	run.Counters = s.counters
	return run
}

// Capture durably records one completed fetch. The response bytes were
// read from the network exactly once by the external fetcher; all
// persistence here works from memory. Failed and cancelled fetches are
// recorded too: the absence of a successful fetch is auditable data,
// not a silent gap.
func (s *Session) Capture(ctx context.Context, res capture.FetchResult) (capture.Manifest, string, error) {
	if err := s.begin(); err != nil {
		return capture.Manifest{}, "", err
	}
	defer s.inflight.Done()

	m, path, err := s.persist(ctx, res, capture.OriginNative, nil)
	s.account(m, err)
	return m, path, err
}

// CaptureMigrated records a best-effort manifest synthesized from a
// legacy system, tagged with its source provenance. It flows through
// the same write path as native captures so every CAS and catalog
// invariant holds for migrated data.
func (s *Session) CaptureMigrated(ctx context.Context, res capture.FetchResult, info capture.MigrationInfo) (capture.Manifest, string, error) {
	if err := s.begin(); err != nil {
		return capture.Manifest{}, "", err
	}
	defer s.inflight.Done()

	m, path, err := s.persist(ctx, res, capture.OriginMigrated, &info)
	s.account(m, err)
	return m, path, err
}

// begin registers an in-flight capture. It fails once the run is
// finalized, and Finalize waits for everything registered here, so a
// capture is never half-committed across the run boundary.
func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("run %s is finalized", s.run.ID)
	}
	s.inflight.Add(1)
	return nil
}

func (s *Session) account(m capture.Manifest, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.counters.CapturesFailed++
	case m.Error == "" && m.Status >= 200 && m.Status < 400:
		s.counters.CapturesSucceeded++
	default:
		s.counters.CapturesFailed++
	}
}

// putCounted stores a blob and tracks whether the run wrote it fresh or
// found it already deduplicated in the store.
func (s *Session) putCounted(ctx context.Context, data []byte) (capture.Digest, error) {
	digest := sha256.Sum(data)
	existed, err := s.blobs.Has(ctx, digest)
	if err != nil {
		return "", err
	}
	if _, err := s.blobs.Put(ctx, data); err != nil {
		return "", err
	}
	s.mu.Lock()
	if existed {
		s.counters.BlobsDeduplicated++
	} else {
		s.counters.BlobsWritten++
	}
	s.mu.Unlock()
	return digest, nil
}

// persist enforces the write ordering guarantee: primary blob, then
// asset blobs, then manifest, then catalog record.
func (s *Session) persist(ctx context.Context, res capture.FetchResult, origin capture.Origin, info *capture.MigrationInfo) (capture.Manifest, string, error) {
	// Hold the RAW read-side so a concurrent sweep cannot delete a
	// blob between our dedup no-op and the catalog commit.
	rawLock := s.locks.Zone(capture.ZoneRaw)
	rawLock.RLock()
	defer rawLock.RUnlock()

	digest, err := s.putCounted(ctx, res.Body)
	if err != nil {
		metrics.ObserveCapture("error", string(origin))
		return capture.Manifest{}, "", fmt.Errorf("store content: %w", err)
	}

	assets := make([]capture.AssetRef, 0, len(res.Assets))
	for _, a := range res.Assets {
		ad, err := s.putCounted(ctx, a.Body)
		if err != nil {
			metrics.ObserveCapture("error", string(origin))
			return capture.Manifest{}, "", fmt.Errorf("store asset %s: %w", a.URL, err)
		}
		assets = append(assets, capture.AssetRef{
			URL:           a.URL,
			SHA256:        ad,
			Size:          int64(len(a.Body)),
			ContentType:   a.ContentType,
			DiscoveredVia: a.DiscoveredVia,
		})
	}

	finalURL := res.FinalURL
	if finalURL == "" {
		finalURL = res.URL
	}
	m := capture.Manifest{
		SchemaVersion:   capture.ManifestSchemaVersion,
		RunID:           s.run.ID,
		URL:             res.URL,
		FinalURL:        finalURL,
		Status:          res.StatusCode,
		Error:           res.Error,
		RequestHeaders:  redact(res.RequestHeaders),
		ResponseHeaders: redact(res.ResponseHeaders),
		Content: capture.ContentRef{
			SHA256:      digest,
			Size:        int64(len(res.Body)),
			ContentType: res.ContentType,
		},
		Assets:     assets,
		FetchStart: res.Start,
		FetchEnd:   res.End,
		Tool:       s.cfg.Tool,
		Origin:     origin,
		Migration:  info,
	}
	if m.FetchStart.IsZero() {
		m.FetchStart = s.clock.Now()
	}
	if m.FetchEnd.IsZero() {
		m.FetchEnd = m.FetchStart
	}

	path, err := s.manifests.Write(ctx, m)
	if err != nil {
		metrics.ObserveCapture("error", string(origin))
		return capture.Manifest{}, "", fmt.Errorf("write manifest: %w", err)
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
		Origin:       origin,
		Error:        m.Error,
	}
	if _, err := s.catalog.Record(ctx, entry, assets); err != nil {
		metrics.ObserveCapture("error", string(origin))
		return capture.Manifest{}, "", fmt.Errorf("catalog capture: %w", err)
	}

	outcome := "failed"
	if m.Error == "" && m.Status >= 200 && m.Status < 400 {
		outcome = "succeeded"
	}
	metrics.ObserveCapture(outcome, string(origin))
	s.logger.Debug("capture recorded",
		zap.String("url", m.URL),
		zap.Int("status", m.Status),
		zap.String("digest", string(digest)),
		zap.String("manifest", path))
	return m, path, nil
}

// Finalize closes the run, persisting aggregate counters. A run with
// failures and no successes finishes failed; anything else completes.
func (s *Session) Finalize(ctx context.Context) (capture.Run, error) {
	s.mu.Lock()
	if s.done {
		run := s.run
		s.mu.Unlock()
		return run, nil
	}
	s.done = true
	s.mu.Unlock()

	// New captures are refused above; wait out the ones already started
	// so their counters and catalog rows land inside this run.
	s.inflight.Wait()

	s.mu.Lock()
	counters := s.counters
	s.mu.Unlock()

	status := capture.RunStatusCompleted
	if counters.CapturesSucceeded == 0 && counters.CapturesFailed > 0 {
		status = capture.RunStatusFailed
	}
	finished := s.clock.Now()
	if err := s.catalog.FinalizeRun(ctx, s.run.ID, status, counters, finished); err != nil {
		return capture.Run{}, fmt.Errorf("finalize run: %w", err)
	}

	s.mu.Lock()
	s.run.Status = status
	s.run.Counters = counters
	s.run.Finished = &finished
	run := s.run
	s.mu.Unlock()

	s.logger.Info("run finalized",
		zap.String("status", string(status)),
		zap.Int("succeeded", counters.CapturesSucceeded),
		zap.Int("failed", counters.CapturesFailed))
	return run, nil
}

// redact copies headers, masking values of sensitive keys.
func redact(h http.Header) map[string][]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, values := range h {
		canonical := http.CanonicalHeaderKey(k)
		if _, sensitive := redactedHeaders[canonical]; sensitive {
			out[canonical] = []string{"REDACTED"}
			continue
		}
		out[canonical] = append([]string(nil), values...)
	}
	return out
}

package capture

import (
	"context"
	"time"
)

// ContentStore is immutable blob storage keyed by content digest.
// Put is idempotent and deduplicating; stored bytes are never mutated
// in place.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (Digest, error)
	Get(ctx context.Context, digest Digest) ([]byte, error)
	Has(ctx context.Context, digest Digest) (bool, error)
	// Remove deletes a blob. Reserved for retention sweeps.
	Remove(ctx context.Context, digest Digest) error
	// Walk visits every stored blob with its digest and modification time.
	Walk(ctx context.Context, fn func(digest Digest, size int64, modTime time.Time) error) error
}

// ManifestStore persists immutable per-capture manifests.
type ManifestStore interface {
	Write(ctx context.Context, m Manifest) (string, error)
	Read(ctx context.Context, path string) (Manifest, error)
	// Remove deletes a manifest file. Reserved for retention sweeps.
	Remove(ctx context.Context, path string) error
	// Walk visits every manifest under the RAW zone. Unparseable files
	// are reported through readErr rather than stopping the walk, so
	// rebuild and verify can count corruption instead of failing fast.
	Walk(ctx context.Context, fn func(path string, m Manifest, readErr error) error) error
}

// Catalog is the queryable secondary index over manifests. It is a
// derived structure: it must be fully reconstructable by rescanning
// RAW manifests.
type Catalog interface {
	StartRun(ctx context.Context, run Run) error
	FinalizeRun(ctx context.Context, runID string, status RunStatus, counters RunCounters, finished time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
	// EnsureRun inserts a placeholder run row if none exists; rebuild
	// uses it when run metadata was lost with the index.
	EnsureRun(ctx context.Context, runID string, startedAt time.Time) error

	Record(ctx context.Context, entry CatalogEntry, assets []AssetRef) (int64, error)
	FindByURL(ctx context.Context, url string) ([]CatalogEntry, error)
	FindByHash(ctx context.Context, digest Digest) ([]CatalogEntry, error)
	ListRun(ctx context.Context, runID string) ([]CatalogEntry, error)
	// EntriesOlderThan returns captures whose timestamp precedes cutoff.
	EntriesOlderThan(ctx context.Context, cutoff time.Time) ([]CatalogEntry, error)
	// ReferenceCount reports live references to a digest (primary
	// content plus asset edges) across all runs, computed at call time.
	ReferenceCount(ctx context.Context, digest Digest) (int, error)
	// DeleteEntry removes one capture row and its asset edges.
	// Reserved for retention sweeps.
	DeleteEntry(ctx context.Context, id int64) error
	// Reset drops all derived rows ahead of a rebuild.
	Reset(ctx context.Context) error

	Close() error
}

// Processor transforms RAW content into a derived artifact. Processors
// declare a name, a version, and the media types they accept; upgrading
// a processor's version never invalidates artifacts from prior versions.
type Processor interface {
	Name() string
	Version() int
	Accepts(mediaType string) bool
	Transform(ctx context.Context, content []byte, m Manifest) (Artifact, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Package capture defines core types shared across subsystems.
package capture

import (
	"net/http"
	"time"
)

// ManifestSchemaVersion is the schema version written by this build.
// Version 1 carried migration provenance as an optional migrated_from
// string; version 2 models it as a tagged Origin variant.
const ManifestSchemaVersion = 2

// Digest is a lowercase hex SHA-256 content digest.
type Digest string

// RunStatus represents the lifecycle state of a capture run.
type RunStatus string

// Run status values persisted in the catalog.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Origin distinguishes a native capture from a best-effort migrated record.
type Origin string

// Capture origin values.
const (
	OriginNative   Origin = "native"
	OriginMigrated Origin = "migrated"
)

// Run represents a named batch of captures sharing an identifier.
// Runs are created at session start, finalized at session end, and
// never deleted; only their captures may expire.
type Run struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Status   RunStatus   `json:"status"`
	Started  time.Time   `json:"started_at"`
	Finished *time.Time  `json:"finished_at,omitempty"`
	Counters RunCounters `json:"counters"`
}

// RunCounters tracks aggregate capture stats per run.
type RunCounters struct {
	CapturesSucceeded int `json:"captures_succeeded"`
	CapturesFailed    int `json:"captures_failed"`
	BlobsWritten      int `json:"blobs_written"`
	BlobsDeduplicated int `json:"blobs_deduplicated"`
}

// ToolInfo records the provenance of the software that produced a capture.
type ToolInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MigrationInfo carries source provenance for records ingested from a
// legacy system. Present only when Origin is OriginMigrated.
type MigrationInfo struct {
	SourceSystem string    `json:"source_system"`
	SourceTable  string    `json:"source_table"`
	SourceKey    string    `json:"source_key"`
	MigratedAt   time.Time `json:"migrated_at"`
}

// ContentRef points at a stored blob by digest.
type ContentRef struct {
	SHA256      Digest `json:"sha256"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// AssetRef is a directed edge from a manifest to a referenced blob
// (image, script, stylesheet), tagged with how it was discovered.
type AssetRef struct {
	URL           string `json:"url"`
	SHA256        Digest `json:"sha256"`
	Size          int64  `json:"size"`
	ContentType   string `json:"content_type,omitempty"`
	DiscoveredVia string `json:"discovered_via"`
}

// Manifest is the immutable per-capture metadata record. One manifest
// exists per (url, run, timestamp) fetch attempt; corrections are new
// manifests, never edits.
type Manifest struct {
	SchemaVersion   int                 `json:"schema_version"`
	RunID           string              `json:"run_id"`
	URL             string              `json:"url"`
	FinalURL        string              `json:"final_url"`
	Status          int                 `json:"status"`
	Error           string              `json:"error,omitempty"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	Content         ContentRef          `json:"content"`
	Assets          []AssetRef          `json:"assets,omitempty"`
	FetchStart      time.Time           `json:"fetch_start"`
	FetchEnd        time.Time           `json:"fetch_end"`
	Tool            ToolInfo            `json:"tool"`
	Origin          Origin              `json:"origin"`
	Migration       *MigrationInfo      `json:"migration,omitempty"`
}

// FetchedAsset is a sub-resource delivered alongside the primary body.
type FetchedAsset struct {
	URL           string
	Body          []byte
	ContentType   string
	DiscoveredVia string
}

// FetchResult is a completed HTTP response handed in by an external
// fetcher. The core never performs fetching itself; all persistence
// happens from these in-memory bytes so the network is read exactly once.
type FetchResult struct {
	URL             string
	FinalURL        string
	StatusCode      int
	RequestHeaders  http.Header
	ResponseHeaders http.Header
	Body            []byte
	ContentType     string
	Assets          []FetchedAsset
	Start           time.Time
	End             time.Time

	// Error is set when the fetch itself failed (timeout, DNS,
	// cancellation). A failed fetch is still captured: absence of a
	// successful response is retained, auditable data.
	Error string
}

// CatalogEntry is the indexed projection of a manifest. Its content
// digest must always resolve to an existing blob.
type CatalogEntry struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	URL          string    `json:"url"`
	FinalURL     string    `json:"final_url"`
	Status       int       `json:"status"`
	ContentSHA   Digest    `json:"content_sha256"`
	ContentSize  int64     `json:"content_size"`
	ContentType  string    `json:"content_type,omitempty"`
	ManifestPath string    `json:"manifest_path"`
	CapturedAt   time.Time `json:"captured_at"`
	Origin       Origin    `json:"origin"`
	Error        string    `json:"error,omitempty"`
}

// Artifact is the output of running one versioned processor over one
// manifest's content. Artifacts are purgeable and regenerable: the same
// (content, processor, version) must regenerate field-equal output,
// excluding ProcessedAt.
type Artifact struct {
	Processor   string    `json:"processor"`
	Version     int       `json:"version"`
	RunID       string    `json:"run_id"`
	SourceSHA   Digest    `json:"source_sha256"`
	SourceURL   string    `json:"source_url"`
	MediaType   string    `json:"media_type"`
	Data        []byte    `json:"data"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Zone names a storage lifecycle zone for retention sweeps.
type Zone string

// Storage zones.
const (
	ZoneRaw     Zone = "raw"
	ZoneDerived Zone = "derived"
)

// RetentionPolicy controls what a sweep may delete.
type RetentionPolicy struct {
	// MaxAge is the retention window; objects older than Now-MaxAge
	// are candidates for deletion.
	MaxAge time.Duration
	// DryRun reports what would be deleted without deleting.
	DryRun bool
}

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Zone             Zone      `json:"zone"`
	Started          time.Time `json:"started_at"`
	Finished         time.Time `json:"finished_at"`
	EntriesExamined  int       `json:"entries_examined"`
	EntriesDeleted   int       `json:"entries_deleted"`
	BlobsDeleted     int       `json:"blobs_deleted"`
	ArtifactsDeleted int       `json:"artifacts_deleted"`
	Conflicts        int       `json:"conflicts"`
	Errors           []string  `json:"errors,omitempty"`
}

// IntegrityReport is the structured result of a verify or rebuild pass.
// Operators triage at scale from counts rather than a fail-fast error.
type IntegrityReport struct {
	ManifestsScanned int      `json:"manifests_scanned"`
	Valid            int      `json:"valid"`
	Corrupt          int      `json:"corrupt"`
	Orphaned         int      `json:"orphaned"`
	BlobsScanned     int      `json:"blobs_scanned"`
	BlobsCorrupt     int      `json:"blobs_corrupt"`
	Problems         []string `json:"problems,omitempty"`
}

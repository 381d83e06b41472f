package capture

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates a requested blob or record does not exist.
var ErrNotFound = errors.New("not found")

// IntegrityError reports a hash mismatch on read: the bytes stored
// under a digest no longer hash to that digest. This signals loss of
// the evidentiary record and must never be silently swallowed.
type IntegrityError struct {
	Digest Digest
	Actual Digest
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("content integrity violation: stored %s, rehashed %s", e.Digest, e.Actual)
}

// CorruptManifestError reports a manifest file that cannot be parsed.
type CorruptManifestError struct {
	Path string
	Err  error
}

func (e *CorruptManifestError) Error() string {
	return fmt.Sprintf("corrupt manifest %s: %v", e.Path, e.Err)
}

func (e *CorruptManifestError) Unwrap() error { return e.Err }

// ReferentialError reports a dangling reference: a manifest or catalog
// entry points at a content digest missing from the store.
type ReferentialError struct {
	ManifestPath string
	Digest       Digest
}

func (e *ReferentialError) Error() string {
	return fmt.Sprintf("manifest %s references missing content %s", e.ManifestPath, e.Digest)
}

// RetentionConflictError reports that a sweep would have deleted a blob
// still referenced by a live catalog entry. The blob is skipped, never
// deleted.
type RetentionConflictError struct {
	Digest     Digest
	References int
}

func (e *RetentionConflictError) Error() string {
	return fmt.Sprintf("blob %s still referenced by %d catalog entries", e.Digest, e.References)
}

// ProcessorError wraps a per-item processor failure with enough context
// to triage (manifest, processor, version). Caught and aggregated by the
// derivation engine; never aborts a batch.
type ProcessorError struct {
	Processor string
	Version   int
	URL       string
	Digest    Digest
	Err       error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s v%d failed on %s (%s): %v", e.Processor, e.Version, e.URL, e.Digest, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

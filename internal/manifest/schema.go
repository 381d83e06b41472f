package manifest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/capfirst/capvault/internal/capture"
)

// versionProbe peeks at the schema version before a full decode.
type versionProbe struct {
	SchemaVersion int `json:"schema_version"`
}

// manifestV1 is the legacy on-disk shape. It carried migration
// provenance as a single optional migrated_from string instead of the
// tagged origin variant used by the current schema.
type manifestV1 struct {
	SchemaVersion   int                 `json:"schema_version"`
	RunID           string              `json:"run_id"`
	URL             string              `json:"url"`
	FinalURL        string              `json:"final_url"`
	Status          int                 `json:"status"`
	Error           string              `json:"error,omitempty"`
	RequestHeaders  map[string][]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	Content         capture.ContentRef  `json:"content"`
	Assets          []capture.AssetRef  `json:"assets,omitempty"`
	FetchStart      time.Time           `json:"fetch_start"`
	FetchEnd        time.Time           `json:"fetch_end"`
	Tool            capture.ToolInfo    `json:"tool"`
	MigratedFrom    string              `json:"migrated_from,omitempty"`
}

// decode parses raw manifest bytes at any supported schema version and
// returns a manifest upgraded to the current version.
func decode(path string, data []byte) (capture.Manifest, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return capture.Manifest{}, &capture.CorruptManifestError{Path: path, Err: err}
	}

	switch probe.SchemaVersion {
	case 0:
		return capture.Manifest{}, &capture.CorruptManifestError{
			Path: path,
			Err:  fmt.Errorf("missing schema_version"),
		}
	case 1:
		return decodeV1(path, data)
	case capture.ManifestSchemaVersion:
		var m capture.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return capture.Manifest{}, &capture.CorruptManifestError{Path: path, Err: err}
		}
		return m, nil
	default:
		return capture.Manifest{}, &capture.CorruptManifestError{
			Path: path,
			Err:  fmt.Errorf("unsupported schema_version %d", probe.SchemaVersion),
		}
	}
}

// decodeV1 upgrades a v1 manifest in memory. The optional migrated_from
// string becomes the explicit origin variant; its value is preserved as
// the source system name. On-disk files stay at v1 because manifests
// are immutable, so the upgrade happens on every read.
func decodeV1(path string, data []byte) (capture.Manifest, error) {
	var v1 manifestV1
	if err := json.Unmarshal(data, &v1); err != nil {
		return capture.Manifest{}, &capture.CorruptManifestError{Path: path, Err: err}
	}

	m := capture.Manifest{
		SchemaVersion:   capture.ManifestSchemaVersion,
		RunID:           v1.RunID,
		URL:             v1.URL,
		FinalURL:        v1.FinalURL,
		Status:          v1.Status,
		Error:           v1.Error,
		RequestHeaders:  v1.RequestHeaders,
		ResponseHeaders: v1.ResponseHeaders,
		Content:         v1.Content,
		Assets:          v1.Assets,
		FetchStart:      v1.FetchStart,
		FetchEnd:        v1.FetchEnd,
		Tool:            v1.Tool,
		Origin:          capture.OriginNative,
	}
	if v1.MigratedFrom != "" {
		m.Origin = capture.OriginMigrated
		m.Migration = &capture.MigrationInfo{
			SourceSystem: v1.MigratedFrom,
			MigratedAt:   v1.FetchEnd,
		}
	}
	return m, nil
}

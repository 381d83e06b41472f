// Package derive replays RAW content through versioned processors to
// produce purgeable, regenerable artifacts in the DERIVED zone.
package derive

import (
	"mime"
	"net/http"
	"strings"

	"github.com/capfirst/capvault/internal/capture"
)

// Registry dispatches processors by media type. Registration order is
// the fallback ordering: when several processors accept a type, all run
// independently, in the order they were registered.
type Registry struct {
	processors []capture.Processor
}

// NewRegistry builds a registry from the given processors.
func NewRegistry(processors ...capture.Processor) *Registry {
	r := &Registry{}
	for _, p := range processors {
		r.Register(p)
	}
	return r
}

// Register appends a processor to the dispatch order.
func (r *Registry) Register(p capture.Processor) {
	r.processors = append(r.processors, p)
}

// All returns every registered processor in dispatch order.
func (r *Registry) All() []capture.Processor {
	return append([]capture.Processor(nil), r.processors...)
}

// Find returns the registered processor with the given name, or nil.
func (r *Registry) Find(name string) capture.Processor {
	for _, p := range r.processors {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// For returns the processors that accept the given content. The media
// type is taken from the declared content type; when that is absent or
// unparseable the content is sniffed as a fallback.
func (r *Registry) For(declared string, content []byte) []capture.Processor {
	mediaType := ResolveMediaType(declared, content)
	var out []capture.Processor
	for _, p := range r.processors {
		if p.Accepts(mediaType) {
			out = append(out, p)
		}
	}
	return out
}

// ResolveMediaType normalizes a declared content type, sniffing the
// content when the declaration is missing or malformed.
func ResolveMediaType(declared string, content []byte) string {
	if declared != "" {
		if mt, _, err := mime.ParseMediaType(declared); err == nil {
			return mt
		}
	}
	if len(content) == 0 {
		return ""
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(content))
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

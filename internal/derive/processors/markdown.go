package processors

import (
	"context"
	"encoding/json"
	"fmt"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/capfirst/capvault/internal/capture"
)

// MarkdownExporter renders captured HTML as Markdown. It backs the
// export surface: readable output regenerated on demand from RAW bytes.
type MarkdownExporter struct{}

// NewMarkdownExporter returns the markdown export processor.
func NewMarkdownExporter() *MarkdownExporter {
	return &MarkdownExporter{}
}

// Name implements capture.Processor.
func (*MarkdownExporter) Name() string { return "markdown" }

// Version implements capture.Processor.
func (*MarkdownExporter) Version() int { return 1 }

// Accepts implements capture.Processor.
func (*MarkdownExporter) Accepts(mediaType string) bool {
	return mediaType == "text/html"
}

type markdownPayload struct {
	Markdown string `json:"markdown"`
}

// Transform implements capture.Processor.
func (p *MarkdownExporter) Transform(_ context.Context, content []byte, _ capture.Manifest) (capture.Artifact, error) {
	md, err := htmltomarkdown.ConvertString(string(content))
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("convert to markdown: %w", err)
	}
	data, err := json.Marshal(markdownPayload{Markdown: md})
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("marshal markdown payload: %w", err)
	}
	return capture.Artifact{MediaType: "application/json", Data: data}, nil
}

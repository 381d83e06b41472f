// Package processors implements the built-in derivation processors.
// Each processor is independently versioned; bumping a version changes
// the artifact address, never invalidating prior-version output.
package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/net/html"

	"github.com/capfirst/capvault/internal/capture"
)

// TextExtractor pulls visible text out of HTML (or passes plain text
// through) and reports a word count.
type TextExtractor struct{}

// NewTextExtractor returns the text extraction processor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// Name implements capture.Processor.
func (*TextExtractor) Name() string { return "text" }

// Version implements capture.Processor.
func (*TextExtractor) Version() int { return 1 }

// Accepts implements capture.Processor.
func (*TextExtractor) Accepts(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "text/plain"
}

type textPayload struct {
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// Transform implements capture.Processor.
func (p *TextExtractor) Transform(_ context.Context, content []byte, m capture.Manifest) (capture.Artifact, error) {
	var text string
	if strings.HasPrefix(m.Content.ContentType, "text/plain") {
		text = string(content)
	} else {
		extracted, err := extractText(content)
		if err != nil {
			return capture.Artifact{}, fmt.Errorf("extract text: %w", err)
		}
		text = extracted
	}

	data, err := json.Marshal(textPayload{
		Text:      text,
		WordCount: len(strings.Fields(text)),
	})
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("marshal text payload: %w", err)
	}
	return capture.Artifact{MediaType: "application/json", Data: data}, nil
}

// extractText walks the HTML tokenizer output, keeping text nodes and
// skipping script/style subtrees. Walk order is document order, so the
// output is deterministic for a given input.
func extractText(content []byte) (string, error) {
	tokenizer := html.NewTokenizer(bytes.NewReader(content))
	var (
		sb   strings.Builder
		skip int
	)
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOF is the normal end; the tokenizer is tolerant of
			// malformed HTML otherwise.
			return strings.Join(strings.Fields(sb.String()), " "), nil
		case html.StartTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" || tag == "noscript" {
				skip++
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if tag := string(name); tag == "script" || tag == "style" || tag == "noscript" {
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				sb.Write(tokenizer.Text())
				sb.WriteByte(' ')
			}
		}
	}
}

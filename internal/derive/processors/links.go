package processors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/capfirst/capvault/internal/capture"
)

// LinkExtractor collects outbound links and sub-resource references
// from HTML, resolved against the capture's final URL.
type LinkExtractor struct{}

// NewLinkExtractor returns the link extraction processor.
func NewLinkExtractor() *LinkExtractor {
	return &LinkExtractor{}
}

// Name implements capture.Processor.
func (*LinkExtractor) Name() string { return "links" }

// Version implements capture.Processor.
func (*LinkExtractor) Version() int { return 1 }

// Accepts implements capture.Processor.
func (*LinkExtractor) Accepts(mediaType string) bool {
	return mediaType == "text/html"
}

// Link is one extracted reference.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
	Kind string `json:"kind"`
}

type linksPayload struct {
	Links []Link `json:"links"`
}

// Transform implements capture.Processor.
func (p *LinkExtractor) Transform(_ context.Context, content []byte, m capture.Manifest) (capture.Artifact, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("parse html: %w", err)
	}

	base, _ := url.Parse(m.FinalURL)
	resolve := func(ref string) string {
		ref = strings.TrimSpace(ref)
		if ref == "" || base == nil {
			return ref
		}
		u, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return base.ResolveReference(u).String()
	}

	payload := linksPayload{Links: []Link{}}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		payload.Links = append(payload.Links, Link{
			Href: resolve(href),
			Text: strings.TrimSpace(sel.Text()),
			Kind: "anchor",
		})
	})
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		payload.Links = append(payload.Links, Link{Href: resolve(src), Kind: "image"})
	})
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		payload.Links = append(payload.Links, Link{Href: resolve(src), Kind: "script"})
	})
	doc.Find(`link[rel="stylesheet"][href]`).Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		payload.Links = append(payload.Links, Link{Href: resolve(href), Kind: "stylesheet"})
	})

	data, err := json.Marshal(payload)
	if err != nil {
		return capture.Artifact{}, fmt.Errorf("marshal links payload: %w", err)
	}
	return capture.Artifact{MediaType: "application/json", Data: data}, nil
}

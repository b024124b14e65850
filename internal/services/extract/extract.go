// Package extract pulls text and structure out of uploaded source documents.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"scenarioforge/internal/services"
)

// Document is the normalized form handed to the generation stages.
type Document struct {
	Text       string
	SizeBytes  int64
	PageCount  int
	ImageRefs  []string
	SourceName string
}

// Extractor converts a source file into a Document.
type Extractor interface {
	// Supports reports whether the extractor handles the file extension
	// (lowercase, including the leading dot).
	Supports(extension string) bool

	// Extract reads the file at path and produces a Document.
	Extract(ctx context.Context, path string) (*Document, error)
}

// SupportedExtensions lists the file types accepted at submission.
func SupportedExtensions() []string {
	return []string{".txt", ".md", ".markdown", ".rst", ".html", ".htm"}
}

// IsSupported reports whether the filename's extension can be processed.
func IsSupported(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, supported := range SupportedExtensions() {
		if ext == supported {
			return true
		}
	}
	return false
}

// PlainText extracts text documents. Markup formats are passed through as-is
// since the generation model handles them directly.
type PlainText struct {
	// BytesPerPage converts file size into an approximate page count.
	BytesPerPage int64
}

// NewPlainText builds the default text extractor.
func NewPlainText(bytesPerPage int64) *PlainText {
	if bytesPerPage <= 0 {
		bytesPerPage = 50 * 1024
	}
	return &PlainText{BytesPerPage: bytesPerPage}
}

// Supports implements Extractor.
func (p *PlainText) Supports(extension string) bool {
	for _, supported := range SupportedExtensions() {
		if extension == supported {
			return true
		}
	}
	return false
}

// Extract implements Extractor.
func (p *PlainText) Extract(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !p.Supports(ext) {
		return nil, services.Wrap(services.ErrValidation, "extract", "read_source",
			fmt.Sprintf("unsupported document type %q", ext), nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrFatal, "extract", "read_source", "source file missing", err)
		}
		return nil, services.Wrap(services.ErrTransient, "extract", "read_source", "read source file", err)
	}
	if !utf8.Valid(data) {
		return nil, services.Wrap(services.ErrValidation, "extract", "read_source", "source is not valid UTF-8 text", nil)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, services.Wrap(services.ErrValidation, "extract", "read_source", "source document is empty", nil)
	}

	return &Document{
		Text:       text,
		SizeBytes:  int64(len(data)),
		PageCount:  EstimatePages(int64(len(data)), p.BytesPerPage),
		ImageRefs:  findImageRefs(text),
		SourceName: filepath.Base(path),
	}, nil
}

// EstimatePages derives a page count from file size, never less than one.
func EstimatePages(sizeBytes, bytesPerPage int64) int {
	if bytesPerPage <= 0 {
		bytesPerPage = 50 * 1024
	}
	if sizeBytes <= 0 {
		return 1
	}
	pages := int((sizeBytes + bytesPerPage - 1) / bytesPerPage)
	if pages < 1 {
		pages = 1
	}
	return pages
}

// findImageRefs collects markdown and HTML image references so the analysis
// stage knows whether the document carries figures.
func findImageRefs(text string) []string {
	var refs []string
	seen := map[string]struct{}{}
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return
		}
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}

	rest := text
	for {
		start := strings.Index(rest, "![")
		if start < 0 {
			break
		}
		rest = rest[start+2:]
		open := strings.Index(rest, "](")
		if open < 0 {
			break
		}
		tail := rest[open+2:]
		closing := strings.Index(tail, ")")
		if closing < 0 {
			break
		}
		add(tail[:closing])
		rest = tail[closing+1:]
	}

	rest = text
	for {
		start := strings.Index(rest, `<img`)
		if start < 0 {
			break
		}
		rest = rest[start:]
		srcIdx := strings.Index(rest, `src="`)
		if srcIdx < 0 {
			break
		}
		tail := rest[srcIdx+5:]
		closing := strings.Index(tail, `"`)
		if closing < 0 {
			break
		}
		add(tail[:closing])
		rest = tail[closing+1:]
	}

	return refs
}

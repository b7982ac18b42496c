// Package render owns the rendering engine bootstrap. The engine parses
// document bytes into a handle the viewer can page through; it needs a
// worker script configured once before first use. Configuration is an
// explicit step that yields a Renderer handle rather than ambient global
// state.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
)

var (
	// ErrRendererUnavailable is returned when no worker source could be
	// configured. Callers fall back to offering the document as a download.
	ErrRendererUnavailable = errors.New("render: no worker source available")

	// ErrWorkerNotConfigured is returned by Parse before ConfigureWorker.
	ErrWorkerNotConfigured = errors.New("render: worker not configured")

	// ErrMissingHeader is returned for bytes that do not start a PDF.
	ErrMissingHeader = errors.New("invalid document: missing %PDF- header")

	// ErrTruncated is returned when the end-of-file marker is missing.
	ErrTruncated = errors.New("malformed document: missing %%EOF trailer")

	// ErrEncrypted is returned for password protected documents.
	ErrEncrypted = errors.New("document is password protected")

	// ErrNoPages is returned when no page objects can be found.
	ErrNoPages = errors.New("parse error: no page objects found")
)

// Document is a parsed document handle.
type Document interface {
	Pages() int
}

// Engine is the external rendering engine.
type Engine interface {
	// WorkerSource returns the configured worker, or "" when unset.
	WorkerSource() string

	// ConfigureWorker points the engine at a worker script.
	ConfigureWorker(src string) error

	// Parse turns document bytes into a handle.
	Parse(ctx context.Context, data []byte) (Document, error)
}

// PDF is the handle produced by StructuralEngine.
type PDF struct {
	Version   string `json:"version"`
	PageCount int    `json:"pages"`
	Size      int    `json:"size"`
}

// Pages returns the number of page objects.
func (p *PDF) Pages() int {
	return p.PageCount
}

// markerWindow bounds how far from either end the header and trailer are
// searched for.
const markerWindow = 1024

var (
	headerPattern = regexp.MustCompile(`%PDF-(\d\.\d)`)
	pagePattern   = regexp.MustCompile(`/Type\s*/Page\b`)
)

// StructuralEngine is a dependency-free engine that validates document
// structure and counts pages without rasterizing anything. It is used by the
// server and CLI in place of a browser-side renderer.
type StructuralEngine struct {
	mu     sync.RWMutex
	worker string
}

// NewStructuralEngine creates an unconfigured StructuralEngine.
func NewStructuralEngine() *StructuralEngine {
	return &StructuralEngine{}
}

func (e *StructuralEngine) WorkerSource() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.worker
}

func (e *StructuralEngine) ConfigureWorker(src string) error {
	if src == "" {
		return errors.New("render: empty worker source")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.worker = src
	return nil
}

func (e *StructuralEngine) Parse(ctx context.Context, data []byte) (Document, error) {
	if e.WorkerSource() == "" {
		return nil, ErrWorkerNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	head := data[:min(len(data), markerWindow)]
	m := headerPattern.FindSubmatch(head)
	if m == nil {
		return nil, ErrMissingHeader
	}
	tail := data[max(0, len(data)-markerWindow):]
	if !bytes.Contains(tail, []byte("%%EOF")) {
		return nil, ErrTruncated
	}
	if bytes.Contains(data, []byte("/Encrypt")) {
		return nil, ErrEncrypted
	}

	pages := len(pagePattern.FindAllIndex(data, -1))
	if pages == 0 {
		return nil, ErrNoPages
	}
	return &PDF{Version: string(m[1]), PageCount: pages, Size: len(data)}, nil
}

func (p *PDF) String() string {
	return fmt.Sprintf("PDF-%s, %d pages, %d bytes", p.Version, p.PageCount, p.Size)
}

// Package render defines the contract between workers and the rendering
// engine, and the bounded pool the engine instances live in. The engine
// itself is pluggable; anything that can satisfy Browser can serve.
package render

import (
	"context"

	"shutter/internal/services/jobs/domain"
)

// Result is a finished render
type Result struct {
	Body        []byte
	ContentType string
	Meta        domain.ResultMetadata
}

// Browser is one reusable renderer instance
type Browser interface {
	// ID identifies the instance in logs
	ID() string

	// Render produces the artifact for req or a *RenderError
	Render(ctx context.Context, req domain.ScreenshotRequest) (*Result, error)

	// Healthy reports whether the instance can take more work
	Healthy() bool

	Close() error
}

// Factory creates a fresh Browser; the pool calls it lazily up to its cap
type Factory func(ctx context.Context) (Browser, error)

// Analyzer answers a prompt about a rendered page. Analysis jobs run a
// render first and hand the result here.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.ScreenshotRequest, shot *Result) (string, error)
}

// ContentTypeFor maps a request format to the artifact MIME type
func ContentTypeFor(format string) string {
	switch format {
	case domain.FormatJPEG:
		return "image/jpeg"
	case domain.FormatPDF:
		return "application/pdf"
	case domain.FormatWebP:
		return "image/webp"
	default:
		return "image/png"
	}
}

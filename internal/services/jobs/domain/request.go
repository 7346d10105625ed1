package domain

import (
	"encoding/json"
	"strings"
)

// Image formats a render can produce
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
	FormatPDF  = "pdf"
	FormatWebP = "webp"
)

// Capture dimension bounds
const (
	MinDimension = 1
	MaxDimension = 10000

	MaxWaitMs = 30000
)

// ScreenshotRequest is the caller-supplied description of a capture.
// Field order here is the canonical encoding order; EncodeRequest always
// produces the same bytes for the same request.
type ScreenshotRequest struct {
	URL          string `json:"url" validate:"required,url,max=2048"`
	Width        int    `json:"width" validate:"required,min=1,max=10000"`
	Height       int    `json:"height" validate:"required,min=1,max=10000"`
	Format       string `json:"format,omitempty" validate:"omitempty,oneof=png jpeg pdf webp"`
	FullPage     bool   `json:"full_page,omitempty"`
	WaitSelector string `json:"wait_selector,omitempty" validate:"omitempty,max=512"`
	WaitMs       int    `json:"wait_ms,omitempty" validate:"omitempty,min=0,max=30000"`
	Quality      int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Language     string `json:"language,omitempty" validate:"omitempty,bcp47_language_tag"`

	// Prompt is only meaningful for analysis jobs; it is what the model is
	// asked about the rendered page
	Prompt string `json:"prompt,omitempty" validate:"omitempty,max=4096"`
}

// Normalize lowercases the format and fills format-dependent defaults in
// place. Dimensions are never defaulted; a zero width or height is a
// validation error, not a request for the standard viewport.
func (r *ScreenshotRequest) Normalize() {
	r.Format = strings.ToLower(r.Format)
	if r.Format == "" {
		r.Format = FormatPNG
	}
	if r.Quality == 0 && (r.Format == FormatJPEG || r.Format == FormatWebP) {
		r.Quality = 80
	}
}

// Extension returns the artifact filename extension for the request format
func (r ScreenshotRequest) Extension() string {
	if r.Format == "" {
		return FormatPNG
	}
	return r.Format
}

// EncodeRequest returns the canonical JSON encoding of r. Two equal requests
// always encode to identical bytes, so the stored form is comparable.
func EncodeRequest(r ScreenshotRequest) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRequest parses the stored canonical form back into a request
func DecodeRequest(raw []byte) (ScreenshotRequest, error) {
	var r ScreenshotRequest
	if err := json.Unmarshal(raw, &r); err != nil {
		return ScreenshotRequest{}, err
	}
	return r, nil
}

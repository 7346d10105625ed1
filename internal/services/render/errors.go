package render

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a render failure; the retry policy keys off it
type ErrorKind string

// Render failure kinds
const (
	KindTimeout    ErrorKind = "timeout"
	KindNetwork    ErrorKind = "network"
	KindInvalidURL ErrorKind = "invalid_url"
	KindContent    ErrorKind = "content"
	KindInternal   ErrorKind = "internal"
)

// RenderError is a classified render failure
type RenderError struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *RenderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("render %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("render %s", e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is chains
func (e *RenderError) Unwrap() error { return e.cause }

// Errf builds a RenderError of the given kind
func Errf(kind ErrorKind, format string, a ...any) error {
	return &RenderError{Kind: kind, Message: fmt.Sprintf(format, a...)}
}

// WrapErr builds a RenderError keeping its cause
func WrapErr(kind ErrorKind, cause error, msg string) error {
	return &RenderError{Kind: kind, Message: msg, cause: cause}
}

// KindOf extracts the failure kind; unclassified errors report KindInternal
func KindOf(err error) ErrorKind {
	var re *RenderError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindInternal
}

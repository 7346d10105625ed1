// Package workers runs the job execution pool, the scheduled scanners that
// repair whatever the pool drops, and the retry policy between them
package workers

import (
	"errors"

	"shutter/internal/core/backoff"
	perr "shutter/internal/platform/errors"
	"shutter/internal/services/render"
)

// Policy decides whether and when a failed attempt runs again
type Policy struct {
	Backoff backoff.Policy
}

// DefaultPolicy matches the 30s-doubling-to-30m retry curve
func DefaultPolicy() Policy {
	return Policy{Backoff: backoff.Default()}
}

// ShouldRetry classifies a failure. Timeouts, connection trouble, and
// generic runtime errors are worth another attempt; a URL that cannot be
// fetched or an authorization problem will fail the same way every time.
func (Policy) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, render.ErrPoolExhausted) {
		return true
	}

	var re *render.RenderError
	if errors.As(err, &re) {
		switch re.Kind {
		case render.KindTimeout, render.KindNetwork, render.KindInternal:
			return true
		case render.KindInvalidURL, render.KindContent:
			return false
		}
	}

	switch perr.CodeOf(err) {
	case perr.ErrorCodeUnauthorized, perr.ErrorCodeForbidden,
		perr.ErrorCodeValidation, perr.ErrorCodeInvalidArgument,
		perr.ErrorCodePaymentRequired:
		return false
	}
	return true
}

package domain

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitedError rejects an admission attempt that exceeded a windowed cap
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InsufficientCreditsError rejects an admission attempt the balance cannot
// cover
type InsufficientCreditsError struct {
	Required  int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

// ErrAuthRejected is returned when the caller does not own the job or the
// presented key resolves to nothing
var ErrAuthRejected = errors.New("auth rejected")

// ErrJobNotFound is returned for lookups of ids that do not exist
var ErrJobNotFound = errors.New("job not found")

// ErrNotRetryable is returned when a manual retry targets a job that is not
// failed-and-retryable
var ErrNotRetryable = errors.New("job is not retryable")

// AsRateLimited unwraps a rate limit rejection if err carries one
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// AsInsufficientCredits unwraps a credit rejection if err carries one
func AsInsufficientCredits(err error) (*InsufficientCreditsError, bool) {
	var ic *InsufficientCreditsError
	if errors.As(err, &ic) {
		return ic, true
	}
	return nil, false
}

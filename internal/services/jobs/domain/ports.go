package domain

import (
	"context"
	"io"
	"time"
)

// Store is the persistence port for jobs. Implementations must make
// TryLock atomic: exactly one caller wins a given (job, generation).
type Store interface {
	Insert(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error

	FindByID(ctx context.Context, id string) (*Job, error)
	FindByIDAndUser(ctx context.Context, id, userID string) (*Job, error)

	// FindByUser pages a user's jobs newest first, optionally filtered by
	// status, and reports the total matching count
	FindByUser(ctx context.Context, userID string, status JobStatus, limit, offset int) ([]*Job, int64, error)

	// FindByIDs resolves ids for bulk polling; ids the user does not own are
	// silently dropped
	FindByIDs(ctx context.Context, ids []string, userID string) ([]*Job, error)

	// FindPending returns queued jobs that are unlocked or stale-locked,
	// oldest update first, capped at limit
	FindPending(ctx context.Context, now time.Time, stuckAfter time.Duration, limit int) ([]*Job, error)

	// TryLock claims a job for workerID. It returns false without error when
	// another worker holds a fresh lock or the job is no longer queued.
	TryLock(ctx context.Context, jobID, workerID string, now time.Time, stuckAfter time.Duration) (bool, error)

	// Unlock clears the lock when the holder backs off without finishing
	Unlock(ctx context.Context, jobID, workerID string) error

	// FindStuck returns processing jobs whose lock is older than stuckAfter
	FindStuck(ctx context.Context, now time.Time, stuckAfter time.Duration, limit int) ([]*Job, error)

	// FindReadyForRetry returns queued jobs whose next_retry_at has passed,
	// plus queued rows that never reached the queue: unlocked, no retry
	// scheduled, untouched for longer than grace
	FindReadyForRetry(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]*Job, error)

	// FindFailedRetryable returns failed jobs still marked retryable with
	// retry budget left
	FindFailedRetryable(ctx context.Context, limit int) ([]*Job, error)

	CountByStatus(ctx context.Context) (StatusCounts, error)
	CountByStatusForUser(ctx context.Context, userID string) (StatusCounts, error)

	// CountByFormat aggregates over the requested output format
	CountByFormat(ctx context.Context) (map[string]int64, error)

	// DeleteTerminalBefore removes completed and failed rows older than
	// cutoff, returning how many went away
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// APIKey is the resolved identity behind a request
type APIKey struct {
	ID     string
	UserID string
	Plan   string
}

// Auth resolves presented API keys to their owning account
type Auth interface {
	ResolveAPIKey(ctx context.Context, key string) (*APIKey, error)
}

// ObjectStore persists rendered artifacts and hands back a stable URL
type ObjectStore interface {
	Put(ctx context.Context, key string, contentType string, body io.Reader, size int64) (url string, err error)
	Delete(ctx context.Context, key string) error
}

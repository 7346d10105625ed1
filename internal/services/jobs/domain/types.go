// Package domain holds the job model and the ports the substrate consumes
package domain

import (
	"time"
)

// JobStatus is the lifecycle state of a job
type JobStatus string

// Job lifecycle states
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// JobKind selects the execution path and the credit price
type JobKind string

// Supported job kinds
const (
	KindScreenshot JobKind = "screenshot"
	KindAnalysis   JobKind = "analysis"
)

// RetryType records how a job got back into the queue
type RetryType string

// Retry provenance
const (
	RetryNone      RetryType = "none"
	RetryAutomatic RetryType = "automatic"
	RetryManual    RetryType = "manual"
)

// DefaultMaxRetries is the per-job retry budget unless the row says otherwise
const DefaultMaxRetries = 3

// ResultMetadata is what the renderer learned about the page. Analysis is
// only set for analysis jobs: the model's answer to the request prompt.
type ResultMetadata struct {
	PageTitle  string `json:"page_title,omitempty"`
	FinalURL   string `json:"final_url,omitempty"`
	ByteSize   int64  `json:"byte_size,omitempty"`
	LoadTimeMs int64  `json:"load_time_ms,omitempty"`
	Analysis   string `json:"analysis,omitempty"`
}

// Job is the unit of work tracked end to end by a stable id.
// The row is only ever mutated by the holder of the store lock; readers may
// see stale state but never partial writes.
type Job struct {
	ID       string
	UserID   string
	APIKeyID string

	Kind    JobKind
	Request ScreenshotRequest

	Status JobStatus

	ResultURL      string
	ResultMeta     *ResultMetadata
	ErrorMessage   string
	LastFailReason string

	RetryCount  int
	MaxRetries  int
	IsRetryable bool
	RetryType   RetryType
	NextRetryAt *time.Time

	LockedBy string
	LockedAt *time.Time

	WebhookURL  string
	WebhookSent bool

	ProcessingTimeMs int64

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the job can no longer change on its own
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Locked reports whether a worker currently claims the row relative to the
// stuck threshold; a lock older than that is stale and reclaimable
func (j *Job) Locked(now time.Time, stuckAfter time.Duration) bool {
	if j.LockedBy == "" || j.LockedAt == nil {
		return false
	}
	return now.Sub(*j.LockedAt) <= stuckAfter
}

// Snapshot is the slice of a job the queue carries. The store row stays
// authoritative; workers re-read and lock before acting.
type Snapshot struct {
	JobID  string  `json:"job_id"`
	UserID string  `json:"user_id"`
	Kind   JobKind `json:"kind"`
}

// Snap extracts the queue snapshot from a job
func (j *Job) Snap() Snapshot {
	return Snapshot{JobID: j.ID, UserID: j.UserID, Kind: j.Kind}
}

// StatusCounts is the admin aggregate over job states
type StatusCounts struct {
	Queued     int64
	Processing int64
	Completed  int64
	Failed     int64
}

// Total sums all states
func (c StatusCounts) Total() int64 {
	return c.Queued + c.Processing + c.Completed + c.Failed
}

// SuccessRate is completed over terminal, in [0,1]; zero when nothing
// finished yet
func (c StatusCounts) SuccessRate() float64 {
	done := c.Completed + c.Failed
	if done == 0 {
		return 0
	}
	return float64(c.Completed) / float64(done)
}

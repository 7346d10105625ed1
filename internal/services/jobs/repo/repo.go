// Package repo is the Postgres job store
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/store"
	"shutter/internal/services/jobs/domain"
)

type (
	// PG is the Postgres implementation of the job store
	PG      struct{}
	queries struct{ q store.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() store.Binder[domain.Store] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q store.Queryer) domain.Store { return &queries{q: q} }

// jobColumns is the canonical select list; scanJob matches it positionally
const jobColumns = `
	id, user_id, api_key_id, kind, request, status,
	COALESCE(result_url, ''), result_meta,
	COALESCE(error_message, ''), COALESCE(last_failure_reason, ''),
	retry_count, max_retries, is_retryable, retry_type, next_retry_at,
	COALESCE(locked_by, ''), locked_at,
	COALESCE(webhook_url, ''), webhook_sent, processing_time_ms,
	created_at, updated_at, started_at, completed_at
`

// Insert persists a freshly admitted job
func (r *queries) Insert(ctx context.Context, j *domain.Job) error {
	req, err := domain.EncodeRequest(j.Request)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode request")
	}
	meta, err := encodeMeta(j.ResultMeta)
	if err != nil {
		return err
	}
	const sql = `
		INSERT INTO jobs (
			id, user_id, api_key_id, kind, request, status,
			result_url, result_meta, error_message, last_failure_reason,
			retry_count, max_retries, is_retryable, retry_type, next_retry_at,
			locked_by, locked_at, webhook_url, webhook_sent, processing_time_ms,
			created_at, updated_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			NULLIF($7, ''), $8, NULLIF($9, ''), NULLIF($10, ''),
			$11, $12, $13, $14, $15,
			NULLIF($16, ''), $17, NULLIF($18, ''), $19, $20,
			$21, $22, $23, $24
		)
	`
	_, err = r.q.Exec(ctx, sql,
		j.ID, j.UserID, j.APIKeyID, j.Kind, req, j.Status,
		j.ResultURL, meta, j.ErrorMessage, j.LastFailReason,
		j.RetryCount, j.MaxRetries, j.IsRetryable, j.RetryType, j.NextRetryAt,
		j.LockedBy, j.LockedAt, j.WebhookURL, j.WebhookSent, j.ProcessingTimeMs,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "insert job %s", j.ID)
	}
	return nil
}

// Update writes the full row back; the caller provides the row it read.
// A vanished row is an invariant violation, not a soft miss.
func (r *queries) Update(ctx context.Context, j *domain.Job) error {
	req, err := domain.EncodeRequest(j.Request)
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeJSON, "encode request")
	}
	meta, err := encodeMeta(j.ResultMeta)
	if err != nil {
		return err
	}
	const sql = `
		UPDATE jobs SET
			kind = $2, request = $3, status = $4,
			result_url = NULLIF($5, ''), result_meta = $6,
			error_message = NULLIF($7, ''), last_failure_reason = NULLIF($8, ''),
			retry_count = $9, max_retries = $10, is_retryable = $11,
			retry_type = $12, next_retry_at = $13,
			locked_by = NULLIF($14, ''), locked_at = $15,
			webhook_url = NULLIF($16, ''), webhook_sent = $17,
			processing_time_ms = $18,
			updated_at = $19, started_at = $20, completed_at = $21
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, sql,
		j.ID, j.Kind, req, j.Status,
		j.ResultURL, meta, j.ErrorMessage, j.LastFailReason,
		j.RetryCount, j.MaxRetries, j.IsRetryable,
		j.RetryType, j.NextRetryAt,
		j.LockedBy, j.LockedAt, j.WebhookURL, j.WebhookSent,
		j.ProcessingTimeMs,
		j.UpdatedAt, j.StartedAt, j.CompletedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "update job %s", j.ID)
	}
	if tag.RowsAffected() == 0 {
		return perr.Internalf("job %s vanished during update", j.ID)
	}
	return nil
}

// FindByID returns the job or domain.ErrJobNotFound
func (r *queries) FindByID(ctx context.Context, id string) (*domain.Job, error) {
	return r.one(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
}

// FindByIDAndUser scopes the lookup to the owning user
func (r *queries) FindByIDAndUser(ctx context.Context, id, userID string) (*domain.Job, error) {
	return r.one(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND user_id = $2`, id, userID)
}

// FindByUser pages a user's jobs newest first with an optional status filter
func (r *queries) FindByUser(
	ctx context.Context, userID string, status domain.JobStatus, limit, offset int,
) ([]*domain.Job, int64, error) {
	var total int64
	const countSQL = `
		SELECT COUNT(*) FROM jobs
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
	`
	if err := r.q.QueryRow(ctx, countSQL, userID, string(status)).Scan(&total); err != nil {
		return nil, 0, perr.FromPostgresf(err, "count jobs for %s", userID)
	}

	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	jobs, err := r.many(ctx, sql, userID, string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

// FindByIDs resolves ids for bulk polling, silently dropping non-owned ids
func (r *queries) FindByIDs(ctx context.Context, ids []string, userID string) ([]*domain.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE id = ANY($1) AND user_id = $2
		ORDER BY created_at DESC
	`
	return r.many(ctx, sql, ids, userID)
}

// FindPending returns queued, effectively-unlocked jobs for boot recovery
func (r *queries) FindPending(
	ctx context.Context, now time.Time, stuckAfter time.Duration, limit int,
) ([]*domain.Job, error) {
	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		  AND (locked_by IS NULL OR locked_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.many(ctx, sql, now.Add(-stuckAfter), limit)
}

// TryLock atomically claims the row for workerID. Exactly one concurrent
// caller wins; the rest see false.
func (r *queries) TryLock(
	ctx context.Context, jobID, workerID string, now time.Time, stuckAfter time.Duration,
) (bool, error) {
	const sql = `
		UPDATE jobs
		SET locked_by = $2, locked_at = $3, updated_at = $3
		WHERE id = $1
		  AND status IN ('queued', 'processing', 'failed')
		  AND (locked_by IS NULL OR locked_at < $4)
	`
	tag, err := r.q.Exec(ctx, sql, jobID, workerID, now, now.Add(-stuckAfter))
	if err != nil {
		return false, perr.FromPostgresf(err, "lock job %s", jobID)
	}
	return tag.RowsAffected() == 1, nil
}

// Unlock releases a claim without changing job state
func (r *queries) Unlock(ctx context.Context, jobID, workerID string) error {
	const sql = `
		UPDATE jobs
		SET locked_by = NULL, locked_at = NULL, updated_at = NOW()
		WHERE id = $1 AND locked_by = $2
	`
	if _, err := r.q.Exec(ctx, sql, jobID, workerID); err != nil {
		return perr.FromPostgresf(err, "unlock job %s", jobID)
	}
	return nil
}

// FindStuck returns processing jobs whose lock went stale
func (r *queries) FindStuck(
	ctx context.Context, now time.Time, stuckAfter time.Duration, limit int,
) ([]*domain.Job, error) {
	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'processing'
		  AND updated_at < $1
		  AND (locked_by IS NULL OR locked_at < $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.many(ctx, sql, now.Add(-stuckAfter), now.Add(-(stuckAfter + 5*time.Minute)), limit)
}

// FindReadyForRetry returns queued jobs due for re-enqueue: scheduled
// retries whose time has come, plus rows that were persisted but never made
// it onto the queue (no retry scheduled, untouched past the grace window)
func (r *queries) FindReadyForRetry(
	ctx context.Context, now time.Time, grace time.Duration, limit int,
) ([]*domain.Job, error) {
	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'queued'
		  AND locked_by IS NULL
		  AND (
			(next_retry_at IS NOT NULL AND next_retry_at <= $1 AND is_retryable)
			OR (next_retry_at IS NULL AND updated_at < $2)
		  )
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return r.many(ctx, sql, now, now.Add(-grace), limit)
}

// FindFailedRetryable returns failed jobs that still have retry budget
func (r *queries) FindFailedRetryable(ctx context.Context, limit int) ([]*domain.Job, error) {
	sql := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'failed'
		  AND is_retryable
		  AND retry_count < max_retries
		  AND locked_by IS NULL
		ORDER BY updated_at ASC
		LIMIT $1
	`
	return r.many(ctx, sql, limit)
}

// CountByStatus aggregates all jobs by state
func (r *queries) CountByStatus(ctx context.Context) (domain.StatusCounts, error) {
	return r.countByStatus(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
}

// CountByStatusForUser aggregates one user's jobs by state
func (r *queries) CountByStatusForUser(ctx context.Context, userID string) (domain.StatusCounts, error) {
	return r.countByStatus(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE user_id = $1 GROUP BY status`, userID)
}

// CountByFormat aggregates over the requested output format in the stored
// request JSON; requests without an explicit format count as png
func (r *queries) CountByFormat(ctx context.Context) (map[string]int64, error) {
	const sql = `
		SELECT COALESCE(request->>'format', 'png'), COUNT(*)
		FROM jobs
		GROUP BY 1
	`
	rows, err := r.q.Query(ctx, sql)
	if err != nil {
		return nil, perr.FromPostgres(err, "count jobs by format")
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var format string
		var n int64
		if err := rows.Scan(&format, &n); err != nil {
			return nil, perr.FromPostgres(err, "scan format count")
		}
		out[format] = n
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "iterate format counts")
	}
	return out, nil
}

// DeleteTerminalBefore removes old terminal rows in bounded batches
func (r *queries) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	const sql = `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status IN ('completed', 'failed') AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
	`
	tag, err := r.q.Exec(ctx, sql, cutoff, limit)
	if err != nil {
		return 0, perr.FromPostgres(err, "delete terminal jobs")
	}
	return tag.RowsAffected(), nil
}

func (r *queries) one(ctx context.Context, sql string, args ...any) (*domain.Job, error) {
	j, err := scanJob(r.q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, perr.FromPostgres(err, "load job")
	}
	return j, nil
}

func (r *queries) many(ctx context.Context, sql string, args ...any) ([]*domain.Job, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, perr.FromPostgres(err, "query jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, perr.FromPostgres(err, "scan job")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "iterate jobs")
	}
	return out, nil
}

func (r *queries) countByStatus(ctx context.Context, sql string, args ...any) (domain.StatusCounts, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return domain.StatusCounts{}, perr.FromPostgres(err, "count jobs by status")
	}
	defer rows.Close()

	var c domain.StatusCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, perr.FromPostgres(err, "scan status count")
		}
		switch domain.JobStatus(status) {
		case domain.StatusQueued:
			c.Queued = n
		case domain.StatusProcessing:
			c.Processing = n
		case domain.StatusCompleted:
			c.Completed = n
		case domain.StatusFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.StatusCounts{}, perr.FromPostgres(err, "iterate status counts")
	}
	return c, nil
}

// scanJob hydrates one row in jobColumns order
func scanJob(row store.Row) (*domain.Job, error) {
	var (
		j       domain.Job
		rawReq  []byte
		rawMeta []byte
	)
	err := row.Scan(
		&j.ID, &j.UserID, &j.APIKeyID, &j.Kind, &rawReq, &j.Status,
		&j.ResultURL, &rawMeta,
		&j.ErrorMessage, &j.LastFailReason,
		&j.RetryCount, &j.MaxRetries, &j.IsRetryable, &j.RetryType, &j.NextRetryAt,
		&j.LockedBy, &j.LockedAt,
		&j.WebhookURL, &j.WebhookSent, &j.ProcessingTimeMs,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if j.Request, err = domain.DecodeRequest(rawReq); err != nil {
		return nil, err
	}
	if len(rawMeta) > 0 {
		var meta domain.ResultMetadata
		if err := json.Unmarshal(rawMeta, &meta); err != nil {
			return nil, err
		}
		j.ResultMeta = &meta
	}
	return &j, nil
}

// encodeMeta serializes result metadata, keeping NULL for absent metadata
func encodeMeta(m *domain.ResultMetadata) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "encode result metadata")
	}
	return raw, nil
}

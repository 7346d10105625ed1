// Package repo is the Postgres store for webhook configs and deliveries
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/store"
	"shutter/internal/services/webhooks/domain"
)

type (
	// PG is the Postgres implementation of the webhook store
	PG      struct{}
	queries struct{ q store.Queryer }
)

// NewPG returns a binder for the Postgres implementation
func NewPG() store.Binder[domain.Store] { return PG{} }

// Bind attaches a Queryer to the Postgres implementation
func (PG) Bind(q store.Queryer) domain.Store { return &queries{q: q} }

const configColumns = `
	id, user_id, url, secret, events, is_active,
	COALESCE(description, ''), created_at, updated_at
`

// InsertConfig persists a new endpoint registration
func (r *queries) InsertConfig(ctx context.Context, c *domain.Config) error {
	const sql = `
		INSERT INTO webhook_configs (
			id, user_id, url, secret, events, is_active, description,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
	`
	_, err := r.q.Exec(ctx, sql,
		c.ID, c.UserID, c.URL, c.Secret, c.Events, c.IsActive, c.Description,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "insert webhook config %s", c.ID)
	}
	return nil
}

// UpdateConfig writes the full config back, scoped to its owner
func (r *queries) UpdateConfig(ctx context.Context, c *domain.Config) error {
	const sql = `
		UPDATE webhook_configs
		SET url = $3, secret = $4, events = $5, is_active = $6,
		    description = NULLIF($7, ''), updated_at = $8
		WHERE id = $1 AND user_id = $2
	`
	tag, err := r.q.Exec(ctx, sql,
		c.ID, c.UserID, c.URL, c.Secret, c.Events, c.IsActive, c.Description, c.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "update webhook config %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConfigNotFound
	}
	return nil
}

// DeleteConfig removes an endpoint registration, scoped to its owner
func (r *queries) DeleteConfig(ctx context.Context, id, userID string) error {
	tag, err := r.q.Exec(ctx,
		`DELETE FROM webhook_configs WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return perr.FromPostgresf(err, "delete webhook config %s", id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConfigNotFound
	}
	return nil
}

// FindConfig returns one config scoped to its owner
func (r *queries) FindConfig(ctx context.Context, id, userID string) (*domain.Config, error) {
	sql := `SELECT ` + configColumns + ` FROM webhook_configs WHERE id = $1 AND user_id = $2`
	c, err := scanConfig(r.q.QueryRow(ctx, sql, id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConfigNotFound
		}
		return nil, perr.FromPostgres(err, "load webhook config")
	}
	return c, nil
}

// FindConfigsByUser lists a user's endpoints, oldest first
func (r *queries) FindConfigsByUser(ctx context.Context, userID string) ([]*domain.Config, error) {
	sql := `SELECT ` + configColumns + ` FROM webhook_configs WHERE user_id = $1 ORDER BY created_at ASC`
	return r.manyConfigs(ctx, sql, userID)
}

// CountConfigs reports how many endpoints the user has registered
func (r *queries) CountConfigs(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_configs WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, perr.FromPostgresf(err, "count webhook configs for %s", userID)
	}
	return n, nil
}

// FindActiveSubscribed returns active configs subscribed to the event
func (r *queries) FindActiveSubscribed(ctx context.Context, userID, event string) ([]*domain.Config, error) {
	sql := `
		SELECT ` + configColumns + ` FROM webhook_configs
		WHERE user_id = $1 AND is_active AND $2 = ANY(events)
		ORDER BY created_at ASC
	`
	return r.manyConfigs(ctx, sql, userID, event)
}

const deliveryColumns = `
	id, COALESCE(webhook_config_id, ''), user_id, event, payload, signature, status, url,
	attempts, max_attempts, last_attempt_at, next_retry_at,
	COALESCE(response_code, 0), COALESCE(response_body, ''), response_time_ms,
	COALESCE(error, ''), created_at, updated_at
`

// InsertDelivery persists a freshly fanned-out delivery
func (r *queries) InsertDelivery(ctx context.Context, d *domain.Delivery) error {
	const sql = `
		INSERT INTO webhook_deliveries (
			id, webhook_config_id, user_id, event, payload, signature, status, url,
			attempts, max_attempts, last_attempt_at, next_retry_at,
			response_code, response_body, response_time_ms, error,
			created_at, updated_at
		) VALUES (
			$1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			NULLIF($13, 0), NULLIF($14, ''), $15, NULLIF($16, ''),
			$17, $18
		)
	`
	_, err := r.q.Exec(ctx, sql,
		d.ID, d.ConfigID, d.UserID, d.Event, d.Payload, d.Signature, d.Status, d.URL,
		d.Attempts, d.MaxAttempts, d.LastAttemptAt, d.NextRetryAt,
		d.ResponseCode, d.ResponseBody, d.ResponseTimeMs, d.Error,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "insert delivery %s", d.ID)
	}
	return nil
}

// UpdateDelivery writes attempt results back
func (r *queries) UpdateDelivery(ctx context.Context, d *domain.Delivery) error {
	const sql = `
		UPDATE webhook_deliveries
		SET status = $2, attempts = $3, last_attempt_at = $4, next_retry_at = $5,
		    response_code = NULLIF($6, 0), response_body = NULLIF($7, ''),
		    response_time_ms = $8, error = NULLIF($9, ''), updated_at = $10
		WHERE id = $1
	`
	tag, err := r.q.Exec(ctx, sql,
		d.ID, d.Status, d.Attempts, d.LastAttemptAt, d.NextRetryAt,
		d.ResponseCode, d.ResponseBody, d.ResponseTimeMs, d.Error, d.UpdatedAt,
	)
	if err != nil {
		return perr.FromPostgresf(err, "update delivery %s", d.ID)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDeliveryNotFound
	}
	return nil
}

// FindDelivery returns one delivery
func (r *queries) FindDelivery(ctx context.Context, id string) (*domain.Delivery, error) {
	sql := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	d, err := scanDelivery(r.q.QueryRow(ctx, sql, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryNotFound
		}
		return nil, perr.FromPostgres(err, "load delivery")
	}
	return d, nil
}

// FindDeliveriesByUser pages a user's delivery history, newest first
func (r *queries) FindDeliveriesByUser(
	ctx context.Context, userID string, limit, offset int,
) ([]*domain.Delivery, error) {
	sql := `
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.manyDeliveries(ctx, sql, userID, limit, offset)
}

// ClaimDue flips due deliveries to DELIVERING and returns them. SKIP LOCKED
// keeps concurrent dispatchers off each other's rows. Rows a dead
// dispatcher left in DELIVERING past the staleness cutoff are claimed too.
func (r *queries) ClaimDue(
	ctx context.Context, now time.Time, stuckAfter time.Duration, limit int,
) ([]*domain.Delivery, error) {
	sql := `
		UPDATE webhook_deliveries
		SET status = 'delivering', updated_at = $1
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE (status IN ('pending', 'retrying')
			       AND (next_retry_at IS NULL OR next_retry_at <= $1))
			   OR (status = 'delivering' AND updated_at < $2)
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	return r.manyDeliveries(ctx, sql, now, now.Add(-stuckAfter), limit)
}

// DeleteOlderThan prunes terminal deliveries in bounded batches
func (r *queries) DeleteOlderThan(
	ctx context.Context, deliveredBefore, failedBefore time.Time, limit int,
) (int64, error) {
	const sql = `
		DELETE FROM webhook_deliveries
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE (status = 'delivered' AND updated_at < $1)
			   OR (status = 'failed' AND updated_at < $2)
			ORDER BY updated_at ASC
			LIMIT $3
		)
	`
	tag, err := r.q.Exec(ctx, sql, deliveredBefore, failedBefore, limit)
	if err != nil {
		return 0, perr.FromPostgres(err, "prune deliveries")
	}
	return tag.RowsAffected(), nil
}

func (r *queries) manyConfigs(ctx context.Context, sql string, args ...any) ([]*domain.Config, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, perr.FromPostgres(err, "query webhook configs")
	}
	defer rows.Close()

	var out []*domain.Config
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, perr.FromPostgres(err, "scan webhook config")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "iterate webhook configs")
	}
	return out, nil
}

func (r *queries) manyDeliveries(ctx context.Context, sql string, args ...any) ([]*domain.Delivery, error) {
	rows, err := r.q.Query(ctx, sql, args...)
	if err != nil {
		return nil, perr.FromPostgres(err, "query deliveries")
	}
	defer rows.Close()

	var out []*domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, perr.FromPostgres(err, "scan delivery")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, perr.FromPostgres(err, "iterate deliveries")
	}
	return out, nil
}

func scanConfig(row store.Row) (*domain.Config, error) {
	var c domain.Config
	err := row.Scan(
		&c.ID, &c.UserID, &c.URL, &c.Secret, &c.Events, &c.IsActive,
		&c.Description, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanDelivery(row store.Row) (*domain.Delivery, error) {
	var d domain.Delivery
	err := row.Scan(
		&d.ID, &d.ConfigID, &d.UserID, &d.Event, &d.Payload, &d.Signature, &d.Status, &d.URL,
		&d.Attempts, &d.MaxAttempts, &d.LastAttemptAt, &d.NextRetryAt,
		&d.ResponseCode, &d.ResponseBody, &d.ResponseTimeMs,
		&d.Error, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

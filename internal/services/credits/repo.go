package credits

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/metrics"
	"shutter/internal/platform/store"
	"shutter/internal/services/jobs/domain"
)

// PG is the Postgres ledger. Deduct and Refund run inside a transaction so
// the balance change and its audit entry land together.
type PG struct {
	db store.TxRunner
}

// NewPG returns a ledger bound to db
func NewPG(db store.TxRunner) *PG { return &PG{db: db} }

var _ Ledger = (*PG)(nil)

// Balance returns the user's remaining credits
func (p *PG) Balance(ctx context.Context, userID string) (int64, error) {
	const sql = `SELECT credits_remaining FROM user_credits WHERE user_id = $1`
	var n int64
	if err := p.db.QueryRow(ctx, sql, userID).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, perr.FromPostgresf(err, "balance for %s", userID)
	}
	return n, nil
}

// HasCredits reports whether the balance covers n
func (p *PG) HasCredits(ctx context.Context, userID string, n int64) (bool, error) {
	bal, err := p.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return bal >= n, nil
}

// Deduct atomically takes n credits and records the audit entry
func (p *PG) Deduct(ctx context.Context, userID string, n int64, reason, jobID string) (int64, error) {
	var balance int64
	err := p.db.Tx(ctx, func(q store.RowQuerier) error {
		const take = `
			UPDATE user_credits
			SET credits_remaining = credits_remaining - $2, updated_at = NOW()
			WHERE user_id = $1 AND credits_remaining >= $2
			RETURNING credits_remaining
		`
		if err := q.QueryRow(ctx, take, userID, n).Scan(&balance); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// the guard clause rejected us: report what was there
				var have int64
				const look = `SELECT credits_remaining FROM user_credits WHERE user_id = $1`
				if err := q.QueryRow(ctx, look, userID).Scan(&have); err != nil && !errors.Is(err, pgx.ErrNoRows) {
					return perr.FromPostgresf(err, "read balance for %s", userID)
				}
				return &domain.InsufficientCreditsError{Required: n, Available: have}
			}
			return perr.FromPostgresf(err, "deduct %d from %s", n, userID)
		}
		return p.audit(ctx, q, userID, -n, reason, jobID)
	})
	if err != nil {
		metrics.ObserveCreditOp("deduct", "error")
		return 0, err
	}
	metrics.ObserveCreditOp("deduct", "ok")
	return balance, nil
}

// Refund returns n credits to the user
func (p *PG) Refund(ctx context.Context, userID string, n int64, reason, jobID string) (int64, error) {
	var balance int64
	err := p.db.Tx(ctx, func(q store.RowQuerier) error {
		const give = `
			UPDATE user_credits
			SET credits_remaining = credits_remaining + $2, updated_at = NOW()
			WHERE user_id = $1
			RETURNING credits_remaining
		`
		if err := q.QueryRow(ctx, give, userID, n).Scan(&balance); err != nil {
			return perr.FromPostgresf(err, "refund %d to %s", n, userID)
		}
		return p.audit(ctx, q, userID, n, reason, jobID)
	})
	if err != nil {
		metrics.ObserveCreditOp("refund", "error")
		return 0, err
	}
	metrics.ObserveCreditOp("refund", "ok")
	return balance, nil
}

// audit appends one ledger entry; delta is negative for deductions
func (p *PG) audit(ctx context.Context, q store.RowQuerier, userID string, delta int64, reason, jobID string) error {
	const sql = `
		INSERT INTO credit_ledger (user_id, delta, reason, job_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NOW())
	`
	if _, err := q.Exec(ctx, sql, userID, delta, reason, jobID); err != nil {
		return perr.FromPostgresf(err, "audit credit op for %s", userID)
	}
	return nil
}

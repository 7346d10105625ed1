package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"shutter/internal/platform/clock"
	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/metrics"
	"shutter/internal/platform/store"
)

// defaultPlan applies when a user has no plan row
var defaultPlan = Plan{ID: "free", HourlyLimit: 60, MinuteLimit: 1, Concurrency: 1}

// PG is a Limiter whose counters live in Postgres. The read-evaluate-
// increment cycle runs inside one transaction with the counter row locked,
// so concurrent checks for the same user serialize.
type PG struct {
	db    store.TxRunner
	clk   clock.Clock
	plans *planCache
}

// NewPG returns a limiter over db using clk for window anchors
func NewPG(db store.TxRunner, clk clock.Clock) *PG {
	return &PG{db: db, clk: clk, plans: newPlanCache(DefaultPlanTTL)}
}

var _ Limiter = (*PG)(nil)

// Check admits or denies one operation for the user. An allowed screenshot
// consumes a slot from both windows; denials leave the counters untouched.
func (p *PG) Check(ctx context.Context, userID string, op Op) (Decision, error) {
	now := p.clk.Now()

	plan, err := p.planFor(ctx, userID, now)
	if err != nil {
		return Decision{}, err
	}

	var d Decision
	err = p.db.Tx(ctx, func(q store.RowQuerier) error {
		// monthly gate first: no credits, no work of any kind
		var credits int64
		const balSQL = `SELECT credits_remaining FROM user_credits WHERE user_id = $1`
		if err := q.QueryRow(ctx, balSQL, userID).Scan(&credits); err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return perr.FromPostgresf(err, "credit gate for %s", userID)
		}
		if credits <= 0 {
			d = Decision{RetryAfter: untilNextMonth(now)}
			return nil
		}

		// analysis traffic only passes the credit gate
		if op != OpScreenshot {
			d = Decision{Allowed: true}
			return nil
		}

		w, err := p.lockWindows(ctx, q, userID, now)
		if err != nil {
			return err
		}
		w.refresh(now)
		d = w.evaluate(plan, now)
		if !d.Allowed {
			return nil
		}

		w.HourCount++
		w.MinuteCount++
		const save = `
			UPDATE user_rate_counters
			SET hour_count = $2, hour_anchor = $3, minute_count = $4, minute_anchor = $5
			WHERE user_id = $1
		`
		if _, err := q.Exec(ctx, save, userID, w.HourCount, w.HourAnchor, w.MinuteCount, w.MinuteAnchor); err != nil {
			return perr.FromPostgresf(err, "save counters for %s", userID)
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	metrics.ObserveRateLimit(string(op), d.Allowed)
	return d, nil
}

// planFor resolves the user's plan through the cache
func (p *PG) planFor(ctx context.Context, userID string, now time.Time) (Plan, error) {
	if plan, ok := p.plans.get(userID, now); ok {
		return plan, nil
	}
	const sql = `
		SELECT pl.plan_id, pl.hourly_limit, pl.minute_limit, pl.concurrency
		FROM user_credits uc
		JOIN plans pl ON pl.plan_id = uc.plan_id
		WHERE uc.user_id = $1
	`
	var plan Plan
	err := p.db.QueryRow(ctx, sql, userID).Scan(&plan.ID, &plan.HourlyLimit, &plan.MinuteLimit, &plan.Concurrency)
	if errors.Is(err, pgx.ErrNoRows) {
		plan = defaultPlan
	} else if err != nil {
		return Plan{}, perr.FromPostgresf(err, "plan for %s", userID)
	}
	p.plans.put(userID, plan, now)
	return plan, nil
}

// lockWindows reads the user's counter row under FOR UPDATE, creating it on
// first sight
func (p *PG) lockWindows(ctx context.Context, q store.RowQuerier, userID string, now time.Time) (*windows, error) {
	const ensure = `
		INSERT INTO user_rate_counters (user_id, hour_count, hour_anchor, minute_count, minute_anchor)
		VALUES ($1, 0, $2, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := q.Exec(ctx, ensure, userID, now); err != nil {
		return nil, perr.FromPostgresf(err, "ensure counters for %s", userID)
	}

	const lock = `
		SELECT hour_count, hour_anchor, minute_count, minute_anchor
		FROM user_rate_counters
		WHERE user_id = $1
		FOR UPDATE
	`
	var w windows
	if err := q.QueryRow(ctx, lock, userID).Scan(&w.HourCount, &w.HourAnchor, &w.MinuteCount, &w.MinuteAnchor); err != nil {
		return nil, perr.FromPostgresf(err, "lock counters for %s", userID)
	}
	return &w, nil
}

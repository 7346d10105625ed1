// Package ratelimit enforces plan-level admission caps: hourly and
// per-minute windows for screenshot traffic plus a monthly credit gate.
// Counters live in Postgres so every node sees the same windows; plans are
// cached in memory for a few minutes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Op is the operation class being admitted
type Op string

// Operation classes
const (
	OpScreenshot Op = "screenshot"
	OpAnalysis   Op = "analysis"
)

// Plan is the set of caps a subscription tier grants.
// Concurrency is informational; the browser pool is the real ceiling.
type Plan struct {
	ID          string
	HourlyLimit int64
	MinuteLimit int64
	Concurrency int
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration

	// RemainingHour and RemainingMinute are post-decision headroom,
	// meaningful only when Allowed
	RemainingHour   int64
	RemainingMinute int64
}

// Limiter answers "may this user run this operation right now" and, when
// yes, consumes one slot from each window. Callers must ask exactly once
// per admission attempt; the increment is the count.
type Limiter interface {
	Check(ctx context.Context, userID string, op Op) (Decision, error)
}

// DefaultPlanTTL is how long a cached plan stays fresh
const DefaultPlanTTL = 5 * time.Minute

// planCache memoizes plan lookups per user
type planCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cachedPlan
}

type cachedPlan struct {
	plan    Plan
	fetched time.Time
}

func newPlanCache(ttl time.Duration) *planCache {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	return &planCache{ttl: ttl, m: make(map[string]cachedPlan)}
}

func (c *planCache) get(userID string, now time.Time) (Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[userID]
	if !ok || now.Sub(e.fetched) > c.ttl {
		return Plan{}, false
	}
	return e.plan, true
}

func (c *planCache) put(userID string, p Plan, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[userID] = cachedPlan{plan: p, fetched: now}
}

// untilNextMonth is the wait suggested when the monthly credit gate closes:
// the time from now until the first instant of the next calendar month, UTC
func untilNextMonth(now time.Time) time.Duration {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return next.Sub(now)
}

// windows holds the short-term counters with their anchors
type windows struct {
	HourCount    int64
	HourAnchor   time.Time
	MinuteCount  int64
	MinuteAnchor time.Time
}

// refresh resets any counter whose anchor has left the current window
func (w *windows) refresh(now time.Time) {
	if now.Sub(w.HourAnchor) >= time.Hour {
		w.HourCount = 0
		w.HourAnchor = now
	}
	if now.Sub(w.MinuteAnchor) >= time.Minute {
		w.MinuteCount = 0
		w.MinuteAnchor = now
	}
}

// evaluate applies the plan caps to the refreshed counters. It returns the
// decision without incrementing; the caller persists the increment only on
// an allowed screenshot attempt.
func (w *windows) evaluate(p Plan, now time.Time) Decision {
	if p.HourlyLimit > 0 && w.HourCount >= p.HourlyLimit {
		return Decision{RetryAfter: w.HourAnchor.Add(time.Hour).Sub(now)}
	}
	if p.MinuteLimit > 0 && w.MinuteCount >= p.MinuteLimit {
		return Decision{RetryAfter: w.MinuteAnchor.Add(time.Minute).Sub(now)}
	}
	d := Decision{Allowed: true}
	if p.HourlyLimit > 0 {
		d.RemainingHour = p.HourlyLimit - w.HourCount - 1
	}
	if p.MinuteLimit > 0 {
		d.RemainingMinute = p.MinuteLimit - w.MinuteCount - 1
	}
	return d
}

// Package credits is the credit ledger: balances, atomic deductions, and
// refunds, each backed by an audit entry
package credits

import (
	"context"
)

// Deduction reasons recorded in the audit trail
const (
	ReasonScreenshot  = "screenshot"
	ReasonAnalysis    = "analysis"
	ReasonManualRetry = "manual_retry"
	ReasonRefund      = "refund_failed_job"
)

// Ledger is the credit surface the admission controller and workers use
type Ledger interface {
	// Balance returns the user's remaining credits
	Balance(ctx context.Context, userID string) (int64, error)

	// HasCredits reports whether the balance covers n
	HasCredits(ctx context.Context, userID string, n int64) (bool, error)

	// Deduct atomically takes n credits, recording why and for which job.
	// It fails with domain.InsufficientCreditsError when the balance cannot
	// cover n; the balance never goes negative.
	Deduct(ctx context.Context, userID string, n int64, reason, jobID string) (int64, error)

	// Refund returns n credits to the user with an audit entry
	Refund(ctx context.Context, userID string, n int64, reason, jobID string) (int64, error)
}

// Price returns the credit cost for a job kind. Screenshot jobs cost one
// credit; analysis jobs cost more because they spend model tokens too.
func Price(kind string) int64 {
	if kind == "analysis" {
		return 2
	}
	return 1
}

// Package queue provides the ready and delayed job queues. The queue only
// carries snapshots; the job row in the store stays authoritative, and
// scanners recover anything the two disagree on.
package queue

import (
	"context"
	"time"

	"shutter/internal/platform/clock"
	"shutter/internal/platform/logger"
	"shutter/internal/services/jobs/domain"
)

// Queue is the dual-queue dispatcher port.
// Dequeue is non-blocking: it returns (nil, nil) when the ready queue is
// empty and workers back off briefly before polling again.
type Queue interface {
	Enqueue(ctx context.Context, s domain.Snapshot) error
	Dequeue(ctx context.Context) (*domain.Snapshot, error)
	Size(ctx context.Context) (int64, error)

	// EnqueueDelayed schedules s to become ready at due
	EnqueueDelayed(ctx context.Context, s domain.Snapshot, due time.Time) error

	// CancelDelayed removes a pending delayed entry, reporting whether one
	// was there to remove
	CancelDelayed(ctx context.Context, jobID string) (bool, error)

	// PromoteDue moves entries whose due time has passed onto the ready
	// queue, up to limit, returning how many moved
	PromoteDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// PromoterOptions tune the delayed-to-ready promoter loop
type PromoterOptions struct {
	Interval time.Duration
	Batch    int
}

// Promoter periodically promotes due delayed entries onto the ready queue
type Promoter struct {
	q   Queue
	clk clock.Clock
	log logger.Logger
	opt PromoterOptions
}

// NewPromoter builds a promoter over q
func NewPromoter(q Queue, clk clock.Clock, log logger.Logger, opt PromoterOptions) *Promoter {
	if opt.Interval <= 0 {
		opt.Interval = time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 100
	}
	return &Promoter{q: q, clk: clk, log: log, opt: opt}
}

// Run promotes until ctx is cancelled
func (p *Promoter) Run(ctx context.Context) {
	p.log.Info().Dur("interval", p.opt.Interval).Msg("queue promoter started")
	for {
		if err := p.clk.Sleep(ctx, p.opt.Interval); err != nil {
			p.log.Info().Msg("queue promoter stopped")
			return
		}
		n, err := p.q.PromoteDue(ctx, p.clk.Now(), p.opt.Batch)
		if err != nil {
			p.log.Error().Err(err).Msg("promote due entries")
			continue
		}
		if n > 0 {
			p.log.Debug().Int("promoted", n).Msg("delayed jobs promoted")
		}
	}
}

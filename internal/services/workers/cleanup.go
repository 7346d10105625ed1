package workers

import (
	"context"
	"time"
)

// CleanupOptions tune the terminal-row retention sweep
type CleanupOptions struct {
	// Interval is the sweep cadence
	Interval time.Duration

	// Retention is how long completed and failed rows stay queryable
	Retention time.Duration

	// Batch caps deletes per sweep so the sweep never owns the table
	Batch int
}

func (o *CleanupOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Hour
	}
	if o.Retention <= 0 {
		o.Retention = 30 * 24 * time.Hour
	}
	if o.Batch <= 0 {
		o.Batch = 500
	}
}

// RunCleanup deletes terminal jobs past their retention until ctx is
// cancelled. Artifacts age out separately at the storage layer.
func (r *Runner) RunCleanup(ctx context.Context, opt CleanupOptions) {
	opt.defaults()
	r.log.Info().Dur("retention", opt.Retention).Msg("job cleanup started")
	for {
		if err := r.clk.Sleep(ctx, opt.Interval); err != nil {
			r.log.Info().Msg("job cleanup stopped")
			return
		}
		cutoff := r.clk.Now().Add(-opt.Retention)
		n, err := r.jobs.DeleteTerminalBefore(ctx, cutoff, opt.Batch)
		if err != nil {
			r.log.Error().Err(err).Msg("job cleanup sweep")
			continue
		}
		if n > 0 {
			r.log.Info().Int64("deleted", n).Msg("terminal jobs cleaned up")
		}
	}
}

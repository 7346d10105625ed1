package workers

import (
	"context"
	"time"

	"shutter/internal/platform/ids"
	"shutter/internal/platform/metrics"
	"shutter/internal/services/jobs/domain"
	"shutter/internal/services/render"
)

// Scanner cadence and per-tick bounds. Scanners are repair loops, not the
// hot path; small batches keep them cheap.
const (
	scanInterval = time.Minute
	scanBatch    = 50
	enqueueGrace = 5 * time.Minute
)

// runScanner drives one scan function on the fixed cadence
func (r *Runner) runScanner(ctx context.Context, name string, scan func(context.Context, string) error) {
	scannerID := ids.NewWorkerID("scan-" + name)
	r.log.Info().Str("scanner", name).Msg("scanner started")
	for {
		if err := r.clk.Sleep(ctx, scanInterval); err != nil {
			r.log.Info().Str("scanner", name).Msg("scanner stopped")
			return
		}
		if err := scan(ctx, scannerID); err != nil {
			r.log.Error().Err(err).Str("scanner", name).Msg("scan tick")
		}
	}
}

// scanStuck reclaims processing jobs whose worker disappeared and pushes
// them through the normal retry/fail decision
func (r *Runner) scanStuck(ctx context.Context, scannerID string) error {
	now := r.clk.Now()
	stuck, err := r.jobs.FindStuck(ctx, now, r.opt.StuckAfter, scanBatch)
	if err != nil {
		return err
	}
	for _, j := range stuck {
		ok, err := r.jobs.TryLock(ctx, j.ID, scannerID, r.clk.Now(), r.opt.StuckAfter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		metrics.ObserveScannerPick("stuck")
		r.log.Warn().
			Str("job_id", j.ID).
			Str("was_locked_by", j.LockedBy).
			Msg("stuck job reclaimed")
		r.fail(ctx, j, scannerID, render.Errf(render.KindTimeout, "processing exceeded %s", r.opt.StuckAfter), r.log)
	}
	return nil
}

// scanRetryReady re-enqueues queued jobs whose retry time has come, along
// with rows that were persisted but never made it onto the queue
func (r *Runner) scanRetryReady(ctx context.Context, scannerID string) error {
	now := r.clk.Now()
	ready, err := r.jobs.FindReadyForRetry(ctx, now, enqueueGrace, scanBatch)
	if err != nil {
		return err
	}
	for _, j := range ready {
		ok, err := r.jobs.TryLock(ctx, j.ID, scannerID, r.clk.Now(), r.opt.StuckAfter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		metrics.ObserveScannerPick("retry_ready")

		// clear the schedule so the next tick does not pick it again, then
		// hand the claim back so a worker can take it
		j.NextRetryAt = nil
		j.LockedBy = ""
		j.LockedAt = nil
		j.UpdatedAt = r.clk.Now()
		if err := r.jobs.Update(ctx, j); err != nil {
			return err
		}
		if err := r.q.Enqueue(ctx, j.Snap()); err != nil {
			r.log.Warn().Err(err).Str("job_id", j.ID).Msg("re-enqueue ready job")
			continue
		}
		r.log.Info().Str("job_id", j.ID).Msg("retry-ready job re-enqueued")
	}
	return nil
}

// scanFailedRetryable rescues failed jobs that still had retry budget when
// the process died before scheduling them
func (r *Runner) scanFailedRetryable(ctx context.Context, scannerID string) error {
	failed, err := r.jobs.FindFailedRetryable(ctx, scanBatch)
	if err != nil {
		return err
	}
	for _, j := range failed {
		ok, err := r.jobs.TryLock(ctx, j.ID, scannerID, r.clk.Now(), r.opt.StuckAfter)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		metrics.ObserveScannerPick("failed_retryable")

		now := r.clk.Now()
		delay := r.policy.Backoff.Delay(j.RetryCount)
		next := now.Add(delay)
		j.RetryCount++
		j.Status = domain.StatusQueued
		j.NextRetryAt = &next
		j.RetryType = domain.RetryAutomatic
		j.LockedBy = ""
		j.LockedAt = nil
		j.UpdatedAt = now
		if err := r.jobs.Update(ctx, j); err != nil {
			return err
		}
		if err := r.q.EnqueueDelayed(ctx, j.Snap(), next); err != nil {
			r.log.Warn().Err(err).Str("job_id", j.ID).Msg("schedule rescued job")
			continue
		}
		r.log.Info().
			Str("job_id", j.ID).
			Dur("delay", delay).
			Msg("failed-retryable job rescheduled")
	}
	return nil
}

package workers

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"shutter/internal/platform/clock"
	"shutter/internal/platform/ids"
	"shutter/internal/platform/logger"
	"shutter/internal/platform/metrics"
	"shutter/internal/services/credits"
	"shutter/internal/services/jobs/domain"
	jobsvc "shutter/internal/services/jobs/service"
	"shutter/internal/services/queue"
	"shutter/internal/services/render"
)

// Options tune the execution pool
type Options struct {
	// Workers is the number of concurrent job loops
	Workers int

	// AttemptTimeout bounds one render; clamped to [1s, 60s]
	AttemptTimeout time.Duration

	// CheckoutTimeout bounds the wait for a free browser
	CheckoutTimeout time.Duration

	// IdleSleep is the backoff when the ready queue is empty
	IdleSleep time.Duration

	// StuckAfter is how old a lock must be before it counts as abandoned
	StuckAfter time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.AttemptTimeout > time.Minute {
		o.AttemptTimeout = time.Minute
	}
	if o.CheckoutTimeout <= 0 {
		o.CheckoutTimeout = 10 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 500 * time.Millisecond
	}
	if o.StuckAfter <= 0 {
		o.StuckAfter = 30 * time.Minute
	}
}

// Runner owns the worker pool and scanners for one process
type Runner struct {
	jobs     domain.Store
	q        queue.Queue
	pool     *render.Pool
	analyzer render.Analyzer
	objects  domain.ObjectStore
	ledger   credits.Ledger
	events   jobsvc.Events
	policy   Policy
	clk      clock.Clock
	log      logger.Logger
	opt      Options
}

// NewRunner wires a Runner
func NewRunner(
	jobs domain.Store,
	q queue.Queue,
	pool *render.Pool,
	analyzer render.Analyzer,
	objects domain.ObjectStore,
	ledger credits.Ledger,
	events jobsvc.Events,
	clk clock.Clock,
	log logger.Logger,
	opt Options,
) *Runner {
	opt.defaults()
	if events == nil {
		events = jobsvc.NopEvents{}
	}
	if analyzer == nil {
		analyzer = render.EchoAnalyzer{}
	}
	return &Runner{
		jobs: jobs, q: q, pool: pool, analyzer: analyzer, objects: objects,
		ledger: ledger, events: events, policy: DefaultPolicy(),
		clk: clk, log: log, opt: opt,
	}
}

// Run starts the workers and scanners and blocks until ctx is cancelled
// and everything has drained
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < r.opt.Workers; i++ {
		wg.Add(1)
		workerID := ids.NewWorkerID("worker")
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workerID)
		}()
	}

	wg.Add(3)
	go func() { defer wg.Done(); r.runScanner(ctx, "stuck", r.scanStuck) }()
	go func() { defer wg.Done(); r.runScanner(ctx, "retry_ready", r.scanRetryReady) }()
	go func() { defer wg.Done(); r.runScanner(ctx, "failed_retryable", r.scanFailedRetryable) }()

	wg.Add(1)
	go func() { defer wg.Done(); r.gaugeLoop(ctx) }()

	wg.Wait()
}

// Recover re-enqueues queued jobs found at boot; anything persisted before
// a crash gets back in line without waiting for the scanners
func (r *Runner) Recover(ctx context.Context) error {
	pending, err := r.jobs.FindPending(ctx, r.clk.Now(), r.opt.StuckAfter, 1000)
	if err != nil {
		return err
	}
	for _, j := range pending {
		if err := r.q.Enqueue(ctx, j.Snap()); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		r.log.Info().Int("jobs", len(pending)).Msg("pending jobs recovered at boot")
	}
	return nil
}

// workerLoop pulls and processes jobs until ctx is cancelled
func (r *Runner) workerLoop(ctx context.Context, workerID string) {
	log := r.log.With().Str("worker_id", workerID).Logger()
	log.Info().Msg("worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Msg("worker stopped")
			return
		}
		snap, err := r.q.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dequeue")
			_ = r.clk.Sleep(ctx, r.opt.IdleSleep)
			continue
		}
		if snap == nil {
			_ = r.clk.Sleep(ctx, r.opt.IdleSleep)
			continue
		}
		r.process(ctx, workerID, snap.JobID, log)
	}
}

// process runs one job end to end under a fresh lock. The queue is
// at-least-once, so losing the lock race just means another worker has it.
func (r *Runner) process(ctx context.Context, workerID, jobID string, log logger.Logger) {
	now := r.clk.Now()
	ok, err := r.jobs.TryLock(ctx, jobID, workerID, now, r.opt.StuckAfter)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("lock job")
		return
	}
	if !ok {
		return
	}

	j, err := r.jobs.FindByID(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("load locked job")
		return
	}
	if j.Status != domain.StatusQueued {
		// stale queue entry for a job that already moved on
		if err := r.jobs.Unlock(ctx, jobID, workerID); err != nil {
			log.Warn().Err(err).Str("job_id", jobID).Msg("unlock stale entry")
		}
		return
	}

	ctx = logger.WithJob(ctx, jobID)
	j.Status = domain.StatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
	if err := r.jobs.Update(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("mark processing")
		return
	}

	checkoutCtx, cancel := context.WithTimeout(ctx, r.opt.CheckoutTimeout)
	b, err := r.pool.Checkout(checkoutCtx)
	cancel()
	if err != nil {
		// no browser in time: back to the queue on a short delay rather
		// than holding the row in processing
		r.requeueAfterCheckoutMiss(ctx, j, workerID, log)
		return
	}

	res, renderErr := r.renderWithTimeout(ctx, b, j)
	r.pool.Return(b, renderErr == nil || render.KindOf(renderErr) != render.KindTimeout)

	if renderErr != nil {
		r.fail(ctx, j, workerID, renderErr, log)
		return
	}
	r.complete(ctx, j, workerID, res, log)
}

// renderWithTimeout executes the attempt, and for analysis jobs also runs
// the prompt against the rendered page
func (r *Runner) renderWithTimeout(ctx context.Context, b render.Browser, j *domain.Job) (*render.Result, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.opt.AttemptTimeout)
	defer cancel()

	res, err := b.Render(attemptCtx, j.Request)
	if err != nil {
		return nil, err
	}
	if j.Kind == domain.KindAnalysis {
		answer, err := r.analyzer.Analyze(attemptCtx, j.Request, res)
		if err != nil {
			return nil, err
		}
		res.Meta.Analysis = answer
	}
	return res, nil
}

// requeueAfterCheckoutMiss puts the job back in line with a small delay
func (r *Runner) requeueAfterCheckoutMiss(ctx context.Context, j *domain.Job, workerID string, log logger.Logger) {
	now := r.clk.Now()
	next := now.Add(30 * time.Second)
	j.Status = domain.StatusQueued
	j.NextRetryAt = &next
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	if err := r.jobs.Update(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("requeue after checkout miss")
		return
	}
	if err := r.q.EnqueueDelayed(ctx, j.Snap(), next); err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("delay enqueue after checkout miss")
	}
	metrics.ObserveAttempt("pool_exhausted")
	log.Warn().Str("job_id", j.ID).Str("worker_id", workerID).Msg("no browser available, job requeued")
}

// complete persists success and emits the completion event
func (r *Runner) complete(ctx context.Context, j *domain.Job, workerID string, res *render.Result, log logger.Logger) {
	now := r.clk.Now()

	key := fmt.Sprintf("%s.%s", j.ID, j.Request.Extension())
	url, err := r.objects.Put(ctx, key, res.ContentType, bytes.NewReader(res.Body), int64(len(res.Body)))
	if err != nil {
		r.fail(ctx, j, workerID, err, log)
		return
	}

	j.Status = domain.StatusCompleted
	j.ResultURL = url
	j.ResultMeta = &res.Meta
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.ProcessingTimeMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	j.ErrorMessage = ""
	j.NextRetryAt = nil
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	if err := r.jobs.Update(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("persist completion")
		return
	}

	event := "SCREENSHOT_COMPLETED"
	if j.Kind == domain.KindAnalysis {
		event = "ANALYSIS_COMPLETED"
	}
	r.notify(ctx, j, event, map[string]string{
		"jobId":     j.ID,
		"resultUrl": url,
	}, log)

	metrics.ObserveAttempt("completed")
	metrics.ObserveJob(string(j.Kind), string(domain.StatusCompleted), time.Duration(j.ProcessingTimeMs)*time.Millisecond)
	log.Info().
		Str("job_id", j.ID).
		Int64("processing_ms", j.ProcessingTimeMs).
		Msg("job completed")
}

// fail applies the retry policy: either schedule another attempt or land
// the job terminally failed with a refund
func (r *Runner) fail(ctx context.Context, j *domain.Job, workerID string, cause error, log logger.Logger) {
	now := r.clk.Now()
	j.LastFailReason = cause.Error()
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now

	retryable := r.policy.ShouldRetry(cause)
	if retryable && j.RetryCount < j.MaxRetries {
		delay := r.policy.Backoff.Delay(j.RetryCount)
		next := now.Add(delay)
		j.RetryCount++
		j.Status = domain.StatusQueued
		j.NextRetryAt = &next
		j.RetryType = domain.RetryAutomatic
		j.IsRetryable = true
		if err := r.jobs.Update(ctx, j); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("persist retry schedule")
			return
		}
		if err := r.q.EnqueueDelayed(ctx, j.Snap(), next); err != nil {
			// the retry-ready scanner will still find the row
			log.Warn().Err(err).Str("job_id", j.ID).Msg("delay enqueue retry")
		}
		retried := map[string]string{
			"jobId":      j.ID,
			"retryType":  string(domain.RetryAutomatic),
			"retryCount": fmt.Sprintf("%d", j.RetryCount),
		}
		r.events.Emit(ctx, j.UserID, "SCREENSHOT_RETRIED", retried)
		if j.WebhookURL != "" {
			r.events.EmitTo(ctx, j.UserID, j.WebhookURL, "SCREENSHOT_RETRIED", retried)
		}
		metrics.ObserveAttempt("retried")
		log.Warn().
			Str("job_id", j.ID).
			Int("retry_count", j.RetryCount).
			Dur("delay", delay).
			Err(cause).
			Msg("job attempt failed, retry scheduled")
		return
	}

	j.Status = domain.StatusFailed
	j.ErrorMessage = cause.Error()
	j.IsRetryable = false
	j.NextRetryAt = nil
	if err := r.jobs.Update(ctx, j); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("persist terminal failure")
		return
	}

	// the original deduction covered every automatic attempt; give it back
	price := credits.Price(string(j.Kind))
	if _, err := r.ledger.Refund(ctx, j.UserID, price, credits.ReasonRefund, j.ID); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("refund after terminal failure")
	}

	event := "SCREENSHOT_FAILED"
	if j.Kind == domain.KindAnalysis {
		event = "ANALYSIS_FAILED"
	}
	r.notify(ctx, j, event, map[string]string{
		"jobId": j.ID,
		"error": j.ErrorMessage,
	}, log)

	metrics.ObserveAttempt("failed")
	metrics.ObserveJob(string(j.Kind), string(domain.StatusFailed), 0)
	log.Error().
		Str("job_id", j.ID).
		Str("worker_id", workerID).
		Err(cause).
		Msg("job terminally failed")
}

// notify emits a terminal event to the user's registered endpoints and to
// the job's own webhook URL, and marks the row only when at least one
// delivery was actually recorded
func (r *Runner) notify(ctx context.Context, j *domain.Job, event string, data map[string]string, log logger.Logger) {
	recorded := r.events.Emit(ctx, j.UserID, event, data)
	if j.WebhookURL != "" && r.events.EmitTo(ctx, j.UserID, j.WebhookURL, event, data) {
		recorded++
	}
	if recorded == 0 {
		return
	}
	j.WebhookSent = true
	j.UpdatedAt = r.clk.Now()
	if err := r.jobs.Update(ctx, j); err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("mark webhook sent")
	}
}

// gaugeLoop keeps the queue depth gauge fresh
func (r *Runner) gaugeLoop(ctx context.Context) {
	for {
		if err := r.clk.Sleep(ctx, 10*time.Second); err != nil {
			return
		}
		if n, err := r.q.Size(ctx); err == nil {
			metrics.SetQueueDepth("ready", int(n))
		}
	}
}

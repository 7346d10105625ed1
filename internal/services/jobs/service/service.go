// Package service implements job admission and the owner-facing job
// operations on top of the store, queue, ledger, and rate limiter
package service

import (
	"context"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"shutter/internal/core/token"
	"shutter/internal/platform/clock"
	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/ids"
	"shutter/internal/platform/logger"
	"shutter/internal/platform/metrics"
	"shutter/internal/services/credits"
	"shutter/internal/services/jobs/domain"
	"shutter/internal/services/queue"
	"shutter/internal/services/ratelimit"
)

// Events is the webhook fan-out seam; implementations must not block on
// delivery
type Events interface {
	// Emit fans the event out to the user's subscribed endpoints and
	// reports how many deliveries were recorded
	Emit(ctx context.Context, userID, event string, data map[string]string) int

	// EmitTo records a delivery to one caller-supplied URL outside any
	// registered endpoint; reports whether a delivery was recorded
	EmitTo(ctx context.Context, userID, rawURL, event string, data map[string]string) bool
}

// NopEvents drops every event; useful in tests and when webhooks are off
type NopEvents struct{}

// Emit does nothing
func (NopEvents) Emit(context.Context, string, string, map[string]string) int { return 0 }

// EmitTo does nothing
func (NopEvents) EmitTo(context.Context, string, string, string, map[string]string) bool {
	return false
}

// Options tune admission behavior
type Options struct {
	// MaxRetries is the retry budget stamped on new jobs
	MaxRetries int

	// Tokens signs artifact download tokens; nil disables the issue path
	Tokens *token.Tokenizer
}

// Service is the admission controller plus job queries
type Service struct {
	log      logger.Logger
	clk      clock.Clock
	jobs     domain.Store
	q        queue.Queue
	ledger   credits.Ledger
	limiter  ratelimit.Limiter
	events   Events
	validate *validator.Validate
	trans    ut.Translator
	opt      Options
}

// New wires a Service
func New(
	jobs domain.Store,
	q queue.Queue,
	ledger credits.Ledger,
	limiter ratelimit.Limiter,
	events Events,
	clk clock.Clock,
	log logger.Logger,
	opt Options,
) *Service {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = domain.DefaultMaxRetries
	}
	if events == nil {
		events = NopEvents{}
	}
	v, trans := newValidator()
	return &Service{
		log: log, clk: clk, jobs: jobs, q: q,
		ledger: ledger, limiter: limiter, events: events,
		validate: v, trans: trans, opt: opt,
	}
}

// SubmitResult is what a successful admission returns
type SubmitResult struct {
	JobID         string
	Status        domain.JobStatus
	QueuePosition int64
}

// Submit admits one job: validate, rate-limit, deduct credits, persist,
// enqueue. The deduction is released if the job cannot be persisted; a
// persisted job that misses the queue is recovered by the retry scanner.
func (s *Service) Submit(
	ctx context.Context,
	userID, apiKeyID string,
	req domain.ScreenshotRequest,
	webhookURL string,
	kind domain.JobKind,
) (*SubmitResult, error) {
	if kind == "" {
		kind = domain.KindScreenshot
	}

	req.Normalize()
	if err := s.validateRequest(&req); err != nil {
		metrics.ObserveAdmission(string(kind), "validation_failed")
		return nil, err
	}
	if err := validateWebhookURL(webhookURL); err != nil {
		metrics.ObserveAdmission(string(kind), "validation_failed")
		return nil, err
	}

	op := ratelimit.OpScreenshot
	if kind == domain.KindAnalysis {
		op = ratelimit.OpAnalysis
	}
	decision, err := s.limiter.Check(ctx, userID, op)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		metrics.ObserveAdmission(string(kind), "rate_limited")
		return nil, &domain.RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	price := credits.Price(string(kind))
	reason := credits.ReasonScreenshot
	if kind == domain.KindAnalysis {
		reason = credits.ReasonAnalysis
	}

	now := s.clk.Now()
	jobID := ids.NewJobID(now)
	if _, err := s.ledger.Deduct(ctx, userID, price, reason, jobID); err != nil {
		metrics.ObserveAdmission(string(kind), "insufficient_credits")
		return nil, err
	}

	j := &domain.Job{
		ID:          jobID,
		UserID:      userID,
		APIKeyID:    apiKeyID,
		Kind:        kind,
		Request:     req,
		Status:      domain.StatusQueued,
		MaxRetries:  s.opt.MaxRetries,
		IsRetryable: true,
		RetryType:   domain.RetryNone,
		WebhookURL:  webhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Insert(ctx, j); err != nil {
		// release the reserve; the job never existed
		if _, rerr := s.ledger.Refund(ctx, userID, price, credits.ReasonRefund, jobID); rerr != nil {
			s.log.Error().Err(rerr).Str("job_id", jobID).Msg("refund after failed insert")
		}
		metrics.ObserveAdmission(string(kind), "error")
		return nil, err
	}

	if err := s.q.Enqueue(ctx, j.Snap()); err != nil {
		// the row exists; the retry-ready scanner will pick it up
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("enqueue failed, leaving job for scanner")
	}

	pos, err := s.q.Size(ctx)
	if err != nil {
		pos = 0
	}

	created := map[string]string{"jobId": jobID}
	s.events.Emit(ctx, userID, "SCREENSHOT_CREATED", created)
	if webhookURL != "" {
		s.events.EmitTo(ctx, userID, webhookURL, "SCREENSHOT_CREATED", created)
	}
	metrics.ObserveAdmission(string(kind), "admitted")
	s.log.Info().
		Str("job_id", jobID).
		Str("user_id", userID).
		Str("kind", string(kind)).
		Msg("job admitted")

	return &SubmitResult{JobID: jobID, Status: domain.StatusQueued, QueuePosition: pos}, nil
}

// Get returns a job scoped to its owner
func (s *Service) Get(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	return s.jobs.FindByIDAndUser(ctx, jobID, userID)
}

// List pages a user's jobs newest first
func (s *Service) List(
	ctx context.Context, userID string, status domain.JobStatus, limit, offset int,
) ([]*domain.Job, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.FindByUser(ctx, userID, status, limit, offset)
}

// BulkStatus resolves many ids at once; ids the user does not own are
// silently absent from the result
func (s *Service) BulkStatus(ctx context.Context, jobIDs []string, userID string) ([]*domain.Job, error) {
	if len(jobIDs) > 100 {
		jobIDs = jobIDs[:100]
	}
	return s.jobs.FindByIDs(ctx, jobIDs, userID)
}

// Retry re-submits a failed job on its owner's request: the pending delayed
// entry (if any) is cancelled, credits are deducted again, and the job
// re-enters the ready queue as a manual retry with its retry count advanced.
func (s *Service) Retry(ctx context.Context, jobID, userID string) (*domain.Job, error) {
	j, err := s.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, domain.ErrAuthRejected
	}
	if j.Status != domain.StatusFailed {
		return nil, domain.ErrNotRetryable
	}

	if _, err := s.q.CancelDelayed(ctx, jobID); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("cancel delayed entry")
	}

	price := credits.Price(string(j.Kind))
	if _, err := s.ledger.Deduct(ctx, userID, price, credits.ReasonManualRetry, jobID); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	j.Status = domain.StatusQueued
	j.RetryType = domain.RetryManual
	j.IsRetryable = true
	// a manual retry spends retry budget like an automatic one; jobs that
	// already exhausted it stay at the cap
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
	}
	j.NextRetryAt = nil
	j.ErrorMessage = ""
	j.LockedBy = ""
	j.LockedAt = nil
	j.UpdatedAt = now
	if err := s.jobs.Update(ctx, j); err != nil {
		if _, rerr := s.ledger.Refund(ctx, userID, price, credits.ReasonRefund, jobID); rerr != nil {
			s.log.Error().Err(rerr).Str("job_id", jobID).Msg("refund after failed retry update")
		}
		return nil, err
	}

	if err := s.q.Enqueue(ctx, j.Snap()); err != nil {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("enqueue retry failed, leaving job for scanner")
	}

	retried := map[string]string{
		"jobId":     jobID,
		"retryType": string(domain.RetryManual),
	}
	s.events.Emit(ctx, userID, "SCREENSHOT_RETRIED", retried)
	if j.WebhookURL != "" {
		s.events.EmitTo(ctx, userID, j.WebhookURL, "SCREENSHOT_RETRIED", retried)
	}
	s.log.Info().Str("job_id", jobID).Str("user_id", userID).Msg("manual retry admitted")
	return j, nil
}

// Stats returns the admin aggregates
func (s *Service) Stats(ctx context.Context) (domain.StatusCounts, map[string]int64, error) {
	counts, err := s.jobs.CountByStatus(ctx)
	if err != nil {
		return domain.StatusCounts{}, nil, err
	}
	formats, err := s.jobs.CountByFormat(ctx)
	if err != nil {
		return domain.StatusCounts{}, nil, err
	}
	return counts, formats, nil
}

// UserStats returns one user's aggregate view
func (s *Service) UserStats(ctx context.Context, userID string) (domain.StatusCounts, error) {
	return s.jobs.CountByStatusForUser(ctx, userID)
}

// ArtifactToken mints a short-lived download token for a completed job,
// bound to the job row's own id and owner
func (s *Service) ArtifactToken(ctx context.Context, jobID, userID string) (string, error) {
	if s.opt.Tokens == nil {
		return "", perr.Internalf("artifact tokens are not configured")
	}
	j, err := s.jobs.FindByIDAndUser(ctx, jobID, userID)
	if err != nil {
		return "", err
	}
	if j.Status != domain.StatusCompleted {
		return "", perr.InvalidArgf("job %s has no artifact yet", jobID)
	}
	return s.opt.Tokens.Issue(token.Claims{JobID: j.ID, UserID: j.UserID}, s.clk.Now()), nil
}

package service

import (
	"context"
	"time"

	"shutter/internal/platform/metrics"
	"shutter/internal/services/webhooks/domain"
)

// DispatcherOptions tune the delivery loop
type DispatcherOptions struct {
	Interval time.Duration
	Batch    int

	// StuckAfter is how long a claimed delivery may sit in DELIVERING
	// before another dispatcher takes it back
	StuckAfter time.Duration
}

// RunDispatcher claims due deliveries and attempts them until ctx is
// cancelled. Safe to run on several nodes at once; ClaimDue keeps them off
// each other's rows and reclaims rows a dead dispatcher left behind.
func (s *Service) RunDispatcher(ctx context.Context, opt DispatcherOptions) {
	if opt.Interval <= 0 {
		opt.Interval = 5 * time.Second
	}
	if opt.Batch <= 0 {
		opt.Batch = 50
	}
	if opt.StuckAfter <= 0 {
		opt.StuckAfter = 5 * time.Minute
	}
	s.log.Info().Dur("interval", opt.Interval).Msg("webhook dispatcher started")
	for {
		if err := s.clk.Sleep(ctx, opt.Interval); err != nil {
			s.log.Info().Msg("webhook dispatcher stopped")
			return
		}
		due, err := s.store.ClaimDue(ctx, s.clk.Now(), opt.StuckAfter, opt.Batch)
		if err != nil {
			s.log.Error().Err(err).Msg("claim due deliveries")
			continue
		}
		for _, d := range due {
			s.Attempt(ctx, d)
		}
	}
}

// Attempt runs one delivery attempt and persists the outcome.
// Classification: 2xx delivers; 401 and 403 fail permanently; anything
// else retries until the attempt budget runs out.
func (s *Service) Attempt(ctx context.Context, d *domain.Delivery) {
	now := s.clk.Now()
	a := s.sender.Send(ctx, d)

	if a.Skipped {
		// no POST went out; reschedule without spending attempt budget
		next := now.Add(domain.ScheduleFor(d.Event).DelayFor(d.Attempts))
		d.Status = domain.DeliveryRetrying
		d.NextRetryAt = &next
		d.UpdatedAt = now
		metrics.ObserveWebhook("skipped", 0, 0)
		if err := s.store.UpdateDelivery(ctx, d); err != nil {
			s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("persist skipped attempt")
			return
		}
		s.log.Debug().
			Str("delivery_id", d.ID).
			Str("event", d.Event).
			Msg("webhook attempt skipped, endpoint breaker open")
		return
	}

	d.Attempts++
	d.LastAttemptAt = &now
	d.ResponseCode = a.Code
	d.ResponseBody = truncate(a.Body, domain.MaxResponseBody)
	d.ResponseTimeMs = a.DurationMs
	d.UpdatedAt = now
	if a.Err != nil {
		d.Error = a.Err.Error()
	} else {
		d.Error = ""
	}

	switch {
	case a.Code >= 200 && a.Code < 300:
		d.Status = domain.DeliveryDelivered
		d.NextRetryAt = nil
		metrics.ObserveWebhook("delivered", a.Code, time.Duration(a.DurationMs)*time.Millisecond)

	case a.Code == 401 || a.Code == 403:
		// the endpoint rejected our identity; retrying cannot help
		d.Status = domain.DeliveryFailed
		d.NextRetryAt = nil
		metrics.ObserveWebhook("rejected", a.Code, time.Duration(a.DurationMs)*time.Millisecond)

	case d.Attempts < d.MaxAttempts:
		d.Status = domain.DeliveryRetrying
		next := now.Add(domain.ScheduleFor(d.Event).DelayFor(d.Attempts))
		d.NextRetryAt = &next
		metrics.ObserveWebhook("retrying", a.Code, time.Duration(a.DurationMs)*time.Millisecond)

	default:
		d.Status = domain.DeliveryFailed
		d.NextRetryAt = nil
		metrics.ObserveWebhook("failed", a.Code, time.Duration(a.DurationMs)*time.Millisecond)
	}

	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		s.log.Error().Err(err).Str("delivery_id", d.ID).Msg("persist delivery attempt")
		return
	}

	evt := s.log.Debug()
	if d.Status == domain.DeliveryFailed {
		evt = s.log.Warn()
	}
	evt.Str("delivery_id", d.ID).
		Str("event", d.Event).
		Str("status", string(d.Status)).
		Int("code", a.Code).
		Int("attempts", d.Attempts).
		Msg("webhook attempt")
}

// CleanupOptions tune delivery history pruning
type CleanupOptions struct {
	Interval           time.Duration
	DeliveredRetention time.Duration
	FailedRetention    time.Duration
	Batch              int
}

// RunCleanup prunes old terminal deliveries until ctx is cancelled
func (s *Service) RunCleanup(ctx context.Context, opt CleanupOptions) {
	if opt.Interval <= 0 {
		opt.Interval = time.Hour
	}
	if opt.DeliveredRetention <= 0 {
		opt.DeliveredRetention = 30 * 24 * time.Hour
	}
	if opt.FailedRetention <= 0 {
		opt.FailedRetention = 7 * 24 * time.Hour
	}
	if opt.Batch <= 0 {
		opt.Batch = 500
	}
	s.log.Info().Dur("interval", opt.Interval).Msg("webhook cleanup started")
	for {
		if err := s.clk.Sleep(ctx, opt.Interval); err != nil {
			s.log.Info().Msg("webhook cleanup stopped")
			return
		}
		now := s.clk.Now()
		n, err := s.store.DeleteOlderThan(ctx,
			now.Add(-opt.DeliveredRetention), now.Add(-opt.FailedRetention), opt.Batch)
		if err != nil {
			s.log.Error().Err(err).Msg("prune deliveries")
			continue
		}
		if n > 0 {
			s.log.Info().Int64("pruned", n).Msg("old deliveries pruned")
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

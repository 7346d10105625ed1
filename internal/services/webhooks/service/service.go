// Package service implements webhook endpoint management and the delivery
// engine: fan-out, signed sends, bounded retries, and history pruning
package service

import (
	"context"

	"shutter/internal/core/signing"
	"shutter/internal/platform/clock"
	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/ids"
	"shutter/internal/platform/logger"
	"shutter/internal/services/webhooks/domain"
)

// Service manages webhook configs and turns domain events into deliveries
type Service struct {
	store  domain.Store
	sender *Sender
	clk    clock.Clock
	log    logger.Logger
}

// New wires a Service
func New(store domain.Store, sender *Sender, clk clock.Clock, log logger.Logger) *Service {
	return &Service{store: store, sender: sender, clk: clk, log: log}
}

// CreateConfig registers a new endpoint with a server-minted secret
func (s *Service) CreateConfig(
	ctx context.Context, userID, rawURL, description string, events []string,
) (*domain.Config, error) {
	if err := domain.ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, perr.Validationf("at least one event subscription is required")
	}
	for _, e := range events {
		if !domain.KnownEvent(e) {
			return nil, perr.Validationf("unknown event %q", e)
		}
	}

	n, err := s.store.CountConfigs(ctx, userID)
	if err != nil {
		return nil, err
	}
	if n >= domain.MaxConfigsPerUser {
		return nil, domain.ErrConfigLimit
	}

	secret, err := signing.NewSecret()
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "mint webhook secret")
	}

	now := s.clk.Now()
	c := &domain.Config{
		ID:          ids.NewConfigID(),
		UserID:      userID,
		URL:         rawURL,
		Secret:      secret,
		Events:      events,
		IsActive:    true,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertConfig(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info().Str("config_id", c.ID).Str("user_id", userID).Msg("webhook config created")
	return c, nil
}

// UpdateConfig changes the mutable fields of an endpoint. The secret is not
// touchable here; use RotateSecret.
func (s *Service) UpdateConfig(
	ctx context.Context, id, userID, rawURL, description string, events []string, active bool,
) (*domain.Config, error) {
	c, err := s.store.FindConfig(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if rawURL != "" {
		if err := domain.ValidateURL(rawURL); err != nil {
			return nil, err
		}
		c.URL = rawURL
	}
	if events != nil {
		for _, e := range events {
			if !domain.KnownEvent(e) {
				return nil, perr.Validationf("unknown event %q", e)
			}
		}
		c.Events = events
	}
	c.Description = description
	c.IsActive = active
	c.UpdatedAt = s.clk.Now()
	if err := s.store.UpdateConfig(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// RotateSecret replaces the signing secret. Deliveries already created keep
// their old signature; only future fan-outs use the new secret.
func (s *Service) RotateSecret(ctx context.Context, id, userID string) (*domain.Config, error) {
	c, err := s.store.FindConfig(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	secret, err := signing.NewSecret()
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeUnknown, "mint webhook secret")
	}
	c.Secret = secret
	c.UpdatedAt = s.clk.Now()
	if err := s.store.UpdateConfig(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info().Str("config_id", id).Msg("webhook secret rotated")
	return c, nil
}

// DeleteConfig removes an endpoint registration
func (s *Service) DeleteConfig(ctx context.Context, id, userID string) error {
	return s.store.DeleteConfig(ctx, id, userID)
}

// GetConfig returns one endpoint scoped to its owner
func (s *Service) GetConfig(ctx context.Context, id, userID string) (*domain.Config, error) {
	return s.store.FindConfig(ctx, id, userID)
}

// ListConfigs returns all of a user's endpoints
func (s *Service) ListConfigs(ctx context.Context, userID string) ([]*domain.Config, error) {
	return s.store.FindConfigsByUser(ctx, userID)
}

// ListDeliveries pages a user's delivery history
func (s *Service) ListDeliveries(
	ctx context.Context, userID string, limit, offset int,
) ([]*domain.Delivery, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.FindDeliveriesByUser(ctx, userID, limit, offset)
}

// Emit fans one event out to every matching endpoint and reports how many
// deliveries were recorded. It only records them; the dispatcher sends.
// Fan-out failures are logged, not surfaced, so job processing never stalls
// on webhook bookkeeping.
func (s *Service) Emit(ctx context.Context, userID, event string, data map[string]string) int {
	configs, err := s.store.FindActiveSubscribed(ctx, userID, event)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("webhook fan-out lookup")
		return 0
	}
	recorded := 0
	for _, c := range configs {
		if _, err := s.createDelivery(ctx, c.ID, c.UserID, c.URL, c.Secret, event, data); err != nil {
			s.log.Error().Err(err).
				Str("config_id", c.ID).
				Str("event", event).
				Msg("record webhook delivery")
			continue
		}
		recorded++
	}
	return recorded
}

// EmitTo records one delivery to a caller-supplied URL, typically the
// webhook URL attached to a single job. There is no registered endpoint
// behind it, so the payload goes out unsigned.
func (s *Service) EmitTo(ctx context.Context, userID, rawURL, event string, data map[string]string) bool {
	if err := domain.ValidateURL(rawURL); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("ad-hoc webhook url rejected")
		return false
	}
	if _, err := s.createDelivery(ctx, "", userID, rawURL, "", event, data); err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("record ad-hoc webhook delivery")
		return false
	}
	return true
}

// SendTest fans a WEBHOOK_TEST event out to one specific endpoint,
// regardless of its subscriptions, and returns the recorded delivery
func (s *Service) SendTest(ctx context.Context, configID, userID string) (*domain.Delivery, error) {
	c, err := s.store.FindConfig(ctx, configID, userID)
	if err != nil {
		return nil, err
	}
	return s.createDelivery(ctx, c.ID, c.UserID, c.URL, c.Secret, domain.EventWebhookTest, map[string]string{
		"configId": c.ID,
	})
}

// createDelivery freezes the payload and signature for all future attempts.
// An empty secret records the delivery unsigned; an empty configID marks it
// as ad hoc.
func (s *Service) createDelivery(
	ctx context.Context, configID, userID, rawURL, secret, event string, data map[string]string,
) (*domain.Delivery, error) {
	now := s.clk.Now()
	body, err := signing.NewPayload(event, now, data).Canonical()
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeJSON, "encode webhook payload")
	}

	sig := ""
	if secret != "" {
		sig = signing.Sign(body, []byte(secret))
	}

	sched := domain.ScheduleFor(event)
	d := &domain.Delivery{
		ID:          ids.NewDeliveryID(now),
		ConfigID:    configID,
		UserID:      userID,
		Event:       event,
		Payload:     body,
		Signature:   sig,
		Status:      domain.DeliveryPending,
		URL:         rawURL,
		MaxAttempts: sched.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.InsertDelivery(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

package domain

import (
	"context"
	"errors"
	"time"
)

// ErrConfigNotFound is returned for lookups of configs that do not exist
// or belong to someone else
var ErrConfigNotFound = errors.New("webhook config not found")

// ErrConfigLimit is returned when a user is at MaxConfigsPerUser
var ErrConfigLimit = errors.New("webhook config limit reached")

// ErrDeliveryNotFound is returned for lookups of missing deliveries
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// Store is the persistence port for configs and deliveries
type Store interface {
	InsertConfig(ctx context.Context, c *Config) error
	UpdateConfig(ctx context.Context, c *Config) error
	DeleteConfig(ctx context.Context, id, userID string) error
	FindConfig(ctx context.Context, id, userID string) (*Config, error)
	FindConfigsByUser(ctx context.Context, userID string) ([]*Config, error)
	CountConfigs(ctx context.Context, userID string) (int, error)

	// FindActiveSubscribed returns the user's active configs subscribed to
	// the event; fan-out instantiates one delivery per result
	FindActiveSubscribed(ctx context.Context, userID, event string) ([]*Config, error)

	InsertDelivery(ctx context.Context, d *Delivery) error
	UpdateDelivery(ctx context.Context, d *Delivery) error
	FindDelivery(ctx context.Context, id string) (*Delivery, error)
	FindDeliveriesByUser(ctx context.Context, userID string, limit, offset int) ([]*Delivery, error)

	// ClaimDue atomically flips due pending/retrying deliveries to
	// DELIVERING and returns them; concurrent dispatchers never claim the
	// same row. DELIVERING rows untouched for longer than stuckAfter are
	// claimed too, so a dispatcher crash never strands a delivery.
	ClaimDue(ctx context.Context, now time.Time, stuckAfter time.Duration, limit int) ([]*Delivery, error)

	// DeleteOlderThan prunes terminal deliveries in bounded batches, with a
	// separate, usually shorter horizon for failed rows
	DeleteOlderThan(ctx context.Context, deliveredBefore, failedBefore time.Time, limit int) (int64, error)
}

// Package domain holds webhook configuration, delivery records, and the
// retry schedules that drive the delivery engine
package domain

import (
	"net/url"
	"time"

	perr "shutter/internal/platform/errors"
)

// Webhook event names on the wire
const (
	EventScreenshotCreated   = "SCREENSHOT_CREATED"
	EventScreenshotCompleted = "SCREENSHOT_COMPLETED"
	EventScreenshotFailed    = "SCREENSHOT_FAILED"
	EventScreenshotRetried   = "SCREENSHOT_RETRIED"
	EventAnalysisCompleted   = "ANALYSIS_COMPLETED"
	EventAnalysisFailed      = "ANALYSIS_FAILED"
	EventWebhookTest         = "WEBHOOK_TEST"
)

// KnownEvents enumerates every subscribable event
var KnownEvents = []string{
	EventScreenshotCreated,
	EventScreenshotCompleted,
	EventScreenshotFailed,
	EventScreenshotRetried,
	EventAnalysisCompleted,
	EventAnalysisFailed,
	EventWebhookTest,
}

// KnownEvent reports whether name is a subscribable event
func KnownEvent(name string) bool {
	for _, e := range KnownEvents {
		if e == name {
			return true
		}
	}
	return false
}

// MaxConfigsPerUser caps how many endpoints one account may register
const MaxConfigsPerUser = 10

// MaxURLLen bounds accepted webhook URLs
const MaxURLLen = 2048

// Config is one registered webhook endpoint. The secret is minted
// server-side and only replaced by rotation.
type Config struct {
	ID          string
	UserID      string
	URL         string
	Secret      string
	Events      []string
	IsActive    bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Subscribed reports whether the config wants the event
func (c *Config) Subscribed(event string) bool {
	for _, e := range c.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the lifecycle state of one delivery
type DeliveryStatus string

// Delivery lifecycle states
const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryFailed     DeliveryStatus = "failed"
)

// MaxResponseBody is how much of an endpoint's response gets recorded
const MaxResponseBody = 1000

// Delivery is one (config, event) send with its attempt history. Payload
// and Signature are fixed at creation, so every attempt sends identical
// bytes and consumers can deduplicate on the delivery id. ConfigID and
// Signature are empty for ad-hoc deliveries to a job-supplied URL.
type Delivery struct {
	ID       string
	ConfigID string
	UserID   string
	Event    string

	Payload   []byte
	Signature string

	Status DeliveryStatus
	URL    string

	Attempts    int
	MaxAttempts int

	LastAttemptAt  *time.Time
	NextRetryAt    *time.Time
	ResponseCode   int
	ResponseBody   string
	ResponseTimeMs int64
	Error          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the delivery is done for good
func (d *Delivery) Terminal() bool {
	return d.Status == DeliveryDelivered || d.Status == DeliveryFailed
}

// Schedule is a retry timetable: one delay per already-spent attempt
type Schedule struct {
	Delays      []time.Duration
	MaxAttempts int
}

// ProductionSchedule spaces retries out over an hour
func ProductionSchedule() Schedule {
	return Schedule{
		Delays:      []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, time.Hour},
		MaxAttempts: 3,
	}
}

// TestSchedule is what WEBHOOK_TEST sends use: one quick shot
func TestSchedule() Schedule {
	return Schedule{
		Delays:      []time.Duration{30 * time.Second},
		MaxAttempts: 1,
	}
}

// DelayFor returns the wait before the next attempt given how many have
// already run; past the table it sticks to the last entry
func (s Schedule) DelayFor(attempts int) time.Duration {
	if len(s.Delays) == 0 {
		return time.Minute
	}
	if attempts < 1 {
		attempts = 1
	}
	idx := attempts - 1
	if idx >= len(s.Delays) {
		idx = len(s.Delays) - 1
	}
	return s.Delays[idx]
}

// ScheduleFor picks the timetable by event class
func ScheduleFor(event string) Schedule {
	if event == EventWebhookTest {
		return TestSchedule()
	}
	return ProductionSchedule()
}

// ValidateURL applies the endpoint rules: http(s) only, plain http only
// toward loopback, bounded length
func ValidateURL(raw string) error {
	if raw == "" {
		return perr.Validationf("webhook url is required")
	}
	if len(raw) > MaxURLLen {
		return perr.Validationf("webhook url exceeds %d characters", MaxURLLen)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return perr.Validationf("webhook url is not parsable")
	}
	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			return perr.Validationf("plain http webhook urls are only allowed toward loopback")
		}
	default:
		return perr.Validationf("webhook url scheme %q is not allowed", u.Scheme)
	}
	return nil
}

package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"shutter/internal/core/signing"
	"shutter/internal/platform/logger"
	"shutter/internal/services/webhooks/domain"
)

// defaultUserAgent identifies the delivery engine to receiving endpoints
const defaultUserAgent = "shutter-webhooks/1.0"

// Attempt is the outcome of one POST. Skipped means the breaker refused
// the request before it ever left the process.
type Attempt struct {
	Code       int
	Body       string
	DurationMs int64
	Err        error
	Skipped    bool
}

// Sender performs delivery attempts. Endpoints that keep failing trip a
// per-host circuit breaker so a dead host does not soak up attempt budget
// for every delivery pointed at it.
type Sender struct {
	client    *http.Client
	userAgent string
	log       logger.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewSender builds a Sender with the per-attempt timeout
func NewSender(timeout time.Duration, log logger.Logger) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		userAgent: defaultUserAgent,
		log:       log,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Send POSTs the delivery's fixed payload with its fixed signature
func (s *Sender) Send(ctx context.Context, d *domain.Delivery) Attempt {
	res, err := s.breakerFor(d.URL).Execute(func() (any, error) {
		return s.post(ctx, d)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Attempt{Err: err, Skipped: true}
		}
		if a, ok := res.(Attempt); ok && a.Code != 0 {
			return a
		}
		return Attempt{Err: err}
	}
	return res.(Attempt)
}

// post performs the raw request and reads back a bounded response slice
func (s *Sender) post(ctx context.Context, d *domain.Delivery) (Attempt, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return Attempt{Err: err}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Event", d.Event)
	req.Header.Set("X-Webhook-Delivery", d.ID)
	if d.Signature != "" {
		req.Header.Set("X-Webhook-Signature-256", signing.Header(d.Signature))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		a := Attempt{DurationMs: time.Since(start).Milliseconds(), Err: err}
		return a, err
	}
	defer resp.Body.Close() //nolint:errcheck

	body, _ := io.ReadAll(io.LimitReader(resp.Body, domain.MaxResponseBody))
	a := Attempt{
		Code:       resp.StatusCode,
		Body:       string(body),
		DurationMs: time.Since(start).Milliseconds(),
	}
	if resp.StatusCode >= 500 {
		// feed the breaker without losing the response details
		return a, &statusError{code: resp.StatusCode}
	}
	return a, nil
}

// breakerFor returns the circuit breaker guarding the delivery host
func (s *Sender) breakerFor(raw string) *gobreaker.CircuitBreaker {
	host := raw
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host = u.Host
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("webhook endpoint breaker state change")
		},
	})
	s.breakers[host] = cb
	return cb
}

type statusError struct{ code int }

func (e *statusError) Error() string { return http.StatusText(e.code) }

// Package metrics exposes the prometheus collectors the substrate records into.
// Collectors live in a resettable package registry so tests start clean.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	admissionTotal    *prometheus.CounterVec
	rateLimitTotal    *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	jobAttemptsTotal  *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	browsersInUse     prometheus.Gauge
	webhookAttempts   *prometheus.CounterVec
	webhookDuration   *prometheus.HistogramVec
	creditOpsTotal    *prometheus.CounterVec
	scannerPicksTotal *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all collectors. Primarily used by tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

func resetLocked() {
	reg = prometheus.NewRegistry()

	admissionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_admission_total",
		Help: "Submission outcomes by result (accepted, validation, rate_limited, insufficient_credits, auth, error).",
	}, []string{"kind", "result"})

	rateLimitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_ratelimit_decisions_total",
		Help: "Rate limiter decisions by operation and outcome.",
	}, []string{"op", "allowed"})

	jobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shutter_job_duration_seconds",
		Help:    "Wall time of one job attempt by kind and terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"kind", "status"})

	jobAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_job_attempts_total",
		Help: "Job attempts by outcome (completed, retried, failed, lock_lost).",
	}, []string{"outcome"})

	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "shutter_queue_depth",
		Help: "Entries currently in the ready and delayed queues.",
	}, []string{"queue"})

	browsersInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "shutter_browsers_in_use",
		Help: "Browsers currently checked out of the pool.",
	})

	webhookAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_webhook_attempts_total",
		Help: "Webhook delivery attempts by classification (delivered, retryable, permanent, transport).",
	}, []string{"result"})

	webhookDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shutter_webhook_attempt_seconds",
		Help:    "Duration of one webhook POST by HTTP status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	creditOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_credit_ops_total",
		Help: "Credit ledger operations (deduct, refund) by outcome.",
	}, []string{"op", "outcome"})

	scannerPicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "shutter_scanner_picks_total",
		Help: "Jobs picked up by the recovery scanners.",
	}, []string{"scanner"})

	reg.MustRegister(
		admissionTotal, rateLimitTotal, jobDuration, jobAttemptsTotal,
		queueDepth, browsersInUse, webhookAttempts, webhookDuration,
		creditOpsTotal, scannerPicksTotal,
	)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveAdmission records one submission outcome
func ObserveAdmission(kind, result string) {
	mu.RLock()
	defer mu.RUnlock()
	admissionTotal.WithLabelValues(kind, result).Inc()
}

// ObserveRateLimit records one limiter decision
func ObserveRateLimit(op string, allowed bool) {
	mu.RLock()
	defer mu.RUnlock()
	rateLimitTotal.WithLabelValues(op, strconv.FormatBool(allowed)).Inc()
}

// ObserveJob records the duration of a finished attempt
func ObserveJob(kind, status string, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	jobDuration.WithLabelValues(kind, status).Observe(d.Seconds())
}

// ObserveAttempt counts one worker attempt outcome
func ObserveAttempt(outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	jobAttemptsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the current size of a queue
func SetQueueDepth(queue string, n int) {
	mu.RLock()
	defer mu.RUnlock()
	queueDepth.WithLabelValues(queue).Set(float64(n))
}

// BrowserCheckedOut tracks pool utilization
func BrowserCheckedOut() { mu.RLock(); defer mu.RUnlock(); browsersInUse.Inc() }

// BrowserReturned is the counterpart of BrowserCheckedOut
func BrowserReturned() { mu.RLock(); defer mu.RUnlock(); browsersInUse.Dec() }

// ObserveWebhook records one delivery attempt classification and duration
func ObserveWebhook(result string, status int, d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	webhookAttempts.WithLabelValues(result).Inc()
	webhookDuration.WithLabelValues(statusClass(status)).Observe(d.Seconds())
}

// ObserveCreditOp records one ledger operation
func ObserveCreditOp(op, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	creditOpsTotal.WithLabelValues(op, outcome).Inc()
}

// ObserveScannerPick counts a job recovered by a scanner
func ObserveScannerPick(scanner string) {
	mu.RLock()
	defer mu.RUnlock()
	scannerPicksTotal.WithLabelValues(scanner).Inc()
}

func statusClass(code int) string {
	switch {
	case code <= 0:
		return "error"
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

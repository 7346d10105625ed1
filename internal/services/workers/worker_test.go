package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"shutter/internal/core/backoff"
	"shutter/internal/platform/clock"
	"shutter/internal/platform/logger"
	"shutter/internal/services/jobs/domain"
	"shutter/internal/services/jobs/domain/domaintest"
	"shutter/internal/services/queue"
	"shutter/internal/services/render"
)

// scriptedBrowser renders what its script says, advancing the fake clock
// to give jobs a visible processing time
type scriptedBrowser struct {
	clk     *clock.Fake
	renders func() error
}

func (b *scriptedBrowser) ID() string { return "b-test" }

func (b *scriptedBrowser) Render(context.Context, domain.ScreenshotRequest) (*render.Result, error) {
	b.clk.Advance(250 * time.Millisecond)
	if err := b.renders(); err != nil {
		return nil, err
	}
	return &render.Result{
		Body:        []byte("pixels"),
		ContentType: "image/png",
		Meta:        domain.ResultMetadata{FinalURL: "https://example.com/", ByteSize: 6},
	}, nil
}

func (b *scriptedBrowser) Healthy() bool { return true }
func (b *scriptedBrowser) Close() error  { return nil }

type fakeLedger struct {
	mu      sync.Mutex
	refunds int
}

func (l *fakeLedger) Balance(context.Context, string) (int64, error)          { return 0, nil }
func (l *fakeLedger) HasCredits(context.Context, string, int64) (bool, error) { return true, nil }

func (l *fakeLedger) Deduct(_ context.Context, _ string, n int64, _, _ string) (int64, error) {
	return n, nil
}

func (l *fakeLedger) Refund(_ context.Context, _ string, n int64, _, _ string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refunds++
	return n, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	fanout int // deliveries reported recorded per Emit
	events []string
	direct []string // "event url" pairs from EmitTo
}

func (r *recordingEvents) Emit(_ context.Context, _ string, event string, _ map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.fanout
}

func (r *recordingEvents) EmitTo(_ context.Context, _, rawURL, event string, _ map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct = append(r.direct, event+" "+rawURL)
	return true
}

func (r *recordingEvents) directCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.direct)
}

func (r *recordingEvents) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type fixture struct {
	r       *Runner
	store   *domaintest.MemStore
	q       *queue.Memory
	ledger  *fakeLedger
	events  *recordingEvents
	clk     *clock.Fake
	renders func() error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   domaintest.NewMemStore(),
		q:       queue.NewMemory(),
		ledger:  &fakeLedger{},
		events:  &recordingEvents{fanout: 1},
		clk:     clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		renders: func() error { return nil },
	}
	factory := func(context.Context) (render.Browser, error) {
		return &scriptedBrowser{clk: f.clk, renders: func() error { return f.renders() }}, nil
	}
	pool := render.NewPool(factory, 1, *logger.Named("test"))
	t.Cleanup(pool.Shutdown)

	objects := &fsLikeObjects{}
	f.r = NewRunner(f.store, f.q, pool, nil, objects, f.ledger, f.events,
		f.clk, *logger.Named("test"), Options{CheckoutTimeout: 50 * time.Millisecond})
	f.r.policy = Policy{Backoff: backoff.Policy{Base: 30 * time.Second, Max: 30 * time.Minute}}
	return f
}

// fsLikeObjects is a minimal object store returning deterministic URLs
type fsLikeObjects struct {
	mu   sync.Mutex
	keys []string
}

func (o *fsLikeObjects) Put(_ context.Context, key, _ string, _ io.Reader, _ int64) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.keys = append(o.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func (o *fsLikeObjects) Delete(context.Context, string) error { return nil }

func (f *fixture) seedQueued(id string) {
	now := f.clk.Now()
	f.store.Seed(&domain.Job{
		ID: id, UserID: "u_1", Kind: domain.KindScreenshot,
		Request:     domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720, Format: domain.FormatPNG},
		Status:      domain.StatusQueued,
		MaxRetries:  3,
		IsRetryable: true,
		RetryType:   domain.RetryNone,
		CreatedAt:   now, UpdatedAt: now,
	})
}

func TestProcessCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")
	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	j, _ := f.store.Get("j_1")
	if j.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.ResultURL != "https://cdn.example.com/j_1.png" {
		t.Fatalf("result url = %q", j.ResultURL)
	}
	if j.ProcessingTimeMs <= 0 {
		t.Fatalf("processing time = %d, want > 0", j.ProcessingTimeMs)
	}
	if j.CompletedAt == nil || j.LockedBy != "" {
		t.Fatalf("terminal row = %+v", j)
	}
	if f.events.count("SCREENSHOT_COMPLETED") != 1 {
		t.Fatal("SCREENSHOT_COMPLETED not emitted exactly once")
	}
	if !j.WebhookSent {
		t.Fatal("webhook_sent not set after a recorded delivery")
	}
}

func TestProcessNotifiesJobURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := f.clk.Now()
	f.store.Seed(&domain.Job{
		ID: "j_1", UserID: "u_1", Kind: domain.KindScreenshot,
		Request:     domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720, Format: domain.FormatPNG},
		Status:      domain.StatusQueued,
		MaxRetries:  3,
		IsRetryable: true,
		WebhookURL:  "https://hooks.example.com/per-job",
		CreatedAt:   now, UpdatedAt: now,
	})

	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	f.events.mu.Lock()
	direct := append([]string(nil), f.events.direct...)
	f.events.mu.Unlock()
	if len(direct) != 1 || direct[0] != "SCREENSHOT_COMPLETED https://hooks.example.com/per-job" {
		t.Fatalf("direct emits = %v, want the job url notified on completion", direct)
	}

	j, _ := f.store.Get("j_1")
	if !j.WebhookSent {
		t.Fatal("webhook_sent not set")
	}
}

func TestProcessWebhookSentTracksDeliveries(t *testing.T) {
	t.Parallel()

	// nothing subscribed and no job url: the flag must stay false
	f := newFixture(t)
	f.events.fanout = 0
	f.seedQueued("j_1")

	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	j, _ := f.store.Get("j_1")
	if j.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", j.Status)
	}
	if j.WebhookSent {
		t.Fatal("webhook_sent set although no delivery was recorded")
	}
	if f.events.directCount() != 0 {
		t.Fatalf("direct emits = %d, want 0", f.events.directCount())
	}
}

func TestProcessRetrySchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")
	f.renders = func() error { return render.Errf(render.KindTimeout, "page load timed out") }

	start := f.clk.Now()
	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	j, _ := f.store.Get("j_1")
	if j.Status != domain.StatusQueued || j.RetryCount != 1 {
		t.Fatalf("after first failure: %+v", j)
	}
	if j.RetryType != domain.RetryAutomatic {
		t.Fatalf("retry type = %s", j.RetryType)
	}
	if j.NextRetryAt == nil {
		t.Fatal("no retry scheduled")
	}
	// first retry waits the 30s base; the render advanced the clock a bit
	delay := j.NextRetryAt.Sub(start)
	if delay < 30*time.Second || delay > 31*time.Second {
		t.Fatalf("first retry delay = %s, want ~30s", delay)
	}
	if f.events.count("SCREENSHOT_RETRIED") != 1 {
		t.Fatal("SCREENSHOT_RETRIED not emitted")
	}
	if f.q.DelayedSize() != 1 {
		t.Fatalf("delayed entries = %d, want 1", f.q.DelayedSize())
	}

	// second failure doubles the delay
	f.clk.Advance(time.Minute)
	start = f.clk.Now()
	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))
	j, _ = f.store.Get("j_1")
	if j.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", j.RetryCount)
	}
	delay = j.NextRetryAt.Sub(start)
	if delay < 60*time.Second || delay > 61*time.Second {
		t.Fatalf("second retry delay = %s, want ~60s", delay)
	}
}

func TestProcessExhaustsRetries(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")
	f.renders = func() error { return render.Errf(render.KindNetwork, "connection refused") }

	for i := 0; i < 4; i++ {
		f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))
		f.clk.Advance(time.Hour) // get past locks and retry delays
	}

	j, _ := f.store.Get("j_1")
	if j.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.RetryCount != 3 || j.IsRetryable {
		t.Fatalf("terminal row = %+v", j)
	}
	if j.ErrorMessage == "" || j.NextRetryAt != nil {
		t.Fatalf("terminal row = %+v", j)
	}
	if f.ledger.refunds != 1 {
		t.Fatalf("refunds = %d, want exactly 1", f.ledger.refunds)
	}
	if f.events.count("SCREENSHOT_FAILED") != 1 {
		t.Fatal("SCREENSHOT_FAILED not emitted exactly once")
	}
}

func TestProcessNonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")
	f.renders = func() error { return render.Errf(render.KindInvalidURL, "no such host") }

	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	j, _ := f.store.Get("j_1")
	if j.Status != domain.StatusFailed || j.RetryCount != 0 {
		t.Fatalf("invalid-url job = %+v, want immediate terminal failure", j)
	}
	if f.ledger.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", f.ledger.refunds)
	}
}

func TestProcessLockRace(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")

	// another worker already holds a fresh lock
	now := f.clk.Now()
	j, _ := f.store.Get("j_1")
	j.LockedBy = "w_other"
	j.LockedAt = &now
	f.store.Seed(j)

	f.r.process(context.Background(), "w1", "j_1", *logger.Named("test"))

	after, _ := f.store.Get("j_1")
	if after.Status != domain.StatusQueued || after.LockedBy != "w_other" {
		t.Fatalf("lock race clobbered the row: %+v", after)
	}
}

func TestScanStuck(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := f.clk.Now()
	old := now.Add(-40 * time.Minute)
	lockedAt := now.Add(-40 * time.Minute)
	f.store.Seed(&domain.Job{
		ID: "j_stuck", UserID: "u_1", Kind: domain.KindScreenshot,
		Request:     domain.ScreenshotRequest{URL: "https://example.com"},
		Status:      domain.StatusProcessing,
		LockedBy:    "w_dead", LockedAt: &lockedAt,
		MaxRetries:  3,
		IsRetryable: true,
		CreatedAt:   old, UpdatedAt: old, StartedAt: &old,
	})

	if err := f.r.scanStuck(context.Background(), "scan-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	j, _ := f.store.Get("j_stuck")
	if j.Status != domain.StatusQueued || j.RetryCount != 1 {
		t.Fatalf("reclaimed job = %+v, want rescheduled", j)
	}
	if !strings.Contains(j.LastFailReason, "exceeded") {
		t.Fatalf("fail reason = %q", j.LastFailReason)
	}
}

func TestScanRetryReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	now := f.clk.Now()
	due := now.Add(-time.Second)
	past := now.Add(-time.Minute)
	f.store.Seed(&domain.Job{
		ID: "j_due", UserID: "u_1",
		Request:     domain.ScreenshotRequest{URL: "https://example.com"},
		Status:      domain.StatusQueued,
		RetryCount:  1, MaxRetries: 3,
		IsRetryable: true, NextRetryAt: &due,
		CreatedAt:   past, UpdatedAt: past,
	})

	if err := f.r.scanRetryReady(context.Background(), "scan-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	j, _ := f.store.Get("j_due")
	if j.NextRetryAt != nil || j.LockedBy != "" {
		t.Fatalf("re-enqueued job = %+v", j)
	}
	if n, _ := f.q.Size(context.Background()); n != 1 {
		t.Fatalf("ready size = %d, want 1", n)
	}
}

func TestScanRetryReadyRecoversNeverEnqueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	// persisted 10 minutes ago but never reached the queue
	stale := f.clk.Now().Add(-10 * time.Minute)
	f.store.Seed(&domain.Job{
		ID: "j_lost", UserID: "u_1",
		Request:    domain.ScreenshotRequest{URL: "https://example.com"},
		Status:     domain.StatusQueued,
		MaxRetries: 3, IsRetryable: true,
		CreatedAt:  stale, UpdatedAt: stale,
	})

	if err := f.r.scanRetryReady(context.Background(), "scan-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n, _ := f.q.Size(context.Background()); n != 1 {
		t.Fatalf("ready size = %d, want 1 (lost job recovered)", n)
	}
}

func TestScanFailedRetryable(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	past := f.clk.Now().Add(-time.Hour)
	f.store.Seed(&domain.Job{
		ID: "j_dropped", UserID: "u_1",
		Request:    domain.ScreenshotRequest{URL: "https://example.com"},
		Status:     domain.StatusFailed,
		RetryCount: 1, MaxRetries: 3, IsRetryable: true,
		CreatedAt:  past, UpdatedAt: past,
	})

	if err := f.r.scanFailedRetryable(context.Background(), "scan-1"); err != nil {
		t.Fatalf("scan: %v", err)
	}

	j, _ := f.store.Get("j_dropped")
	if j.Status != domain.StatusQueued || j.RetryCount != 2 {
		t.Fatalf("rescued job = %+v", j)
	}
	if j.NextRetryAt == nil {
		t.Fatal("no retry scheduled for rescued job")
	}
	if f.q.DelayedSize() != 1 {
		t.Fatalf("delayed entries = %d, want 1", f.q.DelayedSize())
	}
}

func TestRecover(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.seedQueued("j_1")
	f.seedQueued("j_2")

	if err := f.r.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n, _ := f.q.Size(context.Background()); n != 2 {
		t.Fatalf("ready size = %d, want 2", n)
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", render.Errf(render.KindTimeout, "t"), true},
		{"network", render.Errf(render.KindNetwork, "n"), true},
		{"internal", render.Errf(render.KindInternal, "i"), true},
		{"invalid url", render.Errf(render.KindInvalidURL, "u"), false},
		{"content", render.Errf(render.KindContent, "c"), false},
		{"pool exhausted", render.ErrPoolExhausted, true},
		{"wrapped pool exhausted", fmt.Errorf("checkout: %w", render.ErrPoolExhausted), true},
		{"generic runtime", errors.New("boom"), true},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := p.ShouldRetry(tc.err); got != tc.want {
				t.Fatalf("ShouldRetry(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

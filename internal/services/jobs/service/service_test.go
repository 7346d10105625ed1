package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"shutter/internal/core/token"
	"shutter/internal/platform/clock"
	"shutter/internal/platform/logger"
	"shutter/internal/services/jobs/domain"
	"shutter/internal/services/queue"
	"shutter/internal/services/ratelimit"
)

// memStore is a map-backed domain.Store for service tests
type memStore struct {
	mu   sync.Mutex
	m    map[string]*domain.Job
	fail bool
}

func newMemStore() *memStore { return &memStore{m: make(map[string]*domain.Job)} }

func (s *memStore) Insert(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("insert refused")
	}
	cp := *j
	s.m[j.ID] = &cp
	return nil
}

func (s *memStore) Update(_ context.Context, j *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[j.ID]; !ok {
		return errors.New("job vanished")
	}
	cp := *j
	s.m[j.ID] = &cp
	return nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memStore) FindByIDAndUser(ctx context.Context, id, userID string) (*domain.Job, error) {
	j, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.UserID != userID {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (s *memStore) FindByUser(
	_ context.Context, userID string, status domain.JobStatus, _, _ int,
) ([]*domain.Job, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.m {
		if j.UserID == userID && (status == "" || j.Status == status) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (s *memStore) FindByIDs(_ context.Context, ids []string, userID string) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, id := range ids {
		if j, ok := s.m[id]; ok && j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) FindPending(context.Context, time.Time, time.Duration, int) ([]*domain.Job, error) {
	return nil, nil
}

func (s *memStore) TryLock(_ context.Context, jobID, workerID string, now time.Time, stuckAfter time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.m[jobID]
	if !ok || j.Locked(now, stuckAfter) {
		return false, nil
	}
	j.LockedBy = workerID
	j.LockedAt = &now
	return true, nil
}

func (s *memStore) Unlock(_ context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.m[jobID]; ok && j.LockedBy == workerID {
		j.LockedBy = ""
		j.LockedAt = nil
	}
	return nil
}

func (s *memStore) FindStuck(context.Context, time.Time, time.Duration, int) ([]*domain.Job, error) {
	return nil, nil
}

func (s *memStore) FindReadyForRetry(context.Context, time.Time, time.Duration, int) ([]*domain.Job, error) {
	return nil, nil
}

func (s *memStore) FindFailedRetryable(context.Context, int) ([]*domain.Job, error) { return nil, nil }

func (s *memStore) CountByStatus(context.Context) (domain.StatusCounts, error) {
	return domain.StatusCounts{}, nil
}

func (s *memStore) CountByStatusForUser(context.Context, string) (domain.StatusCounts, error) {
	return domain.StatusCounts{}, nil
}

func (s *memStore) CountByFormat(context.Context) (map[string]int64, error) { return nil, nil }

func (s *memStore) DeleteTerminalBefore(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

// fakeLedger tracks one balance per user
type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	deducts  int
	refunds  int
}

func newFakeLedger(userID string, balance int64) *fakeLedger {
	return &fakeLedger{balances: map[string]int64{userID: balance}}
}

func (l *fakeLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}

func (l *fakeLedger) HasCredits(_ context.Context, userID string, n int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID] >= n, nil
}

func (l *fakeLedger) Deduct(_ context.Context, userID string, n int64, _, _ string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[userID] < n {
		return 0, &domain.InsufficientCreditsError{Required: n, Available: l.balances[userID]}
	}
	l.balances[userID] -= n
	l.deducts++
	return l.balances[userID], nil
}

func (l *fakeLedger) Refund(_ context.Context, userID string, n int64, _, _ string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += n
	l.refunds++
	return l.balances[userID], nil
}

// fakeLimiter returns a fixed decision and counts calls
type fakeLimiter struct {
	mu       sync.Mutex
	decision ratelimit.Decision
	calls    int
}

func (f *fakeLimiter) Check(context.Context, string, ratelimit.Op) (ratelimit.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.decision, nil
}

// recordingEvents captures emitted webhook events
type recordingEvents struct {
	mu     sync.Mutex
	events []string
	direct []string // "event url" pairs from EmitTo
}

func (r *recordingEvents) Emit(_ context.Context, _ string, event string, _ map[string]string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return 1
}

func (r *recordingEvents) EmitTo(_ context.Context, _, rawURL, event string, _ map[string]string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct = append(r.direct, event+" "+rawURL)
	return true
}

func (r *recordingEvents) seen(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	svc    *Service
	store  *memStore
	q      *queue.Memory
	ledger *fakeLedger
	lim    *fakeLimiter
	events *recordingEvents
	clk    *clock.Fake
}

func newFixture(t *testing.T, balance int64) *fixture {
	t.Helper()
	f := &fixture{
		store:  newMemStore(),
		q:      queue.NewMemory(),
		ledger: newFakeLedger("u_1", balance),
		lim:    &fakeLimiter{decision: ratelimit.Decision{Allowed: true}},
		events: &recordingEvents{},
		clk:    clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	f.svc = New(f.store, f.q, f.ledger, f.lim, f.events, f.clk, *logger.Named("test"), Options{})
	return f
}

func TestSubmitHappyPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	res, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1200, Height: 800}, "", domain.KindScreenshot)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID == "" || res.Status != domain.StatusQueued {
		t.Fatalf("result = %+v", res)
	}

	j, err := f.store.FindByID(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if j.Status != domain.StatusQueued || j.RetryType != domain.RetryNone || j.MaxRetries != 3 {
		t.Fatalf("persisted job = %+v", j)
	}
	if j.Request.Format != domain.FormatPNG {
		t.Fatalf("format not defaulted: %q", j.Request.Format)
	}

	if bal, _ := f.ledger.Balance(context.Background(), "u_1"); bal != 9 {
		t.Fatalf("balance = %d, want 9", bal)
	}
	if n, _ := f.q.Size(context.Background()); n != 1 {
		t.Fatalf("queue size = %d, want 1", n)
	}
	if !f.events.seen("SCREENSHOT_CREATED") {
		t.Fatal("SCREENSHOT_CREATED not emitted")
	}
}

func TestSubmitRateLimited(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	f.lim.decision = ratelimit.Decision{RetryAfter: 42 * time.Second}

	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720}, "", domain.KindScreenshot)
	rl, ok := domain.AsRateLimited(err)
	if !ok {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.RetryAfter != 42*time.Second {
		t.Fatalf("retry after = %s, want 42s", rl.RetryAfter)
	}

	// denial leaves no trace: no job, no deduction
	if bal, _ := f.ledger.Balance(context.Background(), "u_1"); bal != 10 {
		t.Fatalf("balance = %d, want 10", bal)
	}
	if n, _ := f.q.Size(context.Background()); n != 0 {
		t.Fatalf("queue size = %d, want 0", n)
	}
	if f.ledger.deducts != 0 {
		t.Fatalf("deducts = %d, want 0", f.ledger.deducts)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 0)
	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720}, "", domain.KindScreenshot)
	ic, ok := domain.AsInsufficientCredits(err)
	if !ok {
		t.Fatalf("err = %v, want InsufficientCreditsError", err)
	}
	if ic.Required != 1 || ic.Available != 0 {
		t.Fatalf("details = %+v", ic)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	tests := []struct {
		name string
		req  domain.ScreenshotRequest
		hook string
	}{
		{"missing url", domain.ScreenshotRequest{}, ""},
		{"bad url", domain.ScreenshotRequest{URL: "not a url", Width: 1280, Height: 720}, ""},
		{"zero width", domain.ScreenshotRequest{URL: "https://example.com", Height: 720}, ""},
		{"zero height", domain.ScreenshotRequest{URL: "https://example.com", Width: 1280}, ""},
		{"oversize", domain.ScreenshotRequest{URL: "https://example.com", Width: 20000, Height: 720}, ""},
		{"bad wait", domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720, WaitMs: 99999}, ""},
		{"http hook to public host", domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720}, "http://evil.example/hook"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.svc.Submit(context.Background(), "u_1", "k_1", tc.req, tc.hook, domain.KindScreenshot)
			if err == nil {
				t.Fatal("invalid submission admitted")
			}
		})
	}

	// loopback http hooks are fine
	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720},
		"http://localhost:9999/hook", domain.KindScreenshot)
	if err != nil {
		t.Fatalf("loopback hook rejected: %v", err)
	}
}

func TestSubmitRejectsZeroDimensions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com"}, "", domain.KindScreenshot)
	if err == nil {
		t.Fatal("zero-dimension request admitted")
	}

	// the rejection happens before any side effects
	if bal, _ := f.ledger.Balance(context.Background(), "u_1"); bal != 10 {
		t.Fatalf("balance = %d, want 10", bal)
	}
	if n, _ := f.q.Size(context.Background()); n != 0 {
		t.Fatalf("queue size = %d, want 0", n)
	}
}

func TestSubmitInsertFailureRefunds(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	f.store.fail = true

	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720}, "", domain.KindScreenshot)
	if err == nil {
		t.Fatal("submit succeeded despite insert failure")
	}
	if bal, _ := f.ledger.Balance(context.Background(), "u_1"); bal != 10 {
		t.Fatalf("balance = %d after refund, want 10", bal)
	}
	if f.ledger.refunds != 1 {
		t.Fatalf("refunds = %d, want 1", f.ledger.refunds)
	}
}

func TestSubmitAnalysisPrice(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	_, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720, Prompt: "what is on this page"},
		"", domain.KindAnalysis)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if bal, _ := f.ledger.Balance(context.Background(), "u_1"); bal != 8 {
		t.Fatalf("balance = %d, want 8 (analysis costs 2)", bal)
	}
}

func TestManualRetry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()

	failed := &domain.Job{
		ID: "j_failed", UserID: "u_1", Kind: domain.KindScreenshot,
		Request: domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720, Format: domain.FormatPNG},
		Status:  domain.StatusFailed, ErrorMessage: "render timeout",
		RetryCount: 3, MaxRetries: 3, RetryType: domain.RetryAutomatic,
	}
	if err := f.store.Insert(ctx, failed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	j, err := f.svc.Retry(ctx, "j_failed", "u_1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if j.Status != domain.StatusQueued || j.RetryType != domain.RetryManual {
		t.Fatalf("retried job = %+v", j)
	}
	if j.ErrorMessage != "" || j.NextRetryAt != nil {
		t.Fatalf("failure state not cleared: %+v", j)
	}
	if j.RetryCount != 3 {
		t.Fatalf("retry count = %d, want 3 (never past maxRetries)", j.RetryCount)
	}
	if bal, _ := f.ledger.Balance(ctx, "u_1"); bal != 9 {
		t.Fatalf("balance = %d, want 9 (manual retry rededucts)", bal)
	}
	if n, _ := f.q.Size(ctx); n != 1 {
		t.Fatalf("queue size = %d, want 1", n)
	}
	if !f.events.seen("SCREENSHOT_RETRIED") {
		t.Fatal("SCREENSHOT_RETRIED not emitted")
	}
}

func TestManualRetryAdvancesRetryCount(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	_ = f.store.Insert(ctx, &domain.Job{
		ID: "j_failed", UserID: "u_1", Kind: domain.KindScreenshot,
		Request:    domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720},
		Status:     domain.StatusFailed,
		RetryCount: 1, MaxRetries: 3,
	})

	j, err := f.svc.Retry(ctx, "j_failed", "u_1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if j.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", j.RetryCount)
	}
}

func TestManualRetryAuth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	_ = f.store.Insert(ctx, &domain.Job{
		ID: "j_failed", UserID: "u_1",
		Request: domain.ScreenshotRequest{URL: "https://example.com"},
		Status:  domain.StatusFailed,
	})

	if _, err := f.svc.Retry(ctx, "j_failed", "u_2"); !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("non-owner retry = %v, want ErrAuthRejected", err)
	}
}

func TestManualRetryOnlyFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	_ = f.store.Insert(ctx, &domain.Job{
		ID: "j_done", UserID: "u_1",
		Request: domain.ScreenshotRequest{URL: "https://example.com"},
		Status:  domain.StatusCompleted,
	})

	if _, err := f.svc.Retry(ctx, "j_done", "u_1"); !errors.Is(err, domain.ErrNotRetryable) {
		t.Fatalf("retry of completed job = %v, want ErrNotRetryable", err)
	}
}

func TestSubmitNotifiesJobURL(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	res, err := f.svc.Submit(context.Background(), "u_1", "k_1",
		domain.ScreenshotRequest{URL: "https://example.com", Width: 1280, Height: 720},
		"https://hooks.example.com/per-job", domain.KindScreenshot)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	j, _ := f.store.FindByID(context.Background(), res.JobID)
	if j.WebhookURL != "https://hooks.example.com/per-job" {
		t.Fatalf("webhook url not persisted: %q", j.WebhookURL)
	}

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.direct) != 1 || f.events.direct[0] != "SCREENSHOT_CREATED https://hooks.example.com/per-job" {
		t.Fatalf("direct emits = %v, want the per-job url notified", f.events.direct)
	}
}

func TestBulkStatusScopesOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	_ = f.store.Insert(ctx, &domain.Job{ID: "j_mine", UserID: "u_1",
		Request: domain.ScreenshotRequest{URL: "https://example.com"}, Status: domain.StatusQueued})
	_ = f.store.Insert(ctx, &domain.Job{ID: "j_theirs", UserID: "u_2",
		Request: domain.ScreenshotRequest{URL: "https://example.com"}, Status: domain.StatusQueued})

	jobs, err := f.svc.BulkStatus(ctx, []string{"j_mine", "j_theirs", "j_ghost"}, "u_1")
	if err != nil {
		t.Fatalf("bulk status: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j_mine" {
		t.Fatalf("bulk status = %+v, want only j_mine", jobs)
	}
}

func TestArtifactToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	signer := token.New([]byte("artifact-signing-key"), time.Hour)
	f.svc = New(f.store, f.q, f.ledger, f.lim, f.events, f.clk, *logger.Named("test"),
		Options{Tokens: signer})
	ctx := context.Background()

	_ = f.store.Insert(ctx, &domain.Job{
		ID: "j_art", UserID: "u_1",
		Request: domain.ScreenshotRequest{URL: "https://example.com"},
		Status:  domain.StatusQueued,
	})

	// no artifact while the job is still in flight
	if _, err := f.svc.ArtifactToken(ctx, "j_art", "u_1"); err == nil {
		t.Fatal("token minted for an unfinished job")
	}

	j, _ := f.store.FindByID(ctx, "j_art")
	j.Status = domain.StatusCompleted
	j.ResultURL = "https://cdn.example.com/j_art.png"
	_ = f.store.Update(ctx, j)

	tok, err := f.svc.ArtifactToken(ctx, "j_art", "u_1")
	if err != nil {
		t.Fatalf("artifact token: %v", err)
	}
	if !signer.Validate(tok, token.Claims{JobID: "j_art", UserID: "u_1"}, f.clk.Now()) {
		t.Fatal("minted token does not validate against the job's claims")
	}

	if _, err := f.svc.ArtifactToken(ctx, "j_art", "u_2"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign mint err = %v, want ErrJobNotFound", err)
	}
}

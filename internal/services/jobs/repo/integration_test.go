//go:build integration

package repo

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"shutter/internal/platform/clock"
	"shutter/internal/platform/store"
	"shutter/internal/services/credits"
	"shutter/internal/services/jobs/domain"
	"shutter/internal/services/ratelimit"
)

var testDB store.TxRunner

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shutter",
				"POSTGRES_PASSWORD": "shutter",
				"POSTGRES_DB":       "shutter",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	host, err := pgC.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("container port: %v", err)
	}

	url := fmt.Sprintf("postgres://shutter:shutter@%s:%s/shutter?sslmode=disable", host, port.Port())
	st, err := store.Open(ctx, store.Config{PG: store.PGConfig{Enabled: true, URL: url}})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "..", "migrations", "0001_init.sql"))
	if err != nil {
		log.Fatalf("read schema: %v", err)
	}
	if _, err := st.PG.Exec(ctx, string(schema)); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	testDB = st.PG
	code := m.Run()

	_ = st.Close(ctx)
	_ = pgC.Terminate(ctx)
	os.Exit(code)
}

func seedUser(t *testing.T, userID string, balance int64) {
	t.Helper()
	_, err := testDB.Exec(context.Background(),
		`INSERT INTO user_credits (user_id, plan_id, credits_remaining) VALUES ($1, 'free', $2)
		 ON CONFLICT (user_id) DO UPDATE SET credits_remaining = $2`,
		userID, balance)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func newJob(id, userID string, now time.Time) *domain.Job {
	return &domain.Job{
		ID:     id,
		UserID: userID,
		Kind:   domain.KindScreenshot,
		Request: domain.ScreenshotRequest{
			URL: "https://example.com", Width: 1280, Height: 720, Format: domain.FormatPNG,
		},
		Status:      domain.StatusQueued,
		MaxRetries:  domain.DefaultMaxRetries,
		IsRetryable: true,
		RetryType:   domain.RetryNone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	jobs := NewPG().Bind(testDB)
	now := time.Now().UTC().Truncate(time.Millisecond)

	j := newJob("j_it_roundtrip", "u_it_1", now)
	j.WebhookURL = "https://example.com/hook"
	if err := jobs.Insert(ctx, j); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := jobs.FindByID(ctx, j.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.UserID != j.UserID || got.Status != domain.StatusQueued || got.WebhookURL != j.WebhookURL {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Request.URL != j.Request.URL || got.Request.Format != domain.FormatPNG {
		t.Fatalf("request mismatch: %+v", got.Request)
	}

	got.Status = domain.StatusCompleted
	got.ResultURL = "https://cdn.example.com/j_it_roundtrip.png"
	done := now.Add(2 * time.Second)
	got.CompletedAt = &done
	got.UpdatedAt = done
	if err := jobs.Update(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	again, err := jobs.FindByIDAndUser(ctx, j.ID, j.UserID)
	if err != nil {
		t.Fatalf("find by user: %v", err)
	}
	if again.Status != domain.StatusCompleted || again.ResultURL == "" || again.CompletedAt == nil {
		t.Fatalf("update lost: %+v", again)
	}

	if _, err := jobs.FindByIDAndUser(ctx, j.ID, "u_it_other"); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("foreign lookup err = %v, want ErrJobNotFound", err)
	}

	list, total, err := jobs.FindByUser(ctx, j.UserID, domain.StatusCompleted, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != j.ID {
		t.Fatalf("list = %d/%d", len(list), total)
	}
}

func TestTryLockAtomic(t *testing.T) {
	ctx := context.Background()
	jobs := NewPG().Bind(testDB)
	now := time.Now().UTC()

	if err := jobs.Insert(ctx, newJob("j_it_lock", "u_it_2", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := jobs.TryLock(ctx, "j_it_lock", fmt.Sprintf("w_%d", n), now, 30*time.Minute)
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("lock winners = %d, want exactly 1", wins)
	}

	// a fresh lock holds; a stale one can be stolen
	if ok, _ := jobs.TryLock(ctx, "j_it_lock", "w_late", now, 30*time.Minute); ok {
		t.Fatal("fresh lock was stolen")
	}
	future := now.Add(31 * time.Minute)
	ok, err := jobs.TryLock(ctx, "j_it_lock", "w_late", future, 30*time.Minute)
	if err != nil || !ok {
		t.Fatalf("stale lock not stolen: ok=%v err=%v", ok, err)
	}

	if err := jobs.Unlock(ctx, "j_it_lock", "w_late"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	j, err := jobs.FindByID(ctx, "j_it_lock")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if j.LockedBy != "" || j.LockedAt != nil {
		t.Fatalf("unlock left %+v", j)
	}
}

func TestRetryScans(t *testing.T) {
	ctx := context.Background()
	jobs := NewPG().Bind(testDB)
	now := time.Now().UTC()

	due := newJob("j_it_due", "u_it_3", now.Add(-time.Hour))
	past := now.Add(-time.Minute)
	due.RetryCount = 1
	due.NextRetryAt = &past
	if err := jobs.Insert(ctx, due); err != nil {
		t.Fatalf("insert due: %v", err)
	}

	lost := newJob("j_it_lost", "u_it_3", now.Add(-time.Hour))
	if err := jobs.Insert(ctx, lost); err != nil {
		t.Fatalf("insert lost: %v", err)
	}

	fresh := newJob("j_it_fresh", "u_it_3", now)
	if err := jobs.Insert(ctx, fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	ready, err := jobs.FindReadyForRetry(ctx, now, 5*time.Minute, 50)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	found := map[string]bool{}
	for _, j := range ready {
		found[j.ID] = true
	}
	if !found["j_it_due"] || !found["j_it_lost"] {
		t.Fatalf("scan missed rows: %v", found)
	}
	if found["j_it_fresh"] {
		t.Fatal("scan picked a fresh row inside the grace window")
	}

	failed := newJob("j_it_failed", "u_it_3", now.Add(-time.Hour))
	failed.Status = domain.StatusFailed
	failed.RetryCount = 1
	if err := jobs.Insert(ctx, failed); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	rescued, err := jobs.FindFailedRetryable(ctx, 50)
	if err != nil {
		t.Fatalf("scan failed-retryable: %v", err)
	}
	found = map[string]bool{}
	for _, j := range rescued {
		found[j.ID] = true
	}
	if !found["j_it_failed"] {
		t.Fatal("failed-retryable row not picked")
	}
}

func TestResolveAPIKey(t *testing.T) {
	ctx := context.Background()
	auth := NewAuthPG().Bind(testDB)
	seedUser(t, "u_it_4", 5)

	_, err := testDB.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, key_hash, active) VALUES ($1, $2, $3, TRUE)`,
		"ak_it_1", "u_it_4", HashAPIKey("sk_live_integration"))
	if err != nil {
		t.Fatalf("seed key: %v", err)
	}

	k, err := auth.ResolveAPIKey(ctx, "sk_live_integration")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if k.ID != "ak_it_1" || k.UserID != "u_it_4" || k.Plan != "free" {
		t.Fatalf("resolved key = %+v", k)
	}

	if _, err := auth.ResolveAPIKey(ctx, "sk_live_unknown"); !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("unknown key err = %v, want ErrAuthRejected", err)
	}

	if _, err := testDB.Exec(ctx, `UPDATE api_keys SET active = FALSE WHERE id = 'ak_it_1'`); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := auth.ResolveAPIKey(ctx, "sk_live_integration"); !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("revoked key err = %v, want ErrAuthRejected", err)
	}
}

func TestLedgerDeductRefund(t *testing.T) {
	ctx := context.Background()
	ledger := credits.NewPG(testDB)
	seedUser(t, "u_it_5", 3)

	bal, err := ledger.Deduct(ctx, "u_it_5", 1, credits.ReasonScreenshot, "j_it_cred")
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if bal != 2 {
		t.Fatalf("balance = %d, want 2", bal)
	}

	_, err = ledger.Deduct(ctx, "u_it_5", 5, credits.ReasonAnalysis, "j_it_cred2")
	ic, ok := domain.AsInsufficientCredits(err)
	if !ok {
		t.Fatalf("overdraft err = %v", err)
	}
	if ic.Required != 5 || ic.Available != 2 {
		t.Fatalf("overdraft detail = %+v", ic)
	}
	if bal, _ = ledger.Balance(ctx, "u_it_5"); bal != 2 {
		t.Fatalf("balance after rejected deduct = %d, want 2", bal)
	}

	if bal, err = ledger.Refund(ctx, "u_it_5", 1, credits.ReasonRefund, "j_it_cred"); err != nil || bal != 3 {
		t.Fatalf("refund: bal=%d err=%v", bal, err)
	}

	var entries int
	err = testDB.QueryRow(ctx,
		`SELECT COUNT(*) FROM credit_ledger WHERE user_id = 'u_it_5'`).Scan(&entries)
	if err != nil || entries != 2 {
		t.Fatalf("audit entries = %d err=%v, want 2", entries, err)
	}
}

func TestRateLimiterWindows(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Now().UTC())
	limiter := ratelimit.NewPG(testDB, clk)

	// free plan: 1/minute
	seedUser(t, "u_it_6", 100)
	d, err := limiter.Check(ctx, "u_it_6", ratelimit.OpScreenshot)
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("first check denied: %+v", d)
	}
	d, err = limiter.Check(ctx, "u_it_6", ratelimit.OpScreenshot)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("minute cap not enforced: %+v", d)
	}

	// analysis traffic skips the windows entirely
	d, err = limiter.Check(ctx, "u_it_6", ratelimit.OpAnalysis)
	if err != nil || !d.Allowed {
		t.Fatalf("analysis check: %+v err=%v", d, err)
	}

	// zero balance trips the monthly gate before any window
	seedUser(t, "u_it_7", 0)
	d, err = limiter.Check(ctx, "u_it_7", ratelimit.OpScreenshot)
	if err != nil {
		t.Fatalf("broke check: %v", err)
	}
	if d.Allowed || d.RetryAfter <= 0 {
		t.Fatalf("credit gate not enforced: %+v", d)
	}
}

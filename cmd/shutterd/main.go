// shutterd runs the job execution substrate: admission wiring, the worker
// pool over the browser pool, the repair scanners, the queue promoter, and
// the webhook delivery engine. The public HTTP API lives in front of this
// process and talks to the same database.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"shutter/internal/core/token"
	"shutter/internal/platform/clock"
	"shutter/internal/platform/config"
	"shutter/internal/platform/logger"
	"shutter/internal/platform/store"
	"shutter/internal/services/artifacts"
	"shutter/internal/services/credits"
	jobsrepo "shutter/internal/services/jobs/repo"
	jobsvc "shutter/internal/services/jobs/service"
	"shutter/internal/services/queue"
	"shutter/internal/services/ratelimit"
	"shutter/internal/services/render"
	whrepo "shutter/internal/services/webhooks/repo"
	whsvc "shutter/internal/services/webhooks/service"
	"shutter/internal/services/workers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := config.New().Prefix("SHUTTER_")
	l := logger.Get()
	clk := clock.System{}

	dbCfg := root.Prefix("PG_")
	st, err := store.Open(ctx, store.Config{
		PG: store.PGConfig{
			Enabled:     true,
			URL:         dbCfg.MustString("URL"),
			MaxConns:    int32(dbCfg.MayInt("MAX_CONNS", 8)),
			SlowQueryMs: dbCfg.MayInt("SLOW_MS", 500),
			LogSQL:      dbCfg.MayBool("LOG_SQL", false),
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Fatal().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("close store")
		}
	}()
	if err := st.Guard(ctx); err != nil {
		l.Fatal().Err(err).Msg("database not reachable")
	}

	// redis is optional; a single node runs fine on the in-memory queue
	var q queue.Queue
	if url := root.MayString("REDIS_URL", ""); url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			l.Fatal().Err(err).Msg("bad redis url")
		}
		q = queue.NewRedis(redis.NewClient(opt))
		l.Info().Msg("using redis queue")
	} else {
		q = queue.NewMemory()
		l.Info().Msg("using in-memory queue")
	}

	jobs := jobsrepo.NewPG().Bind(st.PG)
	ledger := credits.NewPG(st.PG)
	limiter := ratelimit.NewPG(st.PG, clk)

	webhooks := whsvc.New(
		whrepo.NewPG().Bind(st.PG),
		whsvc.NewSender(root.MayDuration("WEBHOOK_TIMEOUT", 10*time.Second), *logger.Named("webhook-sender")),
		clk,
		*logger.Named("webhooks"),
	)

	objects, err := artifacts.NewFSStore(
		root.MayString("ARTIFACT_DIR", "/var/lib/shutter/artifacts"),
		root.MayString("ARTIFACT_BASE_URL", "http://localhost:8081/artifacts"),
	)
	if err != nil {
		l.Fatal().Err(err).Msg("artifact store")
	}

	tokens := token.New(
		[]byte(root.MustString("ARTIFACT_TOKEN_KEY")),
		root.MayDuration("ARTIFACT_TOKEN_TTL", 15*time.Minute),
	)

	admission := jobsvc.New(jobs, q, ledger, limiter, webhooks, clk, *logger.Named("admission"), jobsvc.Options{
		MaxRetries: root.MayInt("MAX_RETRIES", 3),
		Tokens:     tokens,
	})

	pool := render.NewPool(
		render.NewFetchFactory(root.MayDuration("RENDER_TIMEOUT", 30*time.Second)),
		root.MayInt("MAX_BROWSERS", 3),
		*logger.Named("browser-pool"),
	)
	defer pool.Shutdown()

	runner := workers.NewRunner(jobs, q, pool, nil, objects, ledger, webhooks, clk,
		*logger.Named("workers"), workers.Options{
			Workers:        root.MayInt("WORKERS", 3),
			AttemptTimeout: root.MayDuration("ATTEMPT_TIMEOUT", 30*time.Second),
			StuckAfter:     root.MayDuration("STUCK_AFTER", 30*time.Minute),
		})

	if err := runner.Recover(ctx); err != nil {
		l.Error().Err(err).Msg("boot recovery")
	}

	ops := opsServer(root.MayString("OPS_ADDR", ":8081"), jobs, objects, admission, tokens, clk, l)
	go func() {
		l.Info().Str("addr", ops.Addr).Msg("ops server listening")
		if err := ops.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Error().Err(err).Msg("ops server")
		}
	}()

	promoter := queue.NewPromoter(q, clk, *logger.Named("promoter"), queue.PromoterOptions{})

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() { defer wg.Done(); fn(ctx) }()
	}
	run(runner.Run)
	run(promoter.Run)
	run(func(ctx context.Context) { runner.RunCleanup(ctx, workers.CleanupOptions{}) })
	run(func(ctx context.Context) { webhooks.RunDispatcher(ctx, whsvc.DispatcherOptions{}) })
	run(func(ctx context.Context) { webhooks.RunCleanup(ctx, whsvc.CleanupOptions{}) })

	l.Info().Msg("shutterd up")
	<-ctx.Done()
	l.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("ops server shutdown")
	}
	wg.Wait()
	l.Info().Msg("shutterd stopped")
}

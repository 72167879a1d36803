package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"invoiceping/internal/config"
	"invoiceping/internal/dispatch"
	"invoiceping/internal/httpapi"
	"invoiceping/internal/logging"
	"invoiceping/internal/observability"
	"invoiceping/internal/providers/resend"
	"invoiceping/internal/providers/stripe"
	"invoiceping/internal/store/pg"
	"invoiceping/internal/syncsvc"
	"invoiceping/internal/util"
)

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	syncInterval := mustDuration("SYNC_INTERVAL", cfg.SyncInterval)
	dispatchInterval := mustDuration("DISPATCH_INTERVAL", cfg.DispatchInterval)
	staleClaimAfter := mustDuration("STALE_CLAIM_AFTER", cfg.StaleClaimAfter)

	ctx, cancel := context.WithCancel(context.Background())

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := db.Ping(startupCtx); err != nil {
		startupCancel()
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}
	startupCancel()

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)

	billing := &stripe.Client{
		APIKey:  cfg.StripeAPIKey,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		BaseURL: cfg.StripeBaseURL,
	}
	mailer := &resend.Client{
		APIKey:  cfg.ResendAPIKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		BaseURL: cfg.ResendBaseURL,
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.EmailRPS), cfg.EmailBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "resend",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	engine := &dispatch.Engine{
		Store:           store,
		Sender:          mailer,
		From:            cfg.EmailFrom,
		DefaultReplyTo:  cfg.DefaultReplyTo,
		BatchSize:       cfg.DispatchBatchSize,
		StaleClaimAfter: staleClaimAfter,
		Limiter:         limiter,
		Breaker:         cb,
	}
	syncer := &syncsvc.Service{
		Store:    store,
		Billing:  billing,
		PageSize: cfg.SyncPageSize,
	}

	// health server (liveness + readiness)
	healthSrv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: httpapi.Logging(httpapi.New(2*time.Second,
			func(c context.Context) error { return db.Ping(c) },
		).Mux),
	}
	healthErrCh := make(chan error, 1)
	go func() {
		slog.Info("scheduler health listening", "port", cfg.Port)
		healthErrCh <- healthSrv.ListenAndServe()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		runEvery(ctx, "dispatch", dispatchInterval, func(tickCtx context.Context) {
			stats, err := engine.Tick(tickCtx, util.NowUTC())
			if err != nil {
				slog.Error("dispatch tick failed", "err", err)
				return
			}
			slog.Info("dispatch tick done",
				"processed", stats.Processed, "sent", stats.Sent,
				"skipped", stats.Skipped, "failed", stats.Failed)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runEvery(ctx, "sync", syncInterval, func(tickCtx context.Context) {
			stats, err := syncer.Run(tickCtx, util.NowUTC())
			if err != nil {
				slog.Error("invoice sync failed", "err", err)
				return
			}
			slog.Info("invoice sync tick done",
				"tenants", stats.Tenants, "upserted", stats.Upserted,
				"fetch_errors", stats.FetchErrors)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("scheduler shutdown", "signal", sig.String())
	case err := <-healthErrCh:
		if err != nil && err != http.ErrServerClosed {
			slog.Error("scheduler health server failed", "err", err)
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = healthSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		slog.Info("scheduler shutdown timeout waiting for tick loops")
	}
}

// runEvery fires the job immediately and then on every tick until ctx is
// cancelled. Ticks within one process never overlap; overlap across
// processes is handled by the store's claim.
func runEvery(ctx context.Context, name string, interval time.Duration, job func(context.Context)) {
	slog.Info("loop starting", "loop", name, "interval", interval)
	job(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("loop stopped", "loop", name)
			return
		case <-t.C:
			job(ctx)
		}
	}
}

func mustDuration(name, raw string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Error("invalid duration", "var", name, "value", raw, "err", err)
		os.Exit(1)
	}
	return d
}

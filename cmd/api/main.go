package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"invoiceping/internal/config"
	"invoiceping/internal/httpapi"
	"invoiceping/internal/httpserver"
	"invoiceping/internal/logging"
	"invoiceping/internal/observability"
	"invoiceping/internal/store/pg"
)

func main() {
	cfg := config.LoadAPI()
	logging.Init("api", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{})
	if err != nil {
		slog.Error("api db connect failed", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	store := pg.New(db)
	api := &httpserver.API{Store: store, ListLimit: cfg.ListLimit}

	s := httpserver.New()
	s.Mux.Use(httpserver.Metrics(observability.APIRequests))
	api.Register(s.Mux)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	// metrics + health on the side port
	sideSrv := &http.Server{
		Addr: ":" + cfg.MetricsPort,
		Handler: httpapi.New(2*time.Second,
			func(c context.Context) error { return db.Ping(c) },
		).Mux,
	}
	go func() {
		slog.Info("api metrics listening", "port", cfg.MetricsPort)
		if err := sideSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("api metrics server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("api shutdown", "signal", sig.String())
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = sideSrv.Shutdown(shutdownCtx)
	}()

	slog.Info("api listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("api server failed", "err", err)
		os.Exit(1)
	}

	db.Close()
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bridgetown-labs/ai-receptionist/internal/audit"
	"github.com/bridgetown-labs/ai-receptionist/internal/clock"
	appconfig "github.com/bridgetown-labs/ai-receptionist/internal/config"
	"github.com/bridgetown-labs/ai-receptionist/internal/observability/metrics"
	"github.com/bridgetown-labs/ai-receptionist/internal/outbox"
	"github.com/bridgetown-labs/ai-receptionist/internal/tenant"
	"github.com/bridgetown-labs/ai-receptionist/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting outbox worker", "env", cfg.Env,
		"batch_size", cfg.OutboxBatchSize, "interval", cfg.OutboxInterval.String())

	if cfg.DatabaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open postgres pool", "error", err.Error())
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres ping failed", "error", err.Error())
		os.Exit(1)
	}

	clk := clock.New()
	store := outbox.NewStore(pool).WithClock(clk)
	optOuts := outbox.NewOptOutStore(pool, logger)
	tenants := tenant.NewStore(pool)
	auditor := audit.NewStore(pool, logger)
	rateLimit := outbox.NewRateLimiter(pool, cfg.SMSRateLimitPerHr)

	var sender outbox.Sender
	if cfg.SMSSimulator || cfg.CarrierAccountSID == "" || cfg.CarrierAuthToken == "" || cfg.CarrierFromNumber == "" {
		logger.Warn("carrier not configured, sending through the simulator")
		sender = outbox.NewSimulator(logger)
	} else {
		sender = outbox.NewTwilioSender(cfg.CarrierAccountSID, cfg.CarrierAuthToken, cfg.CarrierFromNumber)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	worker := outbox.NewWorker(store, sender, optOuts, rateLimit, tenants, auditor, clk, logger,
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithInterval(cfg.OutboxInterval),
		outbox.WithRetryBaseDelay(cfg.SMSRetryBaseDelay),
		outbox.WithMetrics(m),
	)

	// Metrics and liveness on the service port so the worker is scrapeable
	// alongside the API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err.Error())
		}
	}()

	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down outbox worker")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info("outbox worker stopped")
}

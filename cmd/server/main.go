// Command server runs the authorization vault: REST API, inbound ACP
// webhook endpoint, outbound delivery engine, and lifecycle workers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/authvault/backend/internal/acpwebhook"
	"github.com/authvault/backend/internal/api"
	"github.com/authvault/backend/internal/audit"
	"github.com/authvault/backend/internal/clock"
	"github.com/authvault/backend/internal/config"
	"github.com/authvault/backend/internal/evidence"
	"github.com/authvault/backend/internal/middleware"
	"github.com/authvault/backend/internal/monitoring"
	"github.com/authvault/backend/internal/service"
	"github.com/authvault/backend/internal/storage"
	"github.com/authvault/backend/internal/truststore"
	"github.com/authvault/backend/internal/verification"
	"github.com/authvault/backend/internal/webhooks"
	"github.com/authvault/backend/internal/workers"
)

func main() {
	logger := log.New(log.Writer(), "[MAIN] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Config: %v", err)
	}
	clk := clock.System{}

	// Store: Postgres when configured, in-memory otherwise (dev mode).
	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseURL, cfg.WebhookWorkerCount, clk)
		if err != nil {
			logger.Fatalf("Postgres: %v", err)
		}
		defer pg.Close()
		store = pg
		logger.Printf("Using Postgres store")
	} else {
		store = storage.NewMemory(clk)
		logger.Printf("DATABASE_URL not set, using in-memory store")
	}

	// Truststore: a missing source leaves AP2 with zero trusted issuers.
	var trust *truststore.Truststore
	if cfg.TruststoreSource != "" {
		trust, err = truststore.Load(cfg.TruststoreSource)
		if err != nil {
			logger.Fatalf("Truststore: %v", err)
		}
	} else {
		trust = truststore.NewStatic(nil)
		logger.Printf("TRUSTSTORE_SOURCE not set, AP2 verification will reject all issuers")
	}

	tenants, err := config.NewTenantManager(cfg)
	if err != nil {
		logger.Fatalf("Tenant overrides: %v", err)
	}

	metrics := monitoring.NewMetrics()
	auditLog := audit.NewLogger()
	dispatcher := verification.NewDispatcher(
		verification.NewAP2Verifier(trust, clk),
		verification.NewACPVerifier(clk, cfg.ACPPSPAllowlist),
		cfg.ACPEnable,
	)

	engine := webhooks.NewEngine(store, clk, metrics, webhooks.Config{
		Workers:           cfg.WebhookWorkerCount,
		Timeout:           cfg.WebhookTimeout,
		DefaultMaxRetries: cfg.WebhookMaxRetries,
		DefaultSeed:       cfg.WebhookRetryBackoffSeed,
		DefaultCap:        cfg.WebhookRetryBackoffCap,
	})
	engine.Start()

	idemCache := acpwebhook.NewIdempotencyCache(cfg.RedisAddr, 24*time.Hour)
	processor := acpwebhook.NewProcessor(store, auditLog, engine, clk, idemCache, metrics)
	acpHandler := acpwebhook.NewHandler(processor, tenants, cfg.MaxPayloadBytes)

	svc := service.NewAuthorizationService(
		store, dispatcher, auditLog, engine, evidence.NewExporter(),
		clk, metrics, int(cfg.MaxPayloadBytes),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runner := workers.NewRunner(metrics)
	runner.Add(workers.NewExpiryScanner(store, auditLog, engine, clk).Task(cfg.ExpiryCheckInterval))
	runner.Add(workers.NewAlertGenerator(store, clk, cfg.AlertWindow).Task(cfg.ExpiryCheckInterval))
	runner.Add(workers.NewRetentionCleanup(store, clk, cfg.RetentionGraceWindow).Task(cfg.CleanupInterval))
	runner.Add(workers.NewDeliveryRetrier(store, engine, clk, cfg.WebhookInFlightTimeout).Task(cfg.RetryScanInterval))
	runner.Start(ctx)

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{})
	server := api.NewServer(svc, engine, store, acpHandler, limiter)

	port, err := strconv.Atoi(cfg.Port)
	if err != nil {
		logger.Fatalf("PORT: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Printf("Received %s, shutting down", sig)
	case err := <-errCh:
		logger.Printf("Server stopped: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	cancel()
	runner.Wait()
	engine.Shutdown()
	logger.Printf("Bye")
}

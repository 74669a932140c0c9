// Package main is the entry point for the audit ledger server binary. It
// dispatches four subcommands via a simple switch on os.Args so the binary's
// full CLI surface is readable in one place without requiring a cobra
// dependency: serve runs the API server (with auto-migration on startup so
// freshly deployed containers never need a separate migration step), migrate
// applies or rolls back schema migrations, verify replays the hash chain and
// reports its integrity, and version prints the build version.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/audit-ledger/audit-ledger/internal/api"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db"
	"github.com/audit-ledger/audit-ledger/internal/db/repositories"
	"github.com/audit-ledger/audit-ledger/internal/ledger"
	"github.com/audit-ledger/audit-ledger/internal/telemetry"

	// Storage backends register themselves with the factory at init time.
	_ "github.com/audit-ledger/audit-ledger/internal/storage/azure"
	_ "github.com/audit-ledger/audit-ledger/internal/storage/gcs"
	_ "github.com/audit-ledger/audit-ledger/internal/storage/local"
	_ "github.com/audit-ledger/audit-ledger/internal/storage/s3"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	if command == "version" {
		fmt.Printf("Audit Ledger v%s\n", api.Version)
		return nil
	}

	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "verify":
		return verifyChain(cfg)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, verify, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logging first so all subsequent output uses the
	// configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	slog.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(database.DB)

	// Run migrations automatically on startup.
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		slog.Warn("failed to read migration version", "error", err)
	} else {
		slog.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
	}

	// Serve Prometheus metrics on a dedicated port so the scrape path is not
	// reachable through the public API ingress and skips the rate limiter.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	router, bgServices, err := api.NewRouter(cfg, database.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("starting server",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"storage_backend", cfg.Storage.Backend,
			"tls", cfg.Security.TLS.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Drain in-flight requests before stopping the export workers so handlers
	// never observe a stopped orchestrator.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	bgServices.Shutdown()

	slog.Info("server stopped gracefully")
	return nil
}

// verifyChain replays the full hash chain against the database and reports the
// result on stdout. It exits non-zero when the chain is broken so the command
// can gate cron jobs and deployment checks.
func verifyChain(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	codec := ledger.NewCodec(ledger.Limits{
		MaxActorBytes:    cfg.Ledger.MaxActorLength,
		MaxActionBytes:   cfg.Ledger.MaxActionLength,
		MaxResourceBytes: cfg.Ledger.MaxResourceLength,
		MaxSnapshotBytes: cfg.Ledger.MaxSnapshotBytes,
	})
	verifier := ledger.NewVerifier(repositories.NewEventRepository(database), codec)

	start := time.Now()
	res, err := verifier.Verify(context.Background(), ledger.Range{})
	if err != nil {
		return fmt.Errorf("verification aborted: %w", err)
	}

	if res.IsValid {
		fmt.Printf("chain OK: %d events verified in %s\n", res.VerifiedCount, time.Since(start).Round(time.Millisecond))
		return nil
	}
	return fmt.Errorf("chain BROKEN at sequence %d: %s (%d events verified before failure)",
		*res.FailureSequence, res.FailureReason, res.VerifiedCount)
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	slog.Info("migration completed", "direction", direction, "version", version, "dirty", dirty)
	return nil
}

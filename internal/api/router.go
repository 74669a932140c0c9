// Package api wires together all HTTP routes for the audit ledger service.
//
// Route grouping philosophy:
//   - /api/v1/events and /api/v1/verify are the ledger surface: append, search,
//     fetch, and chain verification. The service carries no auth of its own;
//     deployments front it with a gateway (spec'd to stay out of scope here).
//   - /api/v1/exports is the export job surface. Job creation gets a stricter
//     rate limit than reads because each accepted request costs an archive build.
//   - /v1/files/ serves archives directly only for the local storage backend
//     with serve_directly enabled; cloud backends hand out signed URLs instead.
package api

import (
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/audit-ledger/audit-ledger/internal/api/events"
	"github.com/audit-ledger/audit-ledger/internal/api/exports"
	"github.com/audit-ledger/audit-ledger/internal/config"
	"github.com/audit-ledger/audit-ledger/internal/db/repositories"
	"github.com/audit-ledger/audit-ledger/internal/export"
	"github.com/audit-ledger/audit-ledger/internal/ledger"
	"github.com/audit-ledger/audit-ledger/internal/middleware"
	"github.com/audit-ledger/audit-ledger/internal/storage"
)

// Version is the service version reported by GET /version.
const Version = "0.1.0"

// BackgroundServices holds references to background workers and resources that
// must be stopped during graceful shutdown. The caller (cmd/server) is
// responsible for calling Shutdown() when the process receives a termination
// signal.
type BackgroundServices struct {
	exportOrchestrator *export.Orchestrator
	rateLimiters       []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the HTTP
// server has been shut down so that in-flight requests are drained first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.exportOrchestrator != nil {
		bg.exportOrchestrator.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router, the ledger components, and
// the export worker pool.
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	blobs, err := storage.NewStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("initialized storage backend", "backend", cfg.Storage.Backend)

	sqlxDB := sqlx.NewDb(db, "postgres")
	eventRepo := repositories.NewEventRepository(sqlxDB)
	exportRepo := repositories.NewExportJobRepository(sqlxDB)

	codec := ledger.NewCodec(ledger.Limits{
		MaxActorBytes:    cfg.Ledger.MaxActorLength,
		MaxActionBytes:   cfg.Ledger.MaxActionLength,
		MaxResourceBytes: cfg.Ledger.MaxResourceLength,
		MaxSnapshotBytes: cfg.Ledger.MaxSnapshotBytes,
	})
	led := ledger.New(eventRepo, codec)
	querier := ledger.NewQuerier(eventRepo)
	verifier := ledger.NewVerifier(eventRepo, codec)

	orch := export.NewOrchestrator(exportRepo, eventRepo, blobs, export.Config{
		Workers:      cfg.Export.Workers,
		BatchSize:    cfg.Export.BatchSize,
		PollInterval: cfg.Export.PollInterval,
		LinkTTL:      cfg.Export.LinkTTL,
	})
	orch.Start()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RequestLogMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, blobs))
	router.GET("/version", versionHandler())

	// Archive serving for the local backend. Cloud backends never route
	// downloads through this process.
	if cfg.Storage.Backend == "local" && cfg.Storage.Local.ServeDirectly {
		router.GET("/v1/files/*filepath", serveFileHandler(blobs))
	}

	eventHandlers := events.NewHandlers(led, querier, verifier)
	exportHandlers := exports.NewHandlers(orch)

	generalLimiter := middleware.NewRateLimiter(rateLimitConfig(cfg))
	exportLimiter := middleware.NewRateLimiter(middleware.ExportRateLimitConfig())

	apiV1 := router.Group("/api/v1")
	if cfg.Security.RateLimiting.Enabled {
		apiV1.Use(middleware.RateLimitMiddleware(generalLimiter))
	}
	{
		apiV1.POST("/events", eventHandlers.Append)
		apiV1.GET("/events", eventHandlers.Search)
		apiV1.GET("/events/:sequence", eventHandlers.Get)
		apiV1.GET("/verify", eventHandlers.Verify)

		apiV1.GET("/exports", exportHandlers.List)
		apiV1.GET("/exports/:id", exportHandlers.Get)
		apiV1.GET("/exports/:id/download", exportHandlers.Download)
		if cfg.Security.RateLimiting.Enabled {
			apiV1.POST("/exports", middleware.RateLimitMiddleware(exportLimiter), exportHandlers.Create)
		} else {
			apiV1.POST("/exports", exportHandlers.Create)
		}
	}

	bg := &BackgroundServices{
		exportOrchestrator: orch,
		rateLimiters:       []*middleware.RateLimiter{generalLimiter, exportLimiter},
	}
	return router, bg, nil
}

// rateLimitConfig maps the config file's rate limiting section onto the
// middleware config, falling back to defaults for unset values.
func rateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	rl := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		rl.BurstSize = cfg.Security.RateLimiting.Burst
	}
	return rl
}

// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the storage backend so
// that a readiness gate fails when export uploads or downloads would error.
func readinessHandler(db *sql.DB, blobs storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Probe the blob store with a known-absent sentinel path. Exists()
		// exercises authentication and network connectivity without creating
		// any state.
		if _, err := blobs.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "storage backend not ready",
			})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the service version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":     "audit-ledger",
			"version":     Version,
			"api_version": "v1",
		})
	}
}

// serveFileHandler streams a stored archive from the local backend.
func serveFileHandler(blobs storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Param("filepath")
		if len(path) > 0 && path[0] == '/' {
			path = path[1:]
		}

		rc, err := blobs.Download(c.Request.Context(), path)
		if err != nil {
			if errors.Is(err, storage.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read file"})
			return
		}
		defer rc.Close()

		c.Header("Content-Type", "application/octet-stream")
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, rc); err != nil {
			slog.Error("failed to stream file", "path", path, "error", err)
		}
	}
}

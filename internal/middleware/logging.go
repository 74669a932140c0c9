// logging.go provides Gin middleware that emits one structured log line per
// completed request. The audit trail itself is first-class data written
// through the ledger API, so HTTP access logging stays purely operational.
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogMiddleware returns a Gin handler that logs every completed request
// through the process-wide slog logger.
//
// Logged attributes: method, route template, status, duration, client IP, and
// the request ID set by RequestIDMiddleware. 5xx responses log at Error, 4xx
// at Warn, everything else at Info. Register it after RequestIDMiddleware so
// the request ID is available.
func RequestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		requestID := ""
		if id, ok := c.Get(RequestIDKey); ok {
			requestID, _ = id.(string)
		}

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
			"client_ip", c.ClientIP(),
			"request_id", requestID,
		}

		switch {
		case status >= 500:
			slog.Error("request failed", attrs...)
		case status >= 400:
			slog.Warn("request rejected", attrs...)
		default:
			slog.Info("request completed", attrs...)
		}
	}
}

package observability

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// adminOps names the admin routes in log lines; unknown routes log as "other".
var adminOps = map[string]string{
	"GET /health":                "health",
	"GET /metrics":               "metrics",
	"GET /clients":               "list_clients",
	"DELETE /clients/:id":        "disconnect",
	"POST /clients/:id/requests": "push_request",
}

// RequestLogger logs one line per admin HTTP request, at warn for 4xx and
// error for 5xx. Routes that address a client carry client_id, and pushes
// carry the destination, payload size and the kernel's failure if any.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		} else if status >= 400 {
			event = logger.Warn()
		}

		path := routePath(c)
		op, ok := adminOps[c.Request.Method+" "+path]
		if !ok {
			op = "other"
		}
		event = event.
			Str("op", op).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("remote_ip", c.ClientIP())
		if id := c.Param("id"); id != "" {
			event = event.Str("client_id", id)
		}
		if op == "push_request" {
			event = event.Str("dest", c.Query("dest")).Int64("payload_bytes", c.Request.ContentLength)
		}
		if last := c.Errors.Last(); last != nil {
			event = event.Str("error", last.Err.Error())
		}
		event.Int("bytes", c.Writer.Size()).Msg("admin_request")
	}
}

func RequestMetricsMiddleware(m *IPCMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.RecordAdminRequest(c.Request.Method, routePath(c), c.Writer.Status(), time.Since(start))
	}
}

// routePath keeps label cardinality bounded: unmatched paths collapse to one
// value instead of echoing the raw URL.
func routePath(c *gin.Context) string {
	if path := c.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

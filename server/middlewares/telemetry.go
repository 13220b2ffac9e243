package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	otel "github.com/synapse-agents/synapse/server/otel"
)

// Telemetry returns a middleware recording request counts and durations.
// With a nil telemetry handle it degrades to a pass-through.
func Telemetry(telemetry otel.OpenTelemetry) gin.HandlerFunc {
	if telemetry == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		ctx := c.Request.Context()
		telemetry.RecordResponseStatus(ctx, c.Request.Method, path, c.Writer.Status())
		telemetry.RecordRequestDuration(ctx, c.Request.Method, path,
			float64(time.Since(start).Milliseconds()))
	}
}

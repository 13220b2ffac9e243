package middlewares

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// healthPaths are request paths whose logs are suppressible; pollers hit
// them every few seconds and drown out real traffic.
var healthPaths = map[string]bool{
	"/health":                 true,
	"/status":                 true,
	"/.well-known/agent.json": true,
}

// Logging returns a request-logging middleware. With suppressHealth set,
// successful requests to health and status endpoints are not logged.
func Logging(logger *zap.Logger, suppressHealth bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if suppressHealth && healthPaths[path] && status < 400 {
			return
		}

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		switch {
		case status >= 500:
			logger.Error("request", fields...)
		case status >= 400:
			logger.Warn("request", fields...)
		default:
			logger.Info("request", fields...)
		}
	}
}

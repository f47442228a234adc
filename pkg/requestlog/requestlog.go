// Package requestlog emits request lifecycle log events through the log
// pipeline. Business services mount it after the correlation middleware so
// every request produces a "received" and a "completed" event tied together
// by the correlation id.
package requestlog

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// EventLogger is the emitter surface this middleware needs.
type EventLogger interface {
	Log(ctx context.Context, level, url, message string, extra map[string]any)
}

// Middleware logs request receipt and completion through the given emitter.
// Completions with a 4xx or 5xx status are logged at ERROR level.
func Middleware(emitter EventLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		url := requestURL(c)
		method := c.Request.Method

		received := map[string]any{
			"method": method,
			"path":   c.Request.URL.Path,
			"ip":     c.ClientIP(),
		}
		if q := c.Request.URL.RawQuery; q != "" {
			received["query"] = q
		}
		emitter.Log(ctx, "info", url, fmt.Sprintf("%s request received", method), received)

		c.Next()

		status := c.Writer.Status()
		duration := time.Since(start).Milliseconds()
		level := "info"
		if status >= 400 {
			level = "error"
		}
		emitter.Log(ctx, level, url,
			fmt.Sprintf("%s request completed - Status: %d - Duration: %dms", method, status, duration),
			map[string]any{
				"method":     method,
				"statusCode": status,
				"duration":   duration,
			})
	}
}

func requestURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, c.Request.Host, c.Request.URL.RequestURI())
}

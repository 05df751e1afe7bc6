package httpserver

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cwaj400/monday-mailchimp-sync-sub000/internal/logging"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger tags each request with an ID (reusing X-Request-ID when the
// caller sent one) and logs one line when it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = logging.NewRequestID()
		}
		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithCorrelationID(ctx, logging.NewCorrelationID())
		c.Request = c.Request.WithContext(ctx)
		c.Header(requestIDHeader, id)

		c.Next()

		status := c.Writer.Status()
		evt := logging.Ctx(ctx).Info()
		if status >= 500 {
			evt = logging.Ctx(ctx).Error()
		} else if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			evt = logging.Ctx(ctx).Debug()
		}
		evt.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

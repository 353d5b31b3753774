package middleware

import (
	"net/http"
	"time"

	"chatrelay/pkg/logger"
	"chatrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// RequestLogMiddleware logs one line per request with its request, trace
// and identity ids. The WebSocket upgrade path is skipped; connections log
// their own lifecycle.
func RequestLogMiddleware(cl *logger.ContextLogger, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(c *gin.Context) {
		if skipped[c.Request.URL.Path] {
			c.Next()
			return
		}

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		start := time.Now()
		c.Next()

		ctx := logger.WithRequestID(c.Request.Context(), requestID)
		if traceID := tracing.TraceID(ctx); traceID != "" {
			ctx = logger.WithTraceID(ctx, traceID)
		}
		if identity, ok := IdentityFrom(c); ok {
			ctx = logger.WithIdentityID(ctx, string(identity.ID))
		}

		status := c.Writer.Status()
		if status >= http.StatusInternalServerError && len(c.Errors) > 0 {
			cl.LogError(ctx, c.Errors.Last().Err, "request failed")
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path, status, time.Since(start).Milliseconds())
	}
}

package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/coursekit/billing/pkg/logctx"
)

// TraceMiddleware attaches a trace id to the request. It honors a
// client-supplied X-Request-ID, otherwise generates one, and stores it
// under the typed logctx key so downstream code never touches raw
// context keys.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Request-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Request = c.Request.WithContext(logctx.WithTraceID(c.Request.Context(), traceID))
		c.Writer.Header().Set("X-Request-ID", traceID)

		c.Next()
	}
}

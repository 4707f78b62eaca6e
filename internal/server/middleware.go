package server

import (
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"agentflow/internal/logging"
	"agentflow/internal/observability"
	"agentflow/internal/tools"
)

const flowToolHeader = tools.FlowToolHeader

// requestLogger traces every request and logs its route, status and latency.
func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, span := observability.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", c.FullPath()),
		)
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		observability.EndSpan(span, err)

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		logger.Info("route=%s method=%s status=%d latency_ms=%.2f bytes=%d",
			route, c.Request.Method, status,
			float64(time.Since(start).Microseconds())/1000.0, c.Writer.Size())
	}
}

// requireJSON rejects bodies that declare a content type other than JSON.
func requireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ct := c.GetHeader("Content-Type"); ct != "" {
			mediaType, _, err := mime.ParseMediaType(ct)
			if err != nil || mediaType != "application/json" {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, ErrorResponse{Error: "Content-Type must be application/json"})
				return
			}
		}
		c.Next()
	}
}

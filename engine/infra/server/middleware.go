package server

import (
	"net/http"
	"time"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
)

const HeaderRequestID = "X-Request-ID"

// LoggerMiddleware attaches a request scoped logger and logs every request
// once it completes.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = core.MustNewID().String()
		}
		c.Header(HeaderRequestID, requestID)
		reqLog := log.With("request_id", requestID)
		c.Request = c.Request.WithContext(logger.ContextWithLogger(c.Request.Context(), reqLog))
		c.Next()
		if raw != "" {
			path = path + "?" + raw
		}
		status := c.Writer.Status()
		fields := []any{
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"status_code", status,
			"body_size", c.Writer.Size(),
			"path", path,
		}
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			fields = append(fields, "error", msg)
		}
		if status >= http.StatusInternalServerError {
			reqLog.Error("Request completed", fields...)
			return
		}
		reqLog.Info("Request completed", fields...)
	}
}

// BodyLimitMiddleware caps request bodies at limit bytes.
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

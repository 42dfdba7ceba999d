package logger

import (
	"math/rand"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const HeaderRequestID = "X-Request-ID"

// GinMiddleware attaches a request ID and writes one access log line per
// request.
func GinMiddleware(log *zap.Logger) gin.HandlerFunc {
	access := log.Named("http.access")
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
		}
		c.Set("request_id", requestID)
		c.Writer.Header().Set(HeaderRequestID, requestID)

		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			access.Warn("request", fields...)
			return
		}
		access.Info("request", fields...)
	}
}

package middleware

import (
	"time"

	"github.com/damoang/bagtag-backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestLogger returns a gin middleware that logs every request with structured fields
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Generate request ID
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()[:8]
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		log := logger.WithRequestID(requestID)
		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}

		// 경로 템플릿만 기록 (대화 id, 토큰 쿼리는 남기지 않는다)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		role := ""
		if viewer, ok := GetViewer(c); ok {
			role = string(viewer.Role)
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Str("role", role).
			Int("body_size", c.Writer.Size()).
			Msg("request")
	}
}

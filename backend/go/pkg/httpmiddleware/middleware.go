package httpmiddleware

import (
	"SceneGen/backend/go/internal/models"
	"SceneGen/backend/go/pkg/logger"
	"SceneGen/backend/go/pkg/ratelimiter"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimit rejects requests with 429 once the client's bucket is empty. Clients are keyed by IP.
func RateLimit(limiter *ratelimiter.KeyedLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too Many Requests"})
			return
		}
		c.Next()
	}
}

// RequestLogger writes one structured entry per request.
func RequestLogger(l *logger.Logger) gin.HandlerFunc {
	l = l.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		info := models.RequestInfo{
			Method:     c.Request.Method,
			Path:       c.Request.URL.Path,
			RemoteAddr: c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Status:     c.Writer.Status(),
			LatencyMs:  time.Since(start).Milliseconds(),
		}
		entry := l.WithRequest(info)
		if id := c.Param("id"); id != "" {
			entry = entry.WithTask(id)
		}
		switch {
		case info.Status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case info.Status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Debug("Request served")
		}
	}
}

// Recovery turns a handler panic into a 500 and logs the stack.
func Recovery(l *logger.Logger) gin.HandlerFunc {
	l = l.WithComponent("http")
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				l.WithError(models.ErrorInfo{
					Message:    fmt.Sprint(r),
					Stack:      string(debug.Stack()),
					Type:       "panic",
					StatusCode: http.StatusInternalServerError,
				}).Error("Handler panicked")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/1ureka/roomchat/internal/util"
)

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware(log util.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		latency := time.Since(startTime)
		status := c.Writer.Status()
		switch {
		case status >= 500:
			log.Error("%d | %s | %s %s | %v", status, c.ClientIP(), c.Request.Method, c.Request.URL.Path, latency)
		case status >= 400:
			log.Warn("%d | %s | %s %s | %v", status, c.ClientIP(), c.Request.Method, c.Request.URL.Path, latency)
		default:
			log.Debug("%d | %s | %s %s | %v", status, c.ClientIP(), c.Request.Method, c.Request.URL.Path, latency)
		}
	}
}

// ErrorResponse is a standard error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

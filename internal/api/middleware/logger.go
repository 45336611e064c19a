package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RequestLogger returns a gin middleware for logging requests
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		statusCode := c.Writer.Status()
		event := log.Debug()
		switch {
		case statusCode >= http.StatusInternalServerError:
			event = log.Error()
		case statusCode >= http.StatusBadRequest:
			event = log.Warn()
		}

		event.
			Int("status", statusCode).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("request_id", c.GetHeader("X-Request-ID")).
			Msg("Request processed")
	}
}

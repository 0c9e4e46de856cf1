package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"medilink-signal/pkg/logger"
)

// quietPaths are polled by probes and scrapers and only logged at debug.
var quietPaths = map[string]bool{"/ping": true, "/health": true, "/metrics": true}

func LoggingMiddleware(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if id := c.Param("id"); id != "" && strings.HasPrefix(c.FullPath(), "/v1/calls/") {
			c.Request = c.Request.WithContext(logger.WithCallID(c.Request.Context(), id))
		}

		c.Next()

		log := l
		if log == nil {
			log = logger.GetGlobalLogger()
		}
		status := c.Writer.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		case quietPaths[c.Request.URL.Path]:
			level = zapcore.DebugLevel
		}
		if ce := log.Ctx(c.Request.Context()).Check(level, "request"); ce != nil {
			ce.Write(
				zap.String("method", c.Request.Method),
				zap.String("route", c.FullPath()),
				zap.String("path", c.Request.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("client_ip", c.ClientIP()),
			)
		}
	}
}

package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"medilink-signal/pkg/logger"
)

const (
	HeaderRequestID = "X-Request-Id"
	CtxRequestIDKey = "request_id"
)

// RequestIDMiddleware echoes the caller's X-Request-Id, or mints one, and
// makes it available to handlers and the context logger.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Writer.Header().Set(HeaderRequestID, requestID)
		c.Set(CtxRequestIDKey, requestID)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), logger.RequestIdKey, requestID))
		c.Next()
	}
}

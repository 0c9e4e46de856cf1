package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medilink-signal/internal/transport/httpdto"
	medilink_errors "medilink-signal/pkg/errors"
	"medilink-signal/pkg/logger"
)

// HTTPStatus maps a domain error to its response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, medilink_errors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, medilink_errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, medilink_errors.ErrMediaAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, medilink_errors.ErrCallNotFound),
		errors.Is(err, medilink_errors.ErrSessionNotFound),
		errors.Is(err, medilink_errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, medilink_errors.ErrAlreadyExists),
		errors.Is(err, medilink_errors.ErrConflict),
		errors.Is(err, medilink_errors.ErrInvalidTransition),
		errors.Is(err, medilink_errors.ErrNoCurrentSession):
		return http.StatusConflict
	case errors.Is(err, medilink_errors.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, medilink_errors.ErrConnectionLost),
		errors.Is(err, medilink_errors.ErrEndCallFailed),
		errors.Is(err, medilink_errors.ErrServiceUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status := HTTPStatus(err)
		if l != nil {
			log := l.Ctx(c.Request.Context())
			if status >= http.StatusInternalServerError {
				log.Error("request failed", zap.Error(err))
			} else {
				log.Debug("request rejected", zap.Error(err))
			}
		}
		message := err.Error()
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
		c.JSON(status, httpdto.NewErrorResponse(message, medilink_errors.Code(err)).WithRequestID(c.GetString(CtxRequestIDKey)))
	}
}

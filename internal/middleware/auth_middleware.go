package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"medilink-signal/internal/auth"
	"medilink-signal/internal/transport/httpdto"
	"medilink-signal/pkg/logger"
)

const (
	CtxUserIDKey    = "user_id"
	CtxUserEmailKey = "user_email"
)

type TokenVerifier interface {
	Parse(token string) (auth.Claims, error)
}

// AuthMiddleware accepts a bearer header, or an access_token query parameter
// for WebSocket upgrades that cannot set headers.
func AuthMiddleware(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			token = c.Query("access_token")
		}
		claims, err := verifier.Parse(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "unauthorized"))
			return
		}

		c.Set(CtxUserIDKey, claims.UserID())
		c.Set(CtxUserEmailKey, claims.Email)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), claims.UserID()))
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" outside AuthMiddleware.
func UserID(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

func UserEmail(c *gin.Context) string {
	return c.GetString(CtxUserEmailKey)
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"medilink-signal/internal/auth"
	"medilink-signal/internal/redis"
	medilink_errors "medilink-signal/pkg/errors"
	"medilink-signal/pkg/logger"
)

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier, err := auth.NewVerifier("secret")
	require.NoError(t, err)
	token, err := verifier.Issue("pt-1", "pt@example.com", time.Minute)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/secure", AuthMiddleware(verifier), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": UserID(c), "email": UserEmail(c)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/secure", nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secure", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payload))
	require.Equal(t, "pt-1", payload["user_id"])
	require.Equal(t, "pt@example.com", payload["email"])

	// query parameter for websocket upgrades
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/secure?access_token="+token, nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestErrorHandlerMapsDomainErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler(logger.NewNop()))
	r.GET("/fail/:kind", func(c *gin.Context) {
		switch c.Param("kind") {
		case "session":
			_ = c.Error(fmt.Errorf("%w: s1", medilink_errors.ErrSessionNotFound))
		case "current":
			_ = c.Error(medilink_errors.ErrNoCurrentSession)
		case "media":
			_ = c.Error(fmt.Errorf("%w: camera busy", medilink_errors.ErrMediaAccessDenied))
		default:
			_ = c.Error(fmt.Errorf("boom"))
		}
	})

	cases := []struct {
		kind   string
		status int
		code   string
	}{
		{"session", http.StatusNotFound, "session-not-found"},
		{"current", http.StatusConflict, "no-current-session"},
		{"media", http.StatusForbidden, "media-access-denied"},
		{"other", http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail/"+tc.kind, nil))
		require.Equal(t, tc.status, w.Code, tc.kind)

		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Code    string `json:"code"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.False(t, body.Success)
		require.Equal(t, tc.code, body.Code, tc.kind)
		if tc.status == http.StatusInternalServerError {
			require.Equal(t, "internal error", body.Error)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		id, _ := c.Request.Context().Value(logger.RequestIdKey).(string)
		c.String(http.StatusOK, id)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Len(t, w.Header().Get(HeaderRequestID), 36)
	require.Equal(t, w.Header().Get(HeaderRequestID), w.Body.String())

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "given")
	r.ServeHTTP(w, req)
	require.Equal(t, "given", w.Body.String())
}

type stubLimiter struct {
	allowed bool
}

func (s stubLimiter) result() *redis.RateLimitResult {
	remaining := 0
	if s.allowed {
		remaining = 4
	}
	return &redis.RateLimitResult{Allowed: s.allowed, Remaining: remaining, Limit: 5, ResetIn: time.Minute}
}

func (s stubLimiter) AllowCall(context.Context, string) (*redis.RateLimitResult, error) {
	return s.result(), nil
}

func (s stubLimiter) AllowSessionRefresh(context.Context, string) (*redis.RateLimitResult, error) {
	return s.result(), nil
}

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, allowed := range []bool{true, false} {
		r := gin.New()
		r.POST("/refresh", SessionRateLimitMiddleware(stubLimiter{allowed: allowed}), func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/refresh", nil))
		if allowed {
			require.Equal(t, http.StatusNoContent, w.Code)
			require.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
		} else {
			require.Equal(t, http.StatusTooManyRequests, w.Code)
			require.Equal(t, "60", w.Header().Get("X-RateLimit-Reset"))
		}
	}
}

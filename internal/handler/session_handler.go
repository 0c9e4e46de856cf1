package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"medilink-signal/internal/domain/user"
	"medilink-signal/internal/middleware"
	"medilink-signal/internal/session"
	"medilink-signal/internal/transport/httpdto"
)

// SessionRegistry is satisfied by *session.Registry.
type SessionRegistry interface {
	CreateOrRefresh(ctx context.Context, userID, userEmail string) (user.Session, *session.Heartbeat, error)
	List(ctx context.Context, userID string) ([]user.SessionView, error)
	Revoke(ctx context.Context, userID, sessionID string) error
	RevokeAllOthers(ctx context.Context, userID string) (int, error)
	Visible()
	Logout(ctx context.Context) error
}

type SessionHandler struct {
	sessions SessionRegistry
}

func NewSessionHandler(sessions SessionRegistry) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Refresh registers this device after login and (re)starts its heartbeat.
func (h *SessionHandler) Refresh(c *gin.Context) {
	s, _, err := h.sessions.CreateOrRefresh(c.Request.Context(), middleware.UserID(c), middleware.UserEmail(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.FromSession(s)))
}

func (h *SessionHandler) List(c *gin.Context) {
	views, err := h.sessions.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ListSessionsResponse{
		Sessions: httpdto.FromSessionViews(views),
	}))
}

func (h *SessionHandler) Revoke(c *gin.Context) {
	if err := h.sessions.Revoke(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) RevokeOthers(c *gin.Context) {
	n, err := h.sessions.RevokeAllOthers(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.RevokeOthersResponse{Revoked: n}))
}

// Visible is posted by the portal when its tab becomes visible again.
func (h *SessionHandler) Visible(c *gin.Context) {
	h.sessions.Visible()
	c.Status(http.StatusAccepted)
}

func (h *SessionHandler) Logout(c *gin.Context) {
	if err := h.sessions.Logout(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"medilink-signal/internal/coordinator"
	"medilink-signal/internal/domain/call"
	"medilink-signal/internal/middleware"
	"medilink-signal/internal/transport/httpdto"
	medilink_errors "medilink-signal/pkg/errors"
)

// CallManager is satisfied by *coordinator.Manager.
type CallManager interface {
	CreateCall(ctx context.Context, rec call.Record) (call.Record, error)
	Record(ctx context.Context, callID string) (call.Record, error)
	Start(ctx context.Context, callID, userID string, role coordinator.Role, typ call.Type) (*coordinator.Coordinator, error)
	Get(callID string) (*coordinator.Coordinator, error)
	End(ctx context.Context, callID, userID string) error
}

type CallHandler struct {
	calls CallManager
	log   *zap.Logger
}

func NewCallHandler(calls CallManager, log *zap.Logger) *CallHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &CallHandler{calls: calls, log: log}
}

func (h *CallHandler) Create(c *gin.Context) {
	var req httpdto.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	typ := call.Type(req.Type)
	if req.Type != "" && !typ.Valid() {
		badRequest(c, fmt.Errorf("unknown call type %q", req.Type))
		return
	}
	rec, err := h.calls.CreateCall(c.Request.Context(), call.Record{
		CallerID:      middleware.UserID(c),
		ReceiverID:    req.ReceiverID,
		CallerName:    req.CallerName,
		ReceiverName:  req.ReceiverName,
		CallerPhoto:   req.CallerPhoto,
		ReceiverPhoto: req.ReceiverPhoto,
		Type:          typ,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, httpdto.NewSuccessResponse(httpdto.FromCallRecord(rec)))
}

// Start joins the call as caller or callee. The role defaults to the
// authenticated user's side of the record.
func (h *CallHandler) Start(c *gin.Context) {
	var req httpdto.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	callID := c.Param("id")
	userID := middleware.UserID(c)
	rec, err := h.calls.Record(c.Request.Context(), callID)
	if err != nil {
		fail(c, err)
		return
	}

	var side coordinator.Role
	switch userID {
	case rec.CallerID:
		side = coordinator.RoleCaller
	case rec.ReceiverID:
		side = coordinator.RoleCallee
	default:
		fail(c, fmt.Errorf("user is not on call %s: %w", callID, medilink_errors.ErrUnauthorized))
		return
	}
	if req.Role != "" && coordinator.Role(req.Role) != side {
		badRequest(c, fmt.Errorf("role %q does not match the call record", req.Role))
		return
	}

	// the coordinator outlives this request
	coord, err := h.calls.Start(context.WithoutCancel(c.Request.Context()), callID, userID, side, rec.Type)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(coord.Status()))
}

func (h *CallHandler) Status(c *gin.Context) {
	coord, ok := h.active(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(coord.Status()))
}

func (h *CallHandler) Quality(c *gin.Context) {
	coord, ok := h.active(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.QualityResponse{Quality: string(coord.Quality())}))
}

func (h *CallHandler) ToggleMute(c *gin.Context) {
	coord, ok := h.active(c)
	if !ok {
		return
	}
	muted := coord.ToggleMute()
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ToggleResponse{Muted: &muted}))
}

func (h *CallHandler) ToggleVideo(c *gin.Context) {
	coord, ok := h.active(c)
	if !ok {
		return
	}
	off := coord.ToggleVideo()
	c.JSON(http.StatusOK, httpdto.NewSuccessResponse(httpdto.ToggleResponse{VideoOff: &off}))
}

func (h *CallHandler) SendMessage(c *gin.Context) {
	var req httpdto.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	coord, ok := h.active(c)
	if !ok {
		return
	}
	if err := coord.SendChatMessage(c.Request.Context(), req.Text); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// End ends the call locally and on the record. A failed record write is
// reported, but local resources are already released.
func (h *CallHandler) End(c *gin.Context) {
	callID := c.Param("id")
	if err := h.calls.End(c.Request.Context(), callID, middleware.UserID(c)); err != nil {
		if errors.Is(err, medilink_errors.ErrEndCallFailed) {
			h.log.Warn("call ended locally only", zap.String("call_id", callID), zap.Error(err))
		}
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// active returns the running coordinator for the call, which must belong to
// the authenticated user.
func (h *CallHandler) active(c *gin.Context) (*coordinator.Coordinator, bool) {
	coord, err := h.calls.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	if coord.UserID() != middleware.UserID(c) {
		fail(c, fmt.Errorf("user is not on call %s: %w", coord.CallID(), medilink_errors.ErrUnauthorized))
		return nil, false
	}
	return coord, true
}

package httpdto

import (
	"time"

	"medilink-signal/internal/coordinator"
	"medilink-signal/internal/domain/call"
)

// CreateCallRequest is used for POST /v1/calls. The caller is the
// authenticated user.
type CreateCallRequest struct {
	ReceiverID    string `json:"receiverId" binding:"required"`
	CallerName    string `json:"callerName"`
	ReceiverName  string `json:"receiverName"`
	CallerPhoto   string `json:"callerPhoto"`
	ReceiverPhoto string `json:"receiverPhoto"`
	Type          string `json:"type"` // "voice" or "video"
}

// StartCallRequest is used for POST /v1/calls/:id/start
type StartCallRequest struct {
	Role string `json:"role"` // optional, "caller" or "callee"
}

// SendMessageRequest is used for POST /v1/calls/:id/messages
type SendMessageRequest struct {
	Text string `json:"text" binding:"required"`
}

type CallDTO struct {
	ID           string `json:"id"`
	CallerID     string `json:"callerId"`
	ReceiverID   string `json:"receiverId"`
	CallerName   string `json:"callerName,omitempty"`
	ReceiverName string `json:"receiverName,omitempty"`
	Status       string `json:"status"`
	Type         string `json:"type"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

type ToggleResponse struct {
	Muted    *bool `json:"muted,omitempty"`
	VideoOff *bool `json:"videoOff,omitempty"`
}

type QualityResponse struct {
	Quality string `json:"quality"`
}

func FromCallRecord(r call.Record) CallDTO {
	dto := CallDTO{
		ID:           r.ID,
		CallerID:     r.CallerID,
		ReceiverID:   r.ReceiverID,
		CallerName:   r.CallerName,
		ReceiverName: r.ReceiverName,
		Status:       string(r.Status),
		Type:         string(r.Type),
	}
	if !r.CreatedAt.IsZero() {
		dto.CreatedAt = r.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

// StatusDTO is the coordinator status as sent over HTTP and WebSocket.
type StatusDTO = coordinator.Status

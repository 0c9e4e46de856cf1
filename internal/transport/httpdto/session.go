package httpdto

import (
	"time"

	"medilink-signal/internal/domain/user"
	"medilink-signal/internal/session"
)

type SessionDTO struct {
	ID               string `json:"id"`
	DeviceName       string `json:"deviceName"`
	DeviceType       string `json:"deviceType"`
	Browser          string `json:"browser"`
	OS               string `json:"os"`
	IPAddress        string `json:"ipAddress"`
	CreatedAt        string `json:"createdAt"`
	LastActive       string `json:"lastActive"`
	LastActiveLabel  string `json:"lastActiveLabel"`
	IsCurrentSession bool   `json:"isCurrentSession"`
}

type ListSessionsResponse struct {
	Sessions []SessionDTO `json:"sessions"`
}

type RevokeOthersResponse struct {
	Revoked int `json:"revoked"`
}

func FromSessionView(v user.SessionView) SessionDTO {
	return SessionDTO{
		ID:               v.ID,
		DeviceName:       v.DeviceName,
		DeviceType:       string(v.DeviceType),
		Browser:          v.Browser,
		OS:               v.OS,
		IPAddress:        v.IPAddress,
		CreatedAt:        v.CreatedAt.Format(time.RFC3339),
		LastActive:       v.LastActive.Format(time.RFC3339),
		LastActiveLabel:  session.FormatRelativeTime(v.LastActive),
		IsCurrentSession: v.IsCurrentSession,
	}
}

func FromSessionViews(views []user.SessionView) []SessionDTO {
	dtos := make([]SessionDTO, len(views))
	for i, v := range views {
		dtos[i] = FromSessionView(v)
	}
	return dtos
}

func FromSession(s user.Session) SessionDTO {
	return FromSessionView(user.SessionView{Session: s, IsCurrentSession: true})
}

package user

import "time"

type DeviceType string

const (
	DeviceMobile  DeviceType = "mobile"
	DeviceDesktop DeviceType = "desktop"
)

const (
	// UnknownIP is stored when every public IP lookup failed.
	UnknownIP = "Unknown"
	// FetchingIP is a placeholder older clients wrote before a lookup finished.
	FetchingIP = "Fetching..."
)

// Session is one login on one device from one address.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"userId"`
	UserEmail    string     `json:"userEmail"`
	DeviceName   string     `json:"deviceName"`
	DeviceType   DeviceType `json:"deviceType"`
	Browser      string     `json:"browser"`
	OS           string     `json:"os"`
	IPAddress    string     `json:"ipAddress"`
	SessionToken string     `json:"sessionToken"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActive   time.Time  `json:"lastActive"`
}

// SessionView is a Session annotated for display.
type SessionView struct {
	Session
	IsCurrentSession bool `json:"isCurrentSession"`
}

package call

import (
	"time"
)

// Status of a CallRecord. It only moves forward: ringing, accepted, ended.
type Status string

const (
	StatusRinging  Status = "ringing"
	StatusAccepted Status = "accepted"
	StatusEnded    Status = "ended"
)

func (s Status) rank() int {
	switch s {
	case StatusRinging:
		return 1
	case StatusAccepted:
		return 2
	case StatusEnded:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() > 0
}

// CanAdvanceTo reports whether writing next after s keeps the status monotonic.
// Rewriting the same status is allowed.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.Valid() && next.rank() >= s.rank()
}

type Type string

const (
	TypeVoice Type = "voice"
	TypeVideo Type = "video"
)

func (t Type) Valid() bool {
	return t == TypeVoice || t == TypeVideo
}

// SessionDescription is an SDP offer or answer as stored on the record.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ChatMessage is one in-call chat entry.
type ChatMessage struct {
	SenderID  string    `json:"senderId"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the shared call document both participants read and write.
type Record struct {
	ID            string              `json:"id"`
	CallerID      string              `json:"callerId"`
	ReceiverID    string              `json:"receiverId"`
	CallerName    string              `json:"callerName"`
	ReceiverName  string              `json:"receiverName"`
	CallerPhoto   string              `json:"callerPhoto"`
	ReceiverPhoto string              `json:"receiverPhoto"`
	Offer         *SessionDescription `json:"offer"`
	Answer        *SessionDescription `json:"answer"`
	Status        Status              `json:"status"`
	Messages      []ChatMessage       `json:"messages"`
	Type          Type                `json:"type"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// Peer returns the other participant's id, or "" if userID is not on the call.
func (r Record) Peer(userID string) string {
	switch userID {
	case r.CallerID:
		return r.ReceiverID
	case r.ReceiverID:
		return r.CallerID
	}
	return ""
}

// Candidate is an ICE candidate in its browser JSON form.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

// CandidateRecord is one entry in a per-recipient candidate collection.
type CandidateRecord struct {
	ID         string    `json:"-"`
	CallID     string    `json:"callId"`
	FromUserID string    `json:"fromUserId"`
	ToUserID   string    `json:"toUserId"`
	Candidate  Candidate `json:"candidate"`
	CreatedAt  time.Time `json:"createdAt"`
}

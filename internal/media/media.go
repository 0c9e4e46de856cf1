// Package media is the local media and peer transport contract the call
// coordinator drives. internal/peer implements it on Pion.
package media

import (
	"context"
	"errors"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrNoDevice         = errors.New("media: no device")
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local capture track. Disabled tracks stay negotiated but send
// nothing.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	Stopped() bool
}

// Stream groups the tracks returned by one Acquire call.
type Stream struct {
	Tracks []Track
}

func (s *Stream) byKind(kind Kind) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

func (s *Stream) AudioTracks() []Track { return s.byKind(KindAudio) }
func (s *Stream) VideoTracks() []Track { return s.byKind(KindVideo) }

// Stop stops every track; stopping twice is harmless.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.Tracks {
		t.Stop()
	}
}

// Live counts tracks that have not been stopped.
func (s *Stream) Live() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, t := range s.Tracks {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

type Constraints struct {
	Audio bool
	Video bool
}

// Source acquires local capture. It fails with ErrPermissionDenied or
// ErrNoDevice when capture is not possible.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType
	SDP  string
}

type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// Stats are cumulative inbound counters for the connection.
type Stats struct {
	PacketsLost      int64
	PacketsReceived  uint64
	JitterSeconds    float64
	RoundTripSeconds float64
}

type RemoteTrack interface {
	ID() string
	Kind() Kind
}

// PeerConnection is one negotiated transport. CreateOffer and CreateAnswer
// also apply the result as the local description.
type PeerConnection interface {
	AddTrack(t Track) error
	OnTrack(fn func(RemoteTrack))
	OnICECandidate(fn func(ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetRemoteDescription(sd SessionDescription) error
	AddICECandidate(c ICECandidate) error
	GetStats(ctx context.Context) (Stats, error)
	Close() error
}

type Factory interface {
	NewPeerConnection(iceServers []ICEServer) (PeerConnection, error)
}

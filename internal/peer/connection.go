package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"medilink-signal/internal/media"
)

var ErrStatsUnavailable = errors.New("peer: inbound stats unavailable")

// PeerConnection adapts *webrtc.PeerConnection to media.PeerConnection.
type PeerConnection struct {
	pc        *webrtc.PeerConnection
	logger    *zap.Logger
	closeOnce sync.Once
	closeErr  error
}

func (p *PeerConnection) AddTrack(t media.Track) error {
	local, ok := t.(*LocalTrack)
	if !ok {
		return fmt.Errorf("add track %s: unsupported track type %T", t.ID(), t)
	}
	sender, err := p.pc.AddTrack(local.track)
	if err != nil {
		return err
	}
	// RTCP must be drained for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

type remoteTrack struct {
	id   string
	kind media.Kind
}

func (r remoteTrack) ID() string       { return r.id }
func (r remoteTrack) Kind() media.Kind { return r.kind }

func (p *PeerConnection) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(remoteTrack{id: t.ID(), kind: media.Kind(t.Kind().String())})
	})
}

func (p *PeerConnection) OnICECandidate(fn func(media.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(media.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (p *PeerConnection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func connectionState(s webrtc.PeerConnectionState) media.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return media.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return media.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return media.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return media.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return media.StateClosed
	}
	return media.StateNew
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return media.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return media.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return media.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return media.SessionDescription{Type: media.SDPOffer, SDP: offer.SDP}, nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return media.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return media.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return media.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return media.SessionDescription{Type: media.SDPAnswer, SDP: answer.SDP}, nil
}

func (p *PeerConnection) SetRemoteDescription(sd media.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(sd.Type)),
		SDP:  sd.SDP,
	})
}

func (p *PeerConnection) AddICECandidate(c media.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (p *PeerConnection) GetStats(ctx context.Context) (media.Stats, error) {
	if err := ctx.Err(); err != nil {
		return media.Stats{}, err
	}
	stats, ok := statsFromReport(p.pc.GetStats())
	if !ok {
		return media.Stats{}, ErrStatsUnavailable
	}
	return stats, nil
}

// statsFromReport sums inbound RTP counters across all streams and takes the
// round-trip time of the nominated candidate pair.
func statsFromReport(report webrtc.StatsReport) (media.Stats, bool) {
	var out media.Stats
	found := false
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			found = true
			out.PacketsLost += int64(st.PacketsLost)
			out.PacketsReceived += uint64(st.PacketsReceived)
			if st.Jitter > out.JitterSeconds {
				out.JitterSeconds = st.Jitter
			}
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.CurrentRoundTripTime > 0 {
				out.RoundTripSeconds = st.CurrentRoundTripTime
			}
		}
	}
	return out, found
}

// Close is idempotent; later calls return the first result.
func (p *PeerConnection) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

var _ media.PeerConnection = (*PeerConnection)(nil)

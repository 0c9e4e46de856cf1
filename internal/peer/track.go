package peer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"medilink-signal/internal/media"
)

// LocalTrack is a sample-fed outbound track. Samples written while the track
// is disabled are dropped.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	kind    media.Kind
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewLocalTrack(kind media.Kind, streamID string) (*LocalTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == media.KindVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, fmt.Errorf("new %s track: %w", kind, err)
	}
	t := &LocalTrack{track: track, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) ID() string              { return t.track.ID() }
func (t *LocalTrack) Kind() media.Kind        { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stop()                   { t.stopped.Store(true) }
func (t *LocalTrack) Stopped() bool           { return t.stopped.Load() }

// WriteSample forwards one encoded frame. It reports whether the sample was
// sent.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) (bool, error) {
	if t.stopped.Load() {
		return false, io.ErrClosedPipe
	}
	if !t.enabled.Load() {
		return false, nil
	}
	if err := t.track.WriteSample(s); err != nil {
		return false, err
	}
	return true, nil
}

// Permissions gate what a SampleSource may hand out, standing in for the
// operator's microphone and camera consent.
type Permissions struct {
	Audio bool
	Video bool
}

// SampleSource creates sample-fed tracks. Whatever feeds the agent's encoded
// audio and video writes into the returned tracks.
type SampleSource struct {
	permissions Permissions
}

func NewSampleSource(p Permissions) *SampleSource {
	return &SampleSource{permissions: p}
}

func (s *SampleSource) Acquire(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Audio && !c.Video {
		return nil, media.ErrNoDevice
	}
	if (c.Audio && !s.permissions.Audio) || (c.Video && !s.permissions.Video) {
		return nil, media.ErrPermissionDenied
	}

	streamID := "stream-" + uuid.NewString()
	stream := &media.Stream{}
	for _, want := range []struct {
		on   bool
		kind media.Kind
	}{{c.Audio, media.KindAudio}, {c.Video, media.KindVideo}} {
		if !want.on {
			continue
		}
		track, err := NewLocalTrack(want.kind, streamID)
		if err != nil {
			stream.Stop()
			return nil, err
		}
		stream.Tracks = append(stream.Tracks, track)
	}
	return stream, nil
}

var _ media.Source = (*SampleSource)(nil)

package peer

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"

	"medilink-signal/internal/media"
)

func TestSampleSourceHonoursPermissions(t *testing.T) {
	ctx := context.Background()

	_, err := NewSampleSource(Permissions{Audio: true}).Acquire(ctx, media.Constraints{Audio: true, Video: true})
	require.ErrorIs(t, err, media.ErrPermissionDenied)

	_, err = NewSampleSource(Permissions{Audio: true, Video: true}).Acquire(ctx, media.Constraints{})
	require.ErrorIs(t, err, media.ErrNoDevice)

	stream, err := NewSampleSource(Permissions{Audio: true}).Acquire(ctx, media.Constraints{Audio: true})
	require.NoError(t, err)
	require.Len(t, stream.AudioTracks(), 1)
	require.Empty(t, stream.VideoTracks())
	require.Equal(t, 1, stream.Live())

	stream.Stop()
	stream.Stop()
	require.Zero(t, stream.Live())
}

func TestLocalTrackDropsSamplesWhileDisabled(t *testing.T) {
	track, err := NewLocalTrack(media.KindAudio, "s1")
	require.NoError(t, err)

	track.SetEnabled(false)
	sent, err := track.WriteSample(pionmedia.Sample{Data: []byte{0x01}, Duration: 20 * time.Millisecond})
	require.NoError(t, err)
	require.False(t, sent)

	track.Stop()
	_, err = track.WriteSample(pionmedia.Sample{Data: []byte{0x01}, Duration: 20 * time.Millisecond})
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestFactoryOfferCarriesLocalTracks(t *testing.T) {
	factory, err := NewFactory(FactoryOptions{})
	require.NoError(t, err)

	pc, err := factory.NewPeerConnection(nil)
	require.NoError(t, err)
	defer pc.Close()

	stream, err := NewSampleSource(Permissions{Audio: true, Video: true}).Acquire(context.Background(), media.Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	for _, track := range stream.Tracks {
		require.NoError(t, pc.AddTrack(track))
	}

	offer, err := pc.CreateOffer(context.Background())
	require.NoError(t, err)
	require.Equal(t, media.SDPOffer, offer.Type)
	require.Contains(t, offer.SDP, "m=audio")
	require.Contains(t, offer.SDP, "m=video")

	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
}

func TestStatsFromReport(t *testing.T) {
	report := webrtc.StatsReport{
		"in-audio": webrtc.InboundRTPStreamStats{PacketsLost: 3, PacketsReceived: 400, Jitter: 0.002},
		"in-video": webrtc.InboundRTPStreamStats{PacketsLost: 4, PacketsReceived: 900, Jitter: 0.010},
		"pair":     webrtc.ICECandidatePairStats{Nominated: true, CurrentRoundTripTime: 0.045},
	}

	stats, ok := statsFromReport(report)
	require.True(t, ok)
	require.EqualValues(t, 7, stats.PacketsLost)
	require.EqualValues(t, 1300, stats.PacketsReceived)
	require.InDelta(t, 0.010, stats.JitterSeconds, 1e-9)
	require.InDelta(t, 0.045, stats.RoundTripSeconds, 1e-9)

	_, ok = statsFromReport(webrtc.StatsReport{"pair": webrtc.ICECandidatePairStats{}})
	require.False(t, ok)
}

func TestConnectionStateMapping(t *testing.T) {
	require.Equal(t, media.StateConnected, connectionState(webrtc.PeerConnectionStateConnected))
	require.Equal(t, media.StateFailed, connectionState(webrtc.PeerConnectionStateFailed))
	require.Equal(t, media.StateNew, connectionState(webrtc.PeerConnectionStateUnknown))
}

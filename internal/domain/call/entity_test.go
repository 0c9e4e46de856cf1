package call

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusIsMonotonic(t *testing.T) {
	require.True(t, StatusRinging.CanAdvanceTo(StatusAccepted))
	require.True(t, StatusRinging.CanAdvanceTo(StatusEnded))
	require.True(t, StatusAccepted.CanAdvanceTo(StatusEnded))
	require.True(t, StatusAccepted.CanAdvanceTo(StatusAccepted))

	require.False(t, StatusAccepted.CanAdvanceTo(StatusRinging))
	require.False(t, StatusEnded.CanAdvanceTo(StatusAccepted))
	require.False(t, StatusRinging.CanAdvanceTo(Status("busy")))

	// A record with no status yet may take any valid one.
	require.True(t, Status("").CanAdvanceTo(StatusRinging))
}

func TestRecordPeer(t *testing.T) {
	r := Record{CallerID: "doc", ReceiverID: "pat"}
	require.Equal(t, "pat", r.Peer("doc"))
	require.Equal(t, "doc", r.Peer("pat"))
	require.Empty(t, r.Peer("someone-else"))
}

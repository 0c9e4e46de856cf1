package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/call"
	"medilink-signal/internal/signaling"
	medilink_errors "medilink-signal/pkg/errors"
)

func newTestManager(t *testing.T) (*Manager, *signaling.Calls) {
	t.Helper()
	calls := signaling.NewCalls(docstore.NewMemoryStore())
	return NewManager(Deps{
		Calls:     calls,
		Source:    &fakeSource{},
		Factory:   &fakeFactory{},
		NewTicker: (&manualClock{}).NewTicker,
	}), calls
}

func TestManagerOneCoordinatorPerCall(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	rec, err := m.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: "pt-1", Type: call.TypeVoice})
	require.NoError(t, err)

	c, err := m.Start(ctx, rec.ID, "dr-1", RoleCaller, rec.Type)
	require.NoError(t, err)
	require.Equal(t, 1, m.Active())

	_, err = m.Start(ctx, rec.ID, "dr-1", RoleCaller, rec.Type)
	require.ErrorIs(t, err, medilink_errors.ErrAlreadyExists)

	got, err := m.Get(rec.ID)
	require.NoError(t, err)
	require.Same(t, c, got)

	err = m.End(ctx, rec.ID, "pt-1")
	require.ErrorIs(t, err, medilink_errors.ErrUnauthorized)
	require.Equal(t, 1, m.Active())

	require.NoError(t, m.End(ctx, rec.ID, "dr-1"))
	require.Zero(t, m.Active())
	_, err = m.Get(rec.ID)
	require.ErrorIs(t, err, medilink_errors.ErrCallNotFound)
}

func TestManagerRemovesFailedCalls(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Start(context.Background(), "missing", "dr-1", RoleCallee, call.TypeVideo)
	require.ErrorIs(t, err, medilink_errors.ErrCallNotFound)
	require.Zero(t, m.Active())

	_, err = m.Start(context.Background(), "missing", "dr-1", Role("observer"), call.TypeVideo)
	require.ErrorIs(t, err, medilink_errors.ErrInvalidInput)
}

func TestManagerEndsInactiveCallOnRecord(t *testing.T) {
	ctx := context.Background()
	m, calls := newTestManager(t)
	rec, err := m.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: "pt-1"})
	require.NoError(t, err)

	err = m.End(ctx, rec.ID, "stranger")
	require.ErrorIs(t, err, medilink_errors.ErrUnauthorized)
	got, err := calls.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, call.StatusRinging, got.Status)

	require.NoError(t, m.End(ctx, rec.ID, "pt-1"))
	require.NoError(t, m.End(ctx, rec.ID, "dr-1"))
	got, err = calls.GetCall(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, call.StatusEnded, got.Status)

	err = m.End(ctx, "missing", "dr-1")
	require.ErrorIs(t, err, medilink_errors.ErrCallNotFound)
}

func TestManagerEndReportsFailedWrite(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: docstore.NewMemoryStore()}
	calls := signaling.NewCalls(store)
	m := NewManager(Deps{Calls: calls, Source: &fakeSource{}, Factory: &fakeFactory{}})
	rec, err := m.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: "pt-1"})
	require.NoError(t, err)

	store.failing.Store(true)
	err = m.End(ctx, rec.ID, "dr-1")
	require.ErrorIs(t, err, medilink_errors.ErrEndCallFailed)
}

func TestManagerShutdownEndsEverything(t *testing.T) {
	ctx := context.Background()
	m, calls := newTestManager(t)
	var ids []string
	for _, receiver := range []string{"pt-1", "pt-2"} {
		rec, err := m.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: receiver})
		require.NoError(t, err)
		_, err = m.Start(ctx, rec.ID, "dr-1", RoleCaller, rec.Type)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.Equal(t, 2, m.Active())

	require.NoError(t, m.Shutdown(ctx))
	require.Zero(t, m.Active())
	for _, id := range ids {
		rec, err := calls.GetCall(ctx, id)
		require.NoError(t, err)
		require.Equal(t, call.StatusEnded, rec.Status)
	}
}

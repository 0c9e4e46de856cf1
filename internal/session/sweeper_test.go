package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/user"
)

func TestSweeperDeletesStaleSessions(t *testing.T) {
	store := docstore.NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seed := func(lastActive time.Time) string {
		fields, err := docstore.Encode(user.Session{UserID: "pt-1", LastActive: lastActive})
		require.NoError(t, err)
		delete(fields, "id")
		id, err := store.Add(context.Background(), Collection, fields)
		require.NoError(t, err)
		return id
	}
	seed(now.Add(-72 * time.Hour))
	seed(now.Add(-25 * time.Hour))
	fresh := seed(now.Add(-time.Hour))

	s := NewSweeper(store, 24*time.Hour, WithSweepClock(func() time.Time { return now }))
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)

	left, err := store.Query(context.Background(), Collection, docstore.Query{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, fresh, left[0].ID)
}

func TestSweeperDisabledByDefault(t *testing.T) {
	store := docstore.NewMemoryStore()
	s := NewSweeper(store, 0)
	require.False(t, s.Enabled())
	require.NoError(t, s.Start())
	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	<-s.Stop().Done()
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(docstore.NewMemoryStore(), time.Hour, WithSweepSchedule("every tuesday"))
	require.Error(t, s.Start())
}

package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/call"
)

// hangupStore ends the call the first time anyone reads or mutates it, so the
// hang-up lands inside the answerer's read-modify-write.
type hangupStore struct {
	*docstore.MemoryStore
	callID string
	once   sync.Once
}

func (s *hangupStore) hangup(ctx context.Context, id string) {
	if id != s.callID {
		return
	}
	s.once.Do(func() {
		_ = s.MemoryStore.Update(ctx, CallsCollection, id, docstore.Fields{"status": call.StatusEnded})
	})
}

func (s *hangupStore) Get(ctx context.Context, collection, id string) (docstore.Snapshot, error) {
	s.hangup(ctx, id)
	return s.MemoryStore.Get(ctx, collection, id)
}

func (s *hangupStore) UpdateFunc(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	s.hangup(ctx, id)
	return s.MemoryStore.UpdateFunc(ctx, collection, id, fn)
}

type statusLog struct {
	mu   sync.Mutex
	seen []call.Status
}

func (l *statusLog) add(rec call.Record, exists bool) {
	if !exists {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.seen); n == 0 || l.seen[n-1] != rec.Status {
		l.seen = append(l.seen, rec.Status)
	}
}

func (l *statusLog) snapshot() []call.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]call.Status(nil), l.seen...)
}

func requireMonotonic(t *testing.T, seen []call.Status) {
	t.Helper()
	for i := 1; i < len(seen); i++ {
		require.True(t, seen[i-1].CanAdvanceTo(seen[i]), "status went %s -> %s in %v", seen[i-1], seen[i], seen)
	}
}

func TestWriteAnswerKeepsEndedWhenHangupInterleaves(t *testing.T) {
	ctx := context.Background()
	store := &hangupStore{MemoryStore: docstore.NewMemoryStore()}
	calls := NewCalls(store)

	rec, err := calls.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: "pt-1"})
	require.NoError(t, err)
	store.callID = rec.ID

	var log statusLog
	unsubscribe, err := calls.WatchCall(ctx, rec.ID, log.add)
	require.NoError(t, err)
	defer unsubscribe()

	require.NoError(t, calls.WriteAnswer(ctx, rec.ID, call.SessionDescription{Type: "answer", SDP: "a"}))

	got, err := store.MemoryStore.Get(ctx, CallsCollection, rec.ID)
	require.NoError(t, err)
	require.Equal(t, string(call.StatusEnded), got.Fields["status"])

	require.Eventually(t, func() bool {
		seen := log.snapshot()
		return len(seen) > 0 && seen[len(seen)-1] == call.StatusEnded
	}, time.Second, 5*time.Millisecond)
	seen := log.snapshot()
	requireMonotonic(t, seen)
	require.NotContains(t, seen, call.StatusAccepted)
}

func TestConcurrentAnswerAndHangupNeverRegress(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		calls, _ := newCalls(t)
		rec, err := calls.CreateCall(ctx, call.Record{CallerID: "dr-1", ReceiverID: "pt-1"})
		require.NoError(t, err)

		var log statusLog
		unsubscribe, err := calls.WatchCall(ctx, rec.ID, log.add)
		require.NoError(t, err)

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = calls.WriteAnswer(ctx, rec.ID, call.SessionDescription{Type: "answer", SDP: "a"})
		}()
		go func() {
			defer wg.Done()
			<-start
			_ = calls.SetStatus(ctx, rec.ID, call.StatusEnded)
		}()
		close(start)
		wg.Wait()

		got, err := calls.GetCall(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, call.StatusEnded, got.Status)

		require.Eventually(t, func() bool {
			seen := log.snapshot()
			return len(seen) > 0 && seen[len(seen)-1] == call.StatusEnded
		}, time.Second, time.Millisecond)
		requireMonotonic(t, log.snapshot())
		unsubscribe()
	}
}

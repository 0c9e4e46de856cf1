package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/user"
	medilink_errors "medilink-signal/pkg/errors"
)

const (
	waitFor = 2 * time.Second
	pollAt  = 5 * time.Millisecond
)

type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }
func (t *manualTicker) tick()               { t.ch <- time.Now() }

type tickers struct {
	mu  sync.Mutex
	all []*manualTicker
}

func (ts *tickers) New(time.Duration) Ticker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t := &manualTicker{ch: make(chan time.Time)}
	ts.all = append(ts.all, t)
	return t
}

func (ts *tickers) last() *manualTicker {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.all[len(ts.all)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore counts writes and can be told to fail them.
type countingStore struct {
	docstore.Store
	updates atomic.Int32
	fail    atomic.Bool
}

func (s *countingStore) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	s.updates.Add(1)
	if s.fail.Load() {
		return errors.New("write refused")
	}
	return s.Store.Update(ctx, collection, id, fields)
}

type fixture struct {
	store   *countingStore
	tokens  *MemoryTokenStore
	tickers *tickers
	clock   *clock
	reg     *Registry
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:   &countingStore{Store: docstore.NewMemoryStore()},
		tokens:  NewMemoryTokenStore(),
		tickers: &tickers{},
		clock:   &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
	}
	base := []Option{
		WithTokenStore(f.tokens),
		WithTicker(f.tickers.New),
		WithNow(f.clock.Now),
		WithIPResolver(StaticIP("203.0.113.7")),
		WithClassifier(ClassifierFunc(func(string) Device {
			return Device{Browser: "Chrome", OS: "Windows"}
		})),
	}
	f.reg = NewRegistry(f.store, append(base, opts...)...)
	t.Cleanup(f.reg.Close)
	return f
}

func (f *fixture) sessions(t *testing.T) []docstore.Snapshot {
	t.Helper()
	docs, err := f.store.Query(context.Background(), Collection, docstore.Query{})
	require.NoError(t, err)
	return docs
}

func (f *fixture) seed(t *testing.T, s user.Session) string {
	t.Helper()
	fields, err := docstore.Encode(s)
	require.NoError(t, err)
	delete(fields, "id")
	id, err := f.store.Add(context.Background(), Collection, fields)
	require.NoError(t, err)
	return id
}

func TestCreateOrRefreshKeepsOneSessionPerTriple(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)
	require.Equal(t, "Chrome on Windows", first.DeviceName)
	require.Equal(t, user.DeviceDesktop, first.DeviceType)
	require.NotEmpty(t, first.SessionToken)

	f.clock.Advance(time.Hour)
	second, _, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, first.SessionToken, second.SessionToken)

	docs := f.sessions(t)
	require.Len(t, docs, 1)
	var stored user.Session
	require.NoError(t, docs[0].Decode(&stored))
	require.True(t, stored.LastActive.Equal(f.clock.Now()))
	require.True(t, stored.CreatedAt.Equal(first.CreatedAt))
}

func TestCreateOrRefreshNewTripleInserts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)

	other := NewRegistry(f.store, WithTokenStore(f.tokens), WithTicker(f.tickers.New), WithIPResolver(StaticIP("198.51.100.2")))
	defer other.Close()
	_, _, err = other.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)
	require.Len(t, f.sessions(t), 2)
}

func TestCreateOrRefreshReplacesHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, first, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)
	_, second, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)

	<-first.Done()
	require.Same(t, second, f.reg.Current())
}

func TestCreateOrRefreshWithoutReachableIPLookup(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	garbage := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>rate limited</html>"))
	}))
	defer garbage.Close()
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	lookup := NewHTTPLookup([]string{failing.URL, garbage.URL, closedURL}, time.Second, nil)
	f := newFixture(t, WithIPResolver(lookup))

	s, _, err := f.reg.CreateOrRefresh(context.Background(), "pt-1", "pt@example.com")
	require.NoError(t, err)
	require.Equal(t, user.UnknownIP, s.IPAddress)
}

func TestCreateOrRefreshRequiresUser(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.reg.CreateOrRefresh(context.Background(), "", "x@example.com")
	require.ErrorIs(t, err, medilink_errors.ErrInvalidInput)
}

func TestHeartbeatRefreshesLastActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, hb, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	f.tickers.last().tick()
	require.Eventually(t, func() bool {
		snap, err := f.store.Get(ctx, Collection, s.ID)
		if err != nil {
			return false
		}
		var got user.Session
		return snap.Decode(&got) == nil && got.LastActive.Equal(f.clock.Now())
	}, waitFor, pollAt)

	before := f.store.updates.Load()
	f.reg.Visible()
	require.Eventually(t, func() bool { return f.store.updates.Load() == before+1 }, waitFor, pollAt)

	hb.Stop()
	hb.Stop()
	require.True(t, f.tickers.last().stopped.Load())
}

func TestHeartbeatStopsWhenSessionVanishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, hb, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)
	writes := f.store.updates.Load()

	require.NoError(t, f.store.Delete(ctx, Collection, s.ID))
	f.tickers.last().tick()

	select {
	case <-hb.Done():
	case <-time.After(waitFor):
		t.Fatal("heartbeat did not stop after its session was deleted")
	}
	require.Equal(t, writes, f.store.updates.Load())
	require.True(t, f.tickers.last().stopped.Load())
	require.Empty(t, f.sessions(t))

	// a stopped heartbeat ignores visibility
	hb.Visible()
	f.reg.Visible()
	require.Equal(t, writes, f.store.updates.Load())
}

func TestHeartbeatStopsOnWriteError(t *testing.T) {
	f := newFixture(t)
	_, hb, err := f.reg.CreateOrRefresh(context.Background(), "pt-1", "pt@example.com")
	require.NoError(t, err)

	f.store.fail.Store(true)
	f.tickers.last().tick()
	select {
	case <-hb.Done():
	case <-time.After(waitFor):
		t.Fatal("heartbeat kept running after a failed write")
	}
}

func TestListMarksCurrentAndOrdersByLastActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.clock.Now()
	require.NoError(t, f.tokens.Save("mine"))

	f.seed(t, user.Session{UserID: "pt-1", DeviceName: "Safari on iOS", IPAddress: user.FetchingIP, SessionToken: "phone", LastActive: base.Add(-2 * time.Hour)})
	mine := f.seed(t, user.Session{UserID: "pt-1", DeviceName: "Chrome on Windows", IPAddress: "203.0.113.7", SessionToken: "mine", LastActive: base.Add(-time.Hour)})
	f.seed(t, user.Session{UserID: "pt-1", DeviceName: "Firefox on Linux", IPAddress: "198.51.100.2", SessionToken: "laptop", LastActive: base})
	f.seed(t, user.Session{UserID: "dr-9", DeviceName: "Edge on Windows", SessionToken: "mine", LastActive: base})

	views, err := f.reg.List(ctx, "pt-1")
	require.NoError(t, err)
	require.Len(t, views, 3)
	require.Equal(t, "Firefox on Linux", views[0].DeviceName)
	require.Equal(t, mine, views[1].ID)
	require.Equal(t, "Safari on iOS", views[2].DeviceName)

	current := 0
	for _, v := range views {
		if v.IsCurrentSession {
			current++
			require.Equal(t, mine, v.ID)
		}
	}
	require.Equal(t, 1, current)
	require.Equal(t, user.UnknownIP, views[2].IPAddress)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.reg.Revoke(ctx, "pt-1", "missing")
	require.ErrorIs(t, err, medilink_errors.ErrSessionNotFound)
	require.Equal(t, "session-not-found", medilink_errors.Code(err))

	id := f.seed(t, user.Session{UserID: "pt-1", SessionToken: "x"})
	err = f.reg.Revoke(ctx, "pt-2", id)
	require.ErrorIs(t, err, medilink_errors.ErrUnauthorized)
	require.Len(t, f.sessions(t), 1)

	require.NoError(t, f.reg.Revoke(ctx, "pt-1", id))
	require.Empty(t, f.sessions(t))
}

func TestRevokeAllOthersKeepsCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.RevokeAllOthers(ctx, "pt-1")
	require.ErrorIs(t, err, medilink_errors.ErrNoCurrentSession)

	require.NoError(t, f.tokens.Save("mine"))
	mine := f.seed(t, user.Session{UserID: "pt-1", SessionToken: "mine"})
	for _, tok := range []string{"a", "b", "c"} {
		f.seed(t, user.Session{UserID: "pt-1", SessionToken: tok})
	}
	stranger := f.seed(t, user.Session{UserID: "dr-9", SessionToken: "z"})

	n, err := f.reg.RevokeAllOthers(ctx, "pt-1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	ids := map[string]bool{}
	for _, doc := range f.sessions(t) {
		ids[doc.ID] = true
	}
	require.Equal(t, map[string]bool{mine: true, stranger: true}, ids)
}

func TestLogoutStopsHeartbeatAndForgetsToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, hb, err := f.reg.CreateOrRefresh(ctx, "pt-1", "pt@example.com")
	require.NoError(t, err)

	require.NoError(t, f.reg.Logout(ctx))
	<-hb.Done()
	require.Nil(t, f.reg.Current())
	require.Empty(t, f.sessions(t))

	token, err := f.tokens.Load()
	require.NoError(t, err)
	require.Empty(t, token)
}

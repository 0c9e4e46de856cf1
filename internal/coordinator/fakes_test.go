package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/media"
)

type fakeTrack struct {
	id      string
	kind    media.Kind
	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newFakeTrack(id string, kind media.Kind) *fakeTrack {
	return &fakeTrack{id: id, kind: kind, enabled: true}
}

func (t *fakeTrack) ID() string       { return t.id }
func (t *fakeTrack) Kind() media.Kind { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
}

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *fakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeSource struct {
	err      error
	acquired atomic.Int32
}

func (s *fakeSource) Acquire(_ context.Context, c media.Constraints) (*media.Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.acquired.Add(1)
	stream := &media.Stream{}
	if c.Audio {
		stream.Tracks = append(stream.Tracks, newFakeTrack("mic", media.KindAudio))
	}
	if c.Video {
		stream.Tracks = append(stream.Tracks, newFakeTrack("cam", media.KindVideo))
	}
	return stream, nil
}

type fakeRemoteTrack struct{ kind media.Kind }

func (t fakeRemoteTrack) ID() string       { return "remote-" + string(t.kind) }
func (t fakeRemoteTrack) Kind() media.Kind { return t.kind }

type fakePC struct {
	name string

	mu         sync.Mutex
	tracks     []media.Track
	local      *media.SessionDescription
	remote     *media.SessionDescription
	candidates []media.ICECandidate
	closes     int
	stats      []media.Stats
	statsErr   error

	onTrack     func(media.RemoteTrack)
	onCandidate func(media.ICECandidate)
	onState     func(media.ConnectionState)
}

func (p *fakePC) AddTrack(t media.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *fakePC) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = fn
}

func (p *fakePC) OnICECandidate(fn func(media.ICECandidate)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePC) OnConnectionStateChange(fn func(media.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePC) CreateOffer(context.Context) (media.SessionDescription, error) {
	sd := media.SessionDescription{Type: media.SDPOffer, SDP: "v=0 offer " + p.name}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &sd
	return sd, nil
}

func (p *fakePC) CreateAnswer(context.Context) (media.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return media.SessionDescription{}, errors.New("no remote offer")
	}
	sd := media.SessionDescription{Type: media.SDPAnswer, SDP: "v=0 answer " + p.name}
	p.local = &sd
	return sd, nil
}

func (p *fakePC) SetRemoteDescription(sd media.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &sd
	return nil
}

func (p *fakePC) AddICECandidate(c media.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return errors.New("candidate before remote description")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

func (p *fakePC) GetStats(context.Context) (media.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statsErr != nil {
		return media.Stats{}, p.statsErr
	}
	if len(p.stats) == 0 {
		return media.Stats{}, nil
	}
	st := p.stats[0]
	if len(p.stats) > 1 {
		p.stats = p.stats[1:]
	}
	return st, nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *fakePC) emitCandidate(candidate string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	mid := "0"
	fn(media.ICECandidate{Candidate: candidate, SDPMid: &mid})
}

func (p *fakePC) emitState(s media.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	fn(s)
}

func (p *fakePC) emitTrack(kind media.Kind) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	fn(fakeRemoteTrack{kind: kind})
}

func (p *fakePC) setStats(stats ...media.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = stats
}

func (p *fakePC) setStatsErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statsErr = err
}

func (p *fakePC) remoteSDP() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return ""
	}
	return p.remote.SDP
}

func (p *fakePC) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.candidates))
	for _, c := range p.candidates {
		out = append(out, c.Candidate)
	}
	return out
}

func (p *fakePC) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

type fakeFactory struct {
	name string
	mu   sync.Mutex
	pcs  []*fakePC
}

func (f *fakeFactory) NewPeerConnection([]media.ICEServer) (media.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{name: f.name}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) last() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

type manualTicker struct {
	d       time.Duration
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.stopped.Store(true) }

// manualClock hands out tickers that only fire when told to.
type manualClock struct {
	mu      sync.Mutex
	tickers []*manualTicker
}

func (m *manualClock) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{d: d, ch: make(chan time.Time)}
	m.tickers = append(m.tickers, t)
	return t
}

func (m *manualClock) ticker(d time.Duration) *manualTicker {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickers {
		if t.d == d {
			return t
		}
	}
	return nil
}

func (m *manualClock) allStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickers {
		if !t.stopped.Load() {
			return false
		}
	}
	return true
}

// tick blocks until the timer goroutine has received the tick.
func (t *manualTicker) tick() {
	t.ch <- time.Now()
}

// flakyStore fails writes to existing documents while failing is set.
type flakyStore struct {
	docstore.Store
	failing atomic.Bool
}

func (s *flakyStore) Update(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if s.failing.Load() {
		return errors.New("store unavailable")
	}
	return s.Store.Update(ctx, collection, id, fields)
}

func (s *flakyStore) UpdateFunc(ctx context.Context, collection, id string, fn docstore.Mutator) error {
	if s.failing.Load() {
		return errors.New("store unavailable")
	}
	return s.Store.UpdateFunc(ctx, collection, id, fn)
}

type recordingArchiver struct {
	mu        sync.Mutex
	summaries []Summary
}

func (a *recordingArchiver) ArchiveCall(_ context.Context, s Summary) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, s)
	return nil
}

func (a *recordingArchiver) all() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Summary(nil), a.summaries...)
}

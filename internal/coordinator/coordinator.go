// Package coordinator drives one participant's side of a call: local media,
// offer/answer exchange over the CallRecord, ICE trickling, quality sampling
// and teardown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/call"
	"medilink-signal/internal/media"
	"medilink-signal/internal/signaling"
	medilink_errors "medilink-signal/pkg/errors"
	"medilink-signal/pkg/metrics"
)

type Config struct {
	CallID     string
	UserID     string
	Role       Role
	Type       call.Type
	Calls      *signaling.Calls
	Source     media.Source
	Factory    media.Factory
	ICEServers []media.ICEServer
	Policy     QualityPolicy
	NewTicker  TickerFunc
	Now        func() time.Time
	Archiver   Archiver
	Logger     *zap.Logger
	// OnClosed runs once, after teardown released everything.
	OnClosed func(*Coordinator)
}

type Coordinator struct {
	cfg    Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	reason       error
	quality      Quality
	duration     int
	muted        bool
	videoOff     bool
	remoteTracks int
	samples      map[Quality]int

	stream    *media.Stream
	pc        media.PeerConnection
	peerID    string
	ice       *iceBuffer
	remoteSet bool
	answered  bool
	closing   bool
	closed    bool
	subs      []docstore.Unsubscribe
	timers    int
	stop      chan struct{}

	observers map[int]func(Status)
	nextObs   int
}

func New(cfg Config) *Coordinator {
	if cfg.Policy == (QualityPolicy{}) {
		cfg.Policy = DefaultQualityPolicy()
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = NewRealTicker
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if !cfg.Type.Valid() {
		cfg.Type = call.TypeVideo
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:       cfg,
		log:       cfg.Logger.With(zap.String("call_id", cfg.CallID), zap.String("role", string(cfg.Role))),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		quality:   QualityUnknown,
		samples:   make(map[Quality]int),
		stop:      make(chan struct{}),
		observers: make(map[int]func(Status)),
	}
}

func (c *Coordinator) CallID() string { return c.cfg.CallID }

// UserID is the local participant this coordinator runs for.
func (c *Coordinator) UserID() string { return c.cfg.UserID }

// Start acquires media and begins negotiation. It returns once the offer (or
// the wait for one) is in place; the connection completes asynchronously.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.cfg.Role.Valid() {
		return fmt.Errorf("start call %s: unknown role %q: %w", c.cfg.CallID, c.cfg.Role, medilink_errors.ErrInvalidInput)
	}

	c.mu.Lock()
	if c.state != StateIdle || c.closed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("start call %s in state %s: %w", c.cfg.CallID, state, medilink_errors.ErrInvalidTransition)
	}
	c.setStateLocked(StateRequestingMedia)
	c.mu.Unlock()
	c.notify()

	stream, err := c.cfg.Source.Acquire(ctx, media.Constraints{Audio: true, Video: c.cfg.Type == call.TypeVideo})
	if err != nil {
		err = fmt.Errorf("%w: %v", medilink_errors.ErrMediaAccessDenied, err)
		c.fail(err)
		return err
	}
	if !c.attachStream(stream) {
		stream.Stop()
		return nil
	}
	c.notify()

	rec, err := c.cfg.Calls.GetCall(ctx, c.cfg.CallID)
	if err != nil {
		c.fail(err)
		return err
	}
	if rec.Status == call.StatusEnded {
		c.teardown(StateEnded, nil)
		return fmt.Errorf("call %s already ended: %w", c.cfg.CallID, medilink_errors.ErrInvalidTransition)
	}
	peerID := rec.Peer(c.cfg.UserID)
	if peerID == "" {
		err := fmt.Errorf("user %s is not on call %s: %w", c.cfg.UserID, c.cfg.CallID, medilink_errors.ErrInvalidInput)
		c.fail(err)
		return err
	}

	pc, err := c.cfg.Factory.NewPeerConnection(c.cfg.ICEServers)
	if err != nil {
		err = fmt.Errorf("create peer connection: %w", err)
		c.fail(err)
		return err
	}
	if !c.attachPeer(pc, peerID) {
		_ = pc.Close()
		return nil
	}

	pc.OnICECandidate(c.onLocalCandidate)
	pc.OnConnectionStateChange(c.onTransportState)
	pc.OnTrack(c.onRemoteTrack)
	for _, track := range stream.Tracks {
		if err := pc.AddTrack(track); err != nil {
			err = fmt.Errorf("add %s track: %w", track.Kind(), err)
			c.fail(err)
			return err
		}
	}

	unsubCandidates, err := c.cfg.Calls.WatchCandidates(ctx, c.cfg.CallID, c.cfg.UserID, c.onRemoteCandidate)
	if err != nil {
		err = fmt.Errorf("watch candidates: %w", err)
		c.fail(err)
		return err
	}
	c.addSubscription(unsubCandidates)

	if c.cfg.Role == RoleCaller {
		offer, err := pc.CreateOffer(ctx)
		if err != nil {
			c.fail(err)
			return err
		}
		if err := c.cfg.Calls.WriteOffer(ctx, c.cfg.CallID, toRecordSDP(offer)); err != nil {
			c.fail(err)
			return err
		}
		c.log.Debug("offer posted")
	}

	unsubRecord, err := c.cfg.Calls.WatchCall(ctx, c.cfg.CallID, c.onRecord)
	if err != nil {
		err = fmt.Errorf("watch call: %w", err)
		c.fail(err)
		return err
	}
	c.addSubscription(unsubRecord)
	return nil
}

func (c *Coordinator) attachStream(stream *media.Stream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.stream = stream
	c.setStateLocked(StateNegotiating)
	return true
}

func (c *Coordinator) attachPeer(pc media.PeerConnection, peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.pc = pc
	c.peerID = peerID
	c.ice = newICEBuffer(pc.AddICECandidate)
	return true
}

// addSubscription keeps unsub for teardown, or runs it at once when teardown
// already happened.
func (c *Coordinator) addSubscription(unsub docstore.Unsubscribe) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		unsub()
		return
	}
	c.subs = append(c.subs, unsub)
	c.mu.Unlock()
}

func (c *Coordinator) onRecord(rec call.Record, exists bool) {
	if !exists {
		c.log.Info("call record removed, ending")
		c.teardown(StateEnded, nil)
		return
	}
	if rec.Status == call.StatusEnded {
		c.log.Info("remote ended the call")
		c.teardown(StateEnded, nil)
		return
	}

	switch c.cfg.Role {
	case RoleCaller:
		if rec.Answer != nil {
			c.applyRemote(fromRecordSDP(*rec.Answer, media.SDPAnswer))
		}
	case RoleCallee:
		if rec.Offer != nil {
			c.answer(*rec.Offer)
		}
	}
}

func (c *Coordinator) applyRemote(sd media.SessionDescription) bool {
	c.mu.Lock()
	if c.remoteSet || c.closed {
		c.mu.Unlock()
		return false
	}
	c.remoteSet = true
	pc, ice := c.pc, c.ice
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(sd); err != nil {
		c.fail(fmt.Errorf("apply remote %s: %w", sd.Type, err))
		return false
	}
	if err := ice.Ready(); err != nil {
		c.log.Debug("buffered candidates rejected", zap.Error(err))
	}
	return true
}

func (c *Coordinator) answer(offer call.SessionDescription) {
	c.mu.Lock()
	if c.answered || c.closed {
		c.mu.Unlock()
		return
	}
	c.answered = true
	pc := c.pc
	c.mu.Unlock()

	if !c.applyRemote(fromRecordSDP(offer, media.SDPOffer)) {
		return
	}
	answer, err := pc.CreateAnswer(c.ctx)
	if err != nil {
		c.fail(err)
		return
	}
	if err := c.cfg.Calls.WriteAnswer(c.ctx, c.cfg.CallID, toRecordSDP(answer)); err != nil {
		c.fail(fmt.Errorf("write answer: %w", err))
		return
	}
	c.log.Debug("answer posted")
}

func (c *Coordinator) onLocalCandidate(cand media.ICECandidate) {
	c.mu.Lock()
	if c.closing || c.closed {
		c.mu.Unlock()
		return
	}
	peerID := c.peerID
	c.mu.Unlock()

	err := c.cfg.Calls.PostCandidate(c.ctx, call.CandidateRecord{
		CallID:     c.cfg.CallID,
		FromUserID: c.cfg.UserID,
		ToUserID:   peerID,
		Candidate: call.Candidate{
			Candidate:     cand.Candidate,
			SDPMid:        cand.SDPMid,
			SDPMLineIndex: cand.SDPMLineIndex,
		},
		CreatedAt: c.cfg.Now(),
	})
	if err != nil && c.ctx.Err() == nil {
		c.log.Warn("post candidate failed", zap.Error(err))
	}
}

func (c *Coordinator) onRemoteCandidate(rec call.CandidateRecord) {
	c.mu.Lock()
	ice, closed := c.ice, c.closed
	c.mu.Unlock()
	if closed || ice == nil {
		return
	}
	err := ice.Add(media.ICECandidate{
		Candidate:     rec.Candidate.Candidate,
		SDPMid:        rec.Candidate.SDPMid,
		SDPMLineIndex: rec.Candidate.SDPMLineIndex,
	})
	if err != nil {
		c.log.Debug("remote candidate rejected", zap.String("candidate_id", rec.ID), zap.Error(err))
	}
}

func (c *Coordinator) onRemoteTrack(t media.RemoteTrack) {
	c.mu.Lock()
	c.remoteTracks++
	c.mu.Unlock()
	c.log.Debug("remote track", zap.String("kind", string(t.Kind())))
	c.notify()
}

func (c *Coordinator) onTransportState(s media.ConnectionState) {
	switch s {
	case media.StateConnected:
		c.mu.Lock()
		if c.state != StateNegotiating || c.closed {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnected)
		c.duration = 0
		c.startTimersLocked()
		c.mu.Unlock()
		c.log.Info("call connected")
		c.notify()
	case media.StateFailed, media.StateDisconnected:
		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == StateNegotiating || state == StateConnected {
			c.fail(fmt.Errorf("%w: transport %s", medilink_errors.ErrConnectionLost, s))
		}
	}
}

func (c *Coordinator) startTimersLocked() {
	duration := c.cfg.NewTicker(time.Second)
	sampling := c.cfg.NewTicker(SampleInterval(c.cfg.Type))
	sampler := newQualitySampler(c.pc.GetStats, c.cfg.Policy)
	c.timers = 2
	go c.runTimer(duration, c.tickDuration)
	go c.runTimer(sampling, func() { c.tickQuality(sampler) })
}

func (c *Coordinator) runTimer(t Ticker, tick func()) {
	defer func() {
		t.Stop()
		c.mu.Lock()
		c.timers--
		c.mu.Unlock()
	}()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C():
			select {
			case <-c.stop:
				return
			default:
			}
			tick()
		}
	}
}

func (c *Coordinator) tickDuration() {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.duration++
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) tickQuality(s *qualitySampler) {
	q := s.Sample(c.ctx)
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.quality = q
	c.samples[q]++
	c.mu.Unlock()
	metrics.QualitySamples.WithLabelValues(string(q)).Inc()
	c.notify()
}

// EndCall writes status=ended and tears down. Local cleanup always runs; if
// the write failed the error wraps ErrEndCallFailed.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	writeErr := c.cfg.Calls.SetStatus(ctx, c.cfg.CallID, call.StatusEnded)
	if errors.Is(writeErr, medilink_errors.ErrInvalidTransition) {
		writeErr = nil
	}
	if err := c.teardown(StateEnded, nil); err != nil {
		c.log.Warn("teardown reported errors", zap.Error(err))
	}
	if writeErr != nil {
		c.log.Warn("end call write failed", zap.Error(writeErr))
		return fmt.Errorf("%w: %w", medilink_errors.ErrEndCallFailed, writeErr)
	}
	return nil
}

func (c *Coordinator) fail(err error) {
	c.log.Warn("call failed", zap.Error(err))
	metrics.CallFailures.WithLabelValues(medilink_errors.Code(err)).Inc()
	if tdErr := c.teardown(StateFailed, err); tdErr != nil {
		c.log.Warn("teardown reported errors", zap.Error(tdErr))
	}
}

// teardown releases every local resource exactly once. A state that is
// already terminal is kept.
func (c *Coordinator) teardown(final State, reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closing = true
	if !c.state.Terminal() {
		c.setStateLocked(final)
		c.reason = reason
	}
	subs := c.subs
	c.subs = nil
	stream, pc := c.stream, c.pc
	close(c.stop)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
	stream.Stop()

	var errs error
	if pc != nil {
		errs = multierr.Append(errs, pc.Close())
	}
	c.cancel()

	c.notify()
	if c.cfg.OnClosed != nil {
		c.cfg.OnClosed(c)
	}
	c.archive()
	return errs
}

func (c *Coordinator) archive() {
	if c.cfg.Archiver == nil {
		return
	}
	summary := c.summary()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if rec, err := c.cfg.Calls.GetCall(ctx, c.cfg.CallID); err == nil {
			summary.Messages = rec.Messages
		}
		if err := c.cfg.Archiver.ArchiveCall(ctx, summary); err != nil {
			c.log.Warn("archive call summary failed", zap.Error(err))
		}
	}()
}

func (c *Coordinator) summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	samples := make(map[Quality]int, len(c.samples))
	for q, n := range c.samples {
		samples[q] = n
	}
	return Summary{
		CallID:         c.cfg.CallID,
		UserID:         c.cfg.UserID,
		Role:           c.cfg.Role,
		Type:           c.cfg.Type,
		FinalState:     c.state,
		Reason:         medilink_errors.Code(c.reason),
		DurationSec:    c.duration,
		QualitySamples: samples,
		EndedAt:        c.cfg.Now(),
	}
}

// ToggleMute flips the local audio tracks and reports whether audio is now
// muted. Without a local stream it changes nothing.
func (c *Coordinator) ToggleMute() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracks := c.stream.AudioTracks()
	if len(tracks) == 0 {
		return c.muted
	}
	enable := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enable)
	}
	c.muted = !enable
	go c.notify()
	return c.muted
}

// ToggleVideo flips the local video tracks and reports whether video is now
// off.
func (c *Coordinator) ToggleVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	tracks := c.stream.VideoTracks()
	if len(tracks) == 0 {
		return c.videoOff
	}
	enable := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(enable)
	}
	c.videoOff = !enable
	go c.notify()
	return c.videoOff
}

// SendChatMessage appends to the record's messages. Concurrent senders may
// overwrite each other's append.
func (c *Coordinator) SendChatMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("chat message is empty: %w", medilink_errors.ErrInvalidInput)
	}
	return c.cfg.Calls.AppendMessage(ctx, c.cfg.CallID, call.ChatMessage{
		SenderID:  c.cfg.UserID,
		Text:      text,
		Timestamp: c.cfg.Now(),
	})
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) Quality() Quality {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quality
}

// Err returns the failure reason once the call is FAILED.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Coordinator) statusLocked() Status {
	return Status{
		CallID:       c.cfg.CallID,
		State:        c.state,
		Reason:       medilink_errors.Code(c.reason),
		Quality:      c.quality,
		DurationSec:  c.duration,
		Muted:        c.muted,
		VideoOff:     c.videoOff,
		RemoteTracks: c.remoteTracks,
	}
}

// Observe registers fn for status changes and calls it once with the current
// status. Observers run on the goroutine that caused the change and must not
// block.
func (c *Coordinator) Observe(fn func(Status)) func() {
	c.mu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	current := c.statusLocked()
	c.mu.Unlock()
	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	status := c.statusLocked()
	observers := make([]func(Status), 0, len(c.observers))
	for _, fn := range c.observers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(status)
	}
}

func (c *Coordinator) setStateLocked(s State) {
	c.state = s
	metrics.CallTransitions.WithLabelValues(string(s)).Inc()
}

// activeTimers and liveTracks expose resource counts to tests.
func (c *Coordinator) activeTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timers
}

func (c *Coordinator) liveTracks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream.Live()
}

func toRecordSDP(sd media.SessionDescription) call.SessionDescription {
	return call.SessionDescription{Type: string(sd.Type), SDP: sd.SDP}
}

func fromRecordSDP(sd call.SessionDescription, fallback media.SDPType) media.SessionDescription {
	t := media.SDPType(sd.Type)
	if t == "" {
		t = fallback
	}
	return media.SessionDescription{Type: t, SDP: sd.SDP}
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
	"medilink-signal/pkg/metrics"
)

const beatTimeout = 10 * time.Second

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

// Heartbeat keeps one session's lastActive fresh. It stops by itself when the
// session document is gone or a write fails; the owner stops it on logout.
type Heartbeat struct {
	store     docstore.Store
	sessionID string
	now       func() time.Time
	log       *zap.Logger

	ticker  Ticker
	visible chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	ctx     context.Context
	cancel  context.CancelFunc
}

func startHeartbeat(store docstore.Store, sessionID string, period time.Duration, newTicker TickerFunc, now func() time.Time, log *zap.Logger) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Heartbeat{
		store:     store,
		sessionID: sessionID,
		now:       now,
		log:       log.With(zap.String("session_id", sessionID)),
		ticker:    newTicker(period),
		visible:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	go h.run()
	return h
}

func (h *Heartbeat) SessionID() string { return h.sessionID }

// Visible records that the client came back to the foreground; it triggers
// an immediate beat.
func (h *Heartbeat) Visible() {
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.visible <- struct{}{}:
	default:
	}
}

// Stop ends the heartbeat and waits for an in-flight beat. Safe to call more
// than once and after the heartbeat stopped itself.
func (h *Heartbeat) Stop() {
	h.once.Do(func() {
		close(h.stop)
		h.cancel()
	})
	<-h.done
}

// Done is closed once the heartbeat issues no more writes.
func (h *Heartbeat) Done() <-chan struct{} { return h.done }

func (h *Heartbeat) run() {
	defer close(h.done)
	defer h.ticker.Stop()
	defer h.cancel()

	for {
		select {
		case <-h.stop:
			return
		case <-h.ticker.C():
		case <-h.visible:
		}
		select {
		case <-h.stop:
			return
		default:
		}
		if !h.beat() {
			return
		}
	}
}

func (h *Heartbeat) beat() bool {
	ctx, cancel := context.WithTimeout(h.ctx, beatTimeout)
	defer cancel()

	if _, err := h.store.Get(ctx, Collection, h.sessionID); err != nil {
		return h.stopOn(err)
	}
	err := h.store.Update(ctx, Collection, h.sessionID, docstore.Fields{"lastActive": h.now()})
	if err != nil {
		return h.stopOn(err)
	}
	metrics.HeartbeatOutcomes.WithLabelValues("ok").Inc()
	return true
}

func (h *Heartbeat) stopOn(err error) bool {
	if errors.Is(err, docstore.ErrNotFound) {
		metrics.HeartbeatOutcomes.WithLabelValues("vanished").Inc()
		h.log.Info("session revoked elsewhere, heartbeat stopped")
		return false
	}
	metrics.HeartbeatOutcomes.WithLabelValues("error").Inc()
	h.log.Warn("heartbeat failed, stopping", zap.Error(err))
	return false
}

package coordinator

import (
	"time"
)

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Valid() bool {
	return r == RoleCaller || r == RoleCallee
}

// State of one participant's side of a call.
type State string

const (
	StateIdle            State = "idle"
	StateRequestingMedia State = "requesting_media"
	StateNegotiating     State = "negotiating"
	StateConnected       State = "connected"
	StateEnded           State = "ended"
	StateFailed          State = "failed"
)

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Status is the observable snapshot handed to the UI layer.
type Status struct {
	CallID       string  `json:"callId"`
	State        State   `json:"state"`
	Reason       string  `json:"reason,omitempty"`
	Quality      Quality `json:"quality"`
	DurationSec  int     `json:"durationSec"`
	Muted        bool    `json:"muted"`
	VideoOff     bool    `json:"videoOff"`
	RemoteTracks int     `json:"remoteTracks"`
}

// Ticker is the subset of time.Ticker the coordinator needs, so tests can
// drive timers by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

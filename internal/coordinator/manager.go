package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medilink-signal/internal/domain/call"
	"medilink-signal/internal/media"
	"medilink-signal/internal/signaling"
	medilink_errors "medilink-signal/pkg/errors"
	"medilink-signal/pkg/metrics"
)

// Deps are shared by every coordinator a Manager creates.
type Deps struct {
	Calls      *signaling.Calls
	Source     media.Source
	Factory    media.Factory
	ICEServers []media.ICEServer
	Policy     QualityPolicy
	NewTicker  TickerFunc
	Now        func() time.Time
	Archiver   Archiver
	Logger     *zap.Logger
}

// Manager keeps at most one coordinator per call id.
type Manager struct {
	deps Deps
	log  *zap.Logger

	mu    sync.Mutex
	calls map[string]*Coordinator
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{
		deps:  deps,
		log:   deps.Logger,
		calls: make(map[string]*Coordinator),
	}
}

// CreateCall writes a new ringing CallRecord for an outgoing call.
func (m *Manager) CreateCall(ctx context.Context, rec call.Record) (call.Record, error) {
	return m.deps.Calls.CreateCall(ctx, rec)
}

func (m *Manager) Record(ctx context.Context, callID string) (call.Record, error) {
	return m.deps.Calls.GetCall(ctx, callID)
}

// Start runs a coordinator for callID. A call already active on this agent
// yields ErrAlreadyExists.
func (m *Manager) Start(ctx context.Context, callID, userID string, role Role, typ call.Type) (*Coordinator, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q: %w", role, medilink_errors.ErrInvalidInput)
	}
	m.mu.Lock()
	if _, ok := m.calls[callID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("call %s already active: %w", callID, medilink_errors.ErrAlreadyExists)
	}
	c := New(Config{
		CallID:     callID,
		UserID:     userID,
		Role:       role,
		Type:       typ,
		Calls:      m.deps.Calls,
		Source:     m.deps.Source,
		Factory:    m.deps.Factory,
		ICEServers: m.deps.ICEServers,
		Policy:     m.deps.Policy,
		NewTicker:  m.deps.NewTicker,
		Now:        m.deps.Now,
		Archiver:   m.deps.Archiver,
		Logger:     m.log,
		OnClosed:   m.remove,
	})
	m.calls[callID] = c
	m.mu.Unlock()
	metrics.ActiveCalls.Inc()

	if err := c.Start(ctx); err != nil {
		m.remove(c)
		return c, err
	}
	m.log.Info("call started", zap.String("call_id", callID), zap.String("role", string(role)))
	return c, nil
}

func (m *Manager) Get(callID string) (*Coordinator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, fmt.Errorf("call %s is not active: %w", callID, medilink_errors.ErrCallNotFound)
	}
	return c, nil
}

// End ends callID. Calls without a local coordinator are ended on the record
// only, so a participant can decline a call it never started.
// End ends callID on behalf of userID, who must be a participant. Without a
// local coordinator only the record is moved to ended.
func (m *Manager) End(ctx context.Context, callID, userID string) error {
	m.mu.Lock()
	c, ok := m.calls[callID]
	m.mu.Unlock()
	if ok {
		if c.UserID() != userID {
			return fmt.Errorf("user is not on call %s: %w", callID, medilink_errors.ErrUnauthorized)
		}
		return c.EndCall(ctx)
	}

	rec, err := m.deps.Calls.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.Peer(userID) == "" {
		return fmt.Errorf("user is not on call %s: %w", callID, medilink_errors.ErrUnauthorized)
	}
	if err := m.deps.Calls.SetStatus(ctx, callID, call.StatusEnded); err != nil {
		if errors.Is(err, medilink_errors.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("%w: %w", medilink_errors.ErrEndCallFailed, err)
	}
	return nil
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Shutdown ends every active call.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	active := make([]*Coordinator, 0, len(m.calls))
	for _, c := range m.calls {
		active = append(active, c)
	}
	m.mu.Unlock()

	var errs error
	for _, c := range active {
		errs = multierr.Append(errs, c.EndCall(ctx))
	}
	return errs
}

func (m *Manager) remove(c *Coordinator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.calls[c.CallID()]; ok && cur == c {
		delete(m.calls, c.CallID())
		metrics.ActiveCalls.Dec()
	}
}

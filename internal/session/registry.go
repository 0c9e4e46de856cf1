// Package session keeps a revocable registry of a user's device sessions,
// each kept alive by a heartbeat.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
	"medilink-signal/internal/domain/user"
	medilink_errors "medilink-signal/pkg/errors"
	"medilink-signal/pkg/metrics"
)

const (
	Collection = "sessions"

	DefaultHeartbeatPeriod = 5 * time.Minute
)

type Registry struct {
	store      docstore.Store
	tokens     TokenStore
	classifier Classifier
	ip         IPResolver
	userAgent  string
	period     time.Duration
	newTicker  TickerFunc
	now        func() time.Time
	log        *zap.Logger

	mu        sync.Mutex
	heartbeat *Heartbeat
}

type Option func(*Registry)

func WithTokenStore(t TokenStore) Option {
	return func(r *Registry) {
		if t != nil {
			r.tokens = t
		}
	}
}

func WithClassifier(c Classifier) Option {
	return func(r *Registry) {
		if c != nil {
			r.classifier = c
		}
	}
}

func WithIPResolver(ip IPResolver) Option {
	return func(r *Registry) {
		if ip != nil {
			r.ip = ip
		}
	}
}

// WithUserAgent sets the user agent string this device is classified by.
func WithUserAgent(ua string) Option {
	return func(r *Registry) { r.userAgent = ua }
}

func WithHeartbeatPeriod(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.period = d
		}
	}
}

func WithTicker(fn TickerFunc) Option {
	return func(r *Registry) {
		if fn != nil {
			r.newTicker = fn
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func NewRegistry(store docstore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		tokens:     NewMemoryTokenStore(),
		classifier: UserAgentClassifier{},
		ip:         StaticIP(user.UnknownIP),
		period:     DefaultHeartbeatPeriod,
		newTicker:  NewRealTicker,
		now:        func() time.Time { return time.Now().UTC() },
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateOrRefresh registers this device for userID, reusing the record that
// already matches (user, device name, IP). Any previous heartbeat is stopped
// and a new one returned.
func (r *Registry) CreateOrRefresh(ctx context.Context, userID, userEmail string) (user.Session, *Heartbeat, error) {
	if userID == "" {
		return user.Session{}, nil, fmt.Errorf("user id is required: %w", medilink_errors.ErrInvalidInput)
	}

	token, err := r.tokens.Load()
	if err != nil {
		r.log.Warn("cached session token unreadable, issuing a new one", zap.Error(err))
		token = ""
	}
	if token == "" {
		if token, err = newToken(); err != nil {
			return user.Session{}, nil, fmt.Errorf("generate session token: %w", err)
		}
		if err := r.tokens.Save(token); err != nil {
			r.log.Warn("session token not persisted", zap.Error(err))
		}
	}

	device := r.classifier.Classify(r.userAgent)
	now := r.now()
	s := user.Session{
		UserID:       userID,
		UserEmail:    userEmail,
		DeviceName:   device.Name(),
		DeviceType:   device.Type(),
		Browser:      device.Browser,
		OS:           device.OS,
		IPAddress:    r.ip.PublicIP(ctx),
		SessionToken: token,
		CreatedAt:    now,
		LastActive:   now,
	}

	existing, err := r.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{
			docstore.Where("userId", s.UserID),
			docstore.Where("deviceName", s.DeviceName),
			docstore.Where("ipAddress", s.IPAddress),
		},
		Limit: 1,
	})
	if err != nil {
		return user.Session{}, nil, fmt.Errorf("find session: %w", err)
	}

	if len(existing) > 0 {
		var prev user.Session
		if err := existing[0].Decode(&prev); err != nil {
			return user.Session{}, nil, err
		}
		s.ID = existing[0].ID
		s.CreatedAt = prev.CreatedAt
		err = r.store.Update(ctx, Collection, s.ID, docstore.Fields{
			"lastActive":   s.LastActive,
			"sessionToken": s.SessionToken,
			"userEmail":    s.UserEmail,
		})
		if err != nil {
			return user.Session{}, nil, fmt.Errorf("refresh session %s: %w", s.ID, err)
		}
		r.log.Debug("session refreshed", zap.String("session_id", s.ID))
	} else {
		fields, err := docstore.Encode(s)
		if err != nil {
			return user.Session{}, nil, err
		}
		delete(fields, "id")
		if s.ID, err = r.store.Add(ctx, Collection, fields); err != nil {
			return user.Session{}, nil, fmt.Errorf("create session: %w", err)
		}
		r.log.Info("session created", zap.String("session_id", s.ID), zap.String("device", s.DeviceName))
	}

	hb := startHeartbeat(r.store, s.ID, r.period, r.newTicker, r.now, r.log)
	r.mu.Lock()
	prev := r.heartbeat
	r.heartbeat = hb
	r.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return s, hb, nil
}

// Current returns the heartbeat started by the last CreateOrRefresh, or nil.
func (r *Registry) Current() *Heartbeat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heartbeat
}

// Visible forwards a visibility-regained signal to the current heartbeat.
func (r *Registry) Visible() {
	if hb := r.Current(); hb != nil {
		hb.Visible()
	}
}

// List returns userID's sessions, most recently active first, with this
// device's session marked current.
func (r *Registry) List(ctx context.Context, userID string) ([]user.SessionView, error) {
	docs, err := r.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("userId", userID)},
		OrderBy: []docstore.OrderBy{{Field: "lastActive", Direction: docstore.Desc}},
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	token, err := r.tokens.Load()
	if err != nil {
		r.log.Warn("cached session token unreadable", zap.Error(err))
		token = ""
	}

	out := make([]user.SessionView, 0, len(docs))
	marked := false
	for _, doc := range docs {
		var s user.Session
		if err := doc.Decode(&s); err != nil {
			r.log.Warn("skipping undecodable session", zap.String("session_id", doc.ID), zap.Error(err))
			continue
		}
		s.ID = doc.ID
		if s.IPAddress == user.FetchingIP || s.IPAddress == "" {
			s.IPAddress = user.UnknownIP
		}
		current := !marked && token != "" && s.SessionToken == token
		marked = marked || current
		out = append(out, user.SessionView{Session: s, IsCurrentSession: current})
	}
	return out, nil
}

// Revoke deletes one of userID's sessions. Another user's session is refused
// with ErrUnauthorized.
func (r *Registry) Revoke(ctx context.Context, userID, sessionID string) error {
	snap, err := r.store.Get(ctx, Collection, sessionID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", medilink_errors.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return err
	}
	if owner, _ := snap.Fields["userId"].(string); owner != userID {
		return fmt.Errorf("session %s belongs to another user: %w", sessionID, medilink_errors.ErrUnauthorized)
	}
	if err := r.store.Delete(ctx, Collection, sessionID); err != nil {
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	metrics.SessionsRevoked.WithLabelValues("revoke").Inc()
	r.log.Info("session revoked", zap.String("session_id", sessionID))
	return nil
}

// RevokeAllOthers deletes every session of userID except this device's and
// reports how many were removed.
func (r *Registry) RevokeAllOthers(ctx context.Context, userID string) (int, error) {
	token, err := r.tokens.Load()
	if err != nil {
		return 0, fmt.Errorf("load session token: %w", err)
	}
	if token == "" {
		return 0, medilink_errors.ErrNoCurrentSession
	}

	docs, err := r.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{docstore.Where("userId", userID)},
	})
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	var errs error
	revoked := 0
	for _, doc := range docs {
		if doc.Fields["sessionToken"] == token {
			continue
		}
		if err := r.store.Delete(ctx, Collection, doc.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("revoke session %s: %w", doc.ID, err))
			continue
		}
		revoked++
	}
	metrics.SessionsRevoked.WithLabelValues("revoke_others").Add(float64(revoked))
	r.log.Info("other sessions revoked", zap.String("user_id", userID), zap.Int("count", revoked))
	return revoked, errs
}

// Logout stops the heartbeat, deletes this device's session and forgets the
// local token.
func (r *Registry) Logout(ctx context.Context) error {
	r.mu.Lock()
	hb := r.heartbeat
	r.heartbeat = nil
	r.mu.Unlock()

	var errs error
	if hb != nil {
		hb.Stop()
		err := r.store.Delete(ctx, Collection, hb.SessionID())
		if err == nil {
			metrics.SessionsRevoked.WithLabelValues("logout").Inc()
		}
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, r.tokens.Clear())
}

// Close stops the heartbeat without touching the stored session.
func (r *Registry) Close() {
	r.mu.Lock()
	hb := r.heartbeat
	r.heartbeat = nil
	r.mu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}

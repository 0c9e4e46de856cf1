package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"medilink-signal/internal/docstore"
	"medilink-signal/pkg/metrics"
)

const defaultSweepSpec = "@hourly"

// Sweeper deletes sessions whose lastActive is older than maxAge. A zero
// maxAge disables it, leaving stale sessions until they are revoked.
type Sweeper struct {
	store    docstore.Store
	maxAge   time.Duration
	schedule string
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger
}

type SweeperOption func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

func WithSweepSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

func NewSweeper(store docstore.Store, maxAge time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		maxAge:   maxAge,
		schedule: defaultSweepSpec,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

func (s *Sweeper) Enabled() bool { return s.maxAge > 0 }

// Start schedules the sweep. It is a no-op when the sweeper is disabled.
func (s *Sweeper) Start() error {
	if !s.Enabled() {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.log.Warn("session sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule session sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler; the returned context is done once a running
// sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce deletes every stale session and reports how many went.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if !s.Enabled() {
		return 0, nil
	}
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.store.Query(ctx, Collection, docstore.Query{
		Filters: []docstore.Filter{{Field: "lastActive", Op: docstore.OpLess, Value: cutoff}},
	})
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}

	var errs error
	removed := 0
	for _, doc := range stale {
		if err := s.store.Delete(ctx, Collection, doc.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		metrics.SessionsRevoked.WithLabelValues("sweep").Add(float64(removed))
		s.log.Info("stale sessions swept", zap.Int("count", removed), zap.Time("cutoff", cutoff))
	}
	return removed, errs
}

package coordinator

import (
	"context"
	"time"

	"medilink-signal/internal/domain/call"
	"medilink-signal/internal/media"
)

type Quality string

const (
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
	QualityUnknown Quality = "unknown"
)

// QualityPolicy classifies packets lost during one sampling interval.
type QualityPolicy struct {
	GoodBelow int64
	FairBelow int64
}

func DefaultQualityPolicy() QualityPolicy {
	return QualityPolicy{GoodBelow: 5, FairBelow: 10}
}

func (p QualityPolicy) Classify(lost int64) Quality {
	switch {
	case lost < p.GoodBelow:
		return QualityGood
	case lost < p.FairBelow:
		return QualityFair
	default:
		return QualityPoor
	}
}

// SampleInterval is how often quality is sampled while connected.
func SampleInterval(t call.Type) time.Duration {
	if t == call.TypeVoice {
		return 2 * time.Second
	}
	return 5 * time.Second
}

const statsTimeout = time.Second

// qualitySampler turns cumulative transport counters into per-interval loss.
type qualitySampler struct {
	stats    func(ctx context.Context) (media.Stats, error)
	policy   QualityPolicy
	prevLost int64
}

func newQualitySampler(stats func(context.Context) (media.Stats, error), policy QualityPolicy) *qualitySampler {
	return &qualitySampler{stats: stats, policy: policy}
}

func (s *qualitySampler) Sample(ctx context.Context) Quality {
	ctx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()

	st, err := s.stats(ctx)
	if err != nil {
		return QualityUnknown
	}
	lost := st.PacketsLost - s.prevLost
	if lost < 0 {
		lost = 0
	}
	s.prevLost = st.PacketsLost
	return s.policy.Classify(lost)
}

package coordinator

import (
	"sync"

	"go.uber.org/multierr"

	"medilink-signal/internal/media"
)

// iceBuffer holds remote candidates until a remote description is applied;
// afterwards candidates go straight to the transport.
type iceBuffer struct {
	mu      sync.Mutex
	ready   bool
	pending []media.ICECandidate
	apply   func(media.ICECandidate) error
}

func newICEBuffer(apply func(media.ICECandidate) error) *iceBuffer {
	return &iceBuffer{apply: apply}
}

func (b *iceBuffer) Add(c media.ICECandidate) error {
	b.mu.Lock()
	if !b.ready {
		b.pending = append(b.pending, c)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()
	return b.apply(c)
}

// Ready flushes queued candidates in arrival order.
func (b *iceBuffer) Ready() error {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return nil
	}
	b.ready = true
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	var errs error
	for _, c := range pending {
		errs = multierr.Append(errs, b.apply(c))
	}
	return errs
}

func (b *iceBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

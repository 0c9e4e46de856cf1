package docstore

import (
	"sync"
	"sync/atomic"
)

// Serial runs queued callbacks one at a time on its own goroutine, in the
// order they were queued. Queueing never blocks, so writers can notify
// listeners while holding their own locks.
type Serial struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	once    sync.Once
}

func NewSerial() *Serial {
	s := &Serial{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Do queues fn. Callbacks queued after Stop are dropped.
func (s *Serial) Do(fn func()) {
	if s.stopped.Load() {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop discards pending callbacks. A callback already running completes.
func (s *Serial) Stop() {
	s.once.Do(func() {
		s.stopped.Store(true)
		close(s.done)
	})
}

func (s *Serial) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			if s.stopped.Load() {
				return
			}
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			fn := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			fn()
		}
	}
}

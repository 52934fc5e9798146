package bus

import (
	"sync"

	"github.com/parley-project/parley/pkg/event"
)

// Subscription is one live reader of the bus. Events arrive on Events() in
// seq order, starting with the requested replay backlog and continuing with
// live appends. When the subscriber's queue overflows, the channel is closed
// and Err returns ErrLagged; the subscriber may resubscribe from its last
// received seq.
type Subscription struct {
	id string
	ch chan event.Event

	mu     sync.Mutex
	err    error
	closed bool
}

// Events returns the subscription's event channel. It is closed on Close,
// on bus shutdown, and on lag.
func (s *Subscription) Events() <-chan event.Event {
	return s.ch
}

// Err reports why the channel closed. Nil after a clean Close or bus
// shutdown; ErrLagged when the subscriber fell behind.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// closeWith closes the channel once, recording the terminal error.
func (s *Subscription) closeWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// deliver attempts a non-blocking send. Returns false when the queue is
// full; the bus then drops the subscriber as lagged.
func (s *Subscription) deliver(e event.Event) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

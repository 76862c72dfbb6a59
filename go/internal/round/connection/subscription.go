package connection

import "sync"

// Subscription is the single consumer's handle on a Manager's signals.
// Acquire it with Manager.Subscribe and release it with Close; a later
// Subscribe call closes the previous handle. The signal channel itself is
// never closed, so consumers select on Done as well.
type Subscription struct {
	ch    chan Signal
	done  chan struct{}
	once  sync.Once
	owner *Manager
}

func newSubscription(owner *Manager) *Subscription {
	return &Subscription{
		ch:    make(chan Signal),
		done:  make(chan struct{}),
		owner: owner,
	}
}

// Signals returns the delivery channel. It is unbuffered: a signal is either
// received by the consumer or dropped when its session ends.
func (s *Subscription) Signals() <-chan Signal {
	return s.ch
}

// Done is closed once the subscription is released or replaced.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.close()
	if s.owner != nil {
		s.owner.release(s)
	}
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

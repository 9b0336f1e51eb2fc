package feed

import "sync"

// Subscription is the handle for one push channel. Snapshots arrive on
// Updates in delivery order. A slow reader only ever sees the newest
// pending snapshot, since each snapshot carries the full state of the path.
// Updates is closed when the subscription ends; Err tells why.
type Subscription struct {
	path string

	mu      sync.Mutex
	pending *Snapshot
	ended   bool
	err     error

	signal   chan struct{}
	updates  chan Snapshot
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewSubscription is used by Feed implementations.
func NewSubscription(path string) *Subscription {
	s := &Subscription{
		path:    path,
		signal:  make(chan struct{}, 1),
		updates: make(chan Snapshot),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *Subscription) Path() string { return s.path }

func (s *Subscription) Updates() <-chan Snapshot { return s.updates }

// Done is closed once the subscription ended and Updates is drained.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err is nil after a regular Unsubscribe and ErrSubscriptionLost (or the
// failure passed to Fail) otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Deliver queues a snapshot, replacing any snapshot not yet consumed.
// It never blocks.
func (s *Subscription) Deliver(snap Snapshot) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.pending = &snap
	s.mu.Unlock()
	s.notify()
}

// Fail ends the subscription with err.
func (s *Subscription) Fail(err error) {
	s.end(err)
}

// Close ends the subscription without error. Calling it after Fail
// releases a reader that stopped draining Updates.
func (s *Subscription) Close() {
	s.end(nil)
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.err = err
	if err == nil {
		// Nobody wants leftovers after an explicit unsubscribe.
		s.pending = nil
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.updates)
	for range s.signal {
		for {
			s.mu.Lock()
			next := s.pending
			s.pending = nil
			ended := s.ended
			s.mu.Unlock()

			if next == nil {
				if ended {
					return
				}
				break
			}
			select {
			case s.updates <- *next:
			case <-s.stop:
				return
			}
		}
	}
}

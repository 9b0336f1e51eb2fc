// Package autosave debounces local mutations into single flushes. The
// scheduler runs at one of two cadences: idle when nobody else is editing,
// live once another collaborator is active.
package autosave

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type Tier int

const (
	TierIdle Tier = iota
	TierLive
)

func (t Tier) String() string {
	if t == TierLive {
		return "live"
	}
	return "idle"
}

type Config struct {
	// Idle is the debounce used while no other collaborator is active.
	Idle time.Duration
	// Live is the debounce used while at least one other collaborator is
	// editing.
	Live time.Duration
}

func DefaultConfig() Config {
	return Config{Idle: 500 * time.Millisecond, Live: 200 * time.Millisecond}
}

// Fixed returns a single cadence config, as used for shared lists.
func Fixed(d time.Duration) Config {
	return Config{Idle: d, Live: d}
}

// Scheduler collapses every Touch since the previous firing into one call
// of the flush function.
type Scheduler struct {
	clock clockwork.Clock
	cfg   Config
	flush func()

	mu      sync.Mutex
	tier    Tier
	timer   clockwork.Timer
	seq     uint64
	pending bool
	stopped bool
}

func New(clock clockwork.Clock, cfg Config, flush func()) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{clock: clock, cfg: cfg, flush: flush}
}

// SetLive switches the cadence used by the next Touch.
func (s *Scheduler) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live {
		s.tier = TierLive
	} else {
		s.tier = TierIdle
	}
}

func (s *Scheduler) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

func (s *Scheduler) delay() time.Duration {
	if s.tier == TierLive {
		return s.cfg.Live
	}
	return s.cfg.Idle
}

// Touch records a local mutation and restarts the debounce window.
func (s *Scheduler) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = true
	s.resetLocked()
}

func (s *Scheduler) resetLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.seq++
	seq := s.seq
	s.timer = s.clock.AfterFunc(s.delay(), func() { s.fire(seq) })
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if seq != s.seq || !s.pending || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.mu.Unlock()
	s.flush()
}

// Pending reports whether a flush is waiting for its window to close.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// FlushNow fires immediately when something is pending and reports whether
// it did.
func (s *Scheduler) FlushNow() bool {
	s.mu.Lock()
	if !s.pending || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.cancelLocked()
	s.mu.Unlock()
	s.flush()
	return true
}

// Cancel drops a pending flush without firing it and reports whether one
// was pending.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.pending
	s.cancelLocked()
	return was
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
	s.pending = false
}

// Stop cancels any pending flush; later Touch calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"naskahsync/pkg/logger"
)

// DefaultResubscribeDelay is the fixed wait after a lost subscription.
const DefaultResubscribeDelay = 3 * time.Second

// Watcher keeps exactly one subscription to a path alive. When the
// subscription is lost it waits a fixed delay and subscribes again, for as
// long as it takes. Snapshots are handed to the callback one at a time in
// delivery order.
type Watcher struct {
	feed   Feed
	path   string
	clock  clockwork.Clock
	delay  time.Duration
	handle func(Snapshot)

	// OnResubscribe runs after every successful subscription except the
	// first, before any snapshot of the new subscription is handled.
	onResubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	sub *Subscription
}

type WatchOptions struct {
	Clock         clockwork.Clock
	Delay         time.Duration
	OnResubscribe func()
}

// Watch starts a watcher. Stop must be called to release it.
func Watch(f Feed, path string, opts WatchOptions, handle func(Snapshot)) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultResubscribeDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		feed:          f,
		path:          path,
		clock:         opts.Clock,
		delay:         opts.Delay,
		handle:        handle,
		onResubscribe: opts.OnResubscribe,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Watcher) Path() string { return w.path }

// Stop unsubscribes and waits for the watcher goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	w.mu.Lock()
	sub := w.sub
	w.sub = nil
	w.mu.Unlock()
	if sub != nil {
		w.feed.Unsubscribe(sub)
	}
	<-w.done
}

func (w *Watcher) run() {
	defer close(w.done)

	for attempt := 0; ; attempt++ {
		sub, err := w.feed.Subscribe(w.ctx, w.path)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if !Retryable(err) {
				logger.Sugar.Errorf("Subscription to %s refused: %v", w.path, err)
				return
			}
			logger.Sugar.Warnf("Subscribe to %s failed, retrying in %s: %v", w.path, w.delay, err)
			if !w.sleep() {
				return
			}
			continue
		}

		w.mu.Lock()
		if w.ctx.Err() != nil {
			w.mu.Unlock()
			w.feed.Unsubscribe(sub)
			return
		}
		w.sub = sub
		w.mu.Unlock()

		if attempt > 0 && w.onResubscribe != nil {
			w.onResubscribe()
		}

		for snap := range sub.Updates() {
			w.handle(snap)
		}

		w.mu.Lock()
		if w.sub == sub {
			w.sub = nil
		}
		w.mu.Unlock()

		if w.ctx.Err() != nil {
			return
		}
		err = sub.Err()
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) {
			logger.Sugar.Debugf("Subscription to %s closed with its connection", w.path)
			return
		}
		logger.Sugar.Warnf("Subscription to %s lost, resubscribing in %s: %v", w.path, w.delay, err)
		if !w.sleep() {
			return
		}
	}
}

func (w *Watcher) sleep() bool {
	select {
	case <-w.clock.After(w.delay):
		return true
	case <-w.ctx.Done():
		return false
	}
}

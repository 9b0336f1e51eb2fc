// Package writer wraps outbound feed writes with a bounded retry schedule
// and per-path write generations. A newer write for a path supersedes
// every older one: the older write stops retrying and its outcome is
// discarded, so it can never clobber the newer value.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"naskahsync/internal/feed"
	"naskahsync/pkg/logger"
)

var (
	// ErrSuperseded is the outcome of a write replaced by a newer one.
	// It is informational and never surfaced to the editing surface.
	ErrSuperseded = errors.New("write superseded")
	// ErrRetriesExhausted is the terminal failure after the last attempt.
	ErrRetriesExhausted = errors.New("write retries exhausted")
	// ErrClosed is the outcome of a write whose writer was closed while it
	// was still in flight.
	ErrClosed = errors.New("writer closed")
)

// Config holds the retry schedule. Delays[i] is the wait before attempt
// i+2, so the number of attempts is len(Delays)+1.
type Config struct {
	Delays []time.Duration
	// AttemptTimeout bounds a single feed call. Zero means no bound.
	AttemptTimeout time.Duration
}

// DefaultConfig is an immediate attempt, then +1s, then +2s.
func DefaultConfig() Config {
	return Config{
		Delays:         []time.Duration{time.Second, 2 * time.Second},
		AttemptTimeout: 10 * time.Second,
	}
}

type Result struct {
	Path     string
	Revision int64
	Attempts int
	Err      error
}

type Writer struct {
	feed  feed.Feed
	clock clockwork.Clock
	cfg   Config

	mu          sync.Mutex
	generations map[string]uint64
	closed      bool
	onFailure   func(Result)

	wg sync.WaitGroup
}

func New(f feed.Feed, clock clockwork.Clock, cfg Config) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{
		feed:        f,
		clock:       clock,
		cfg:         cfg,
		generations: make(map[string]uint64),
	}
}

// OnFailure registers the hook for terminal failures: retries exhausted
// or a permanent refusal. Superseded and closed writes never reach it.
func (w *Writer) OnFailure(fn func(Result)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onFailure = fn
}

// Generation returns the current write generation for path.
func (w *Writer) Generation(path string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generations[path]
}

// Write schedules value for path and returns immediately. The returned
// channel receives exactly one Result.
func (w *Writer) Write(path string, value any) <-chan Result {
	out := make(chan Result, 1)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		out <- Result{Path: path, Err: ErrClosed}
		return out
	}
	w.generations[path]++
	gen := w.generations[path]
	w.mu.Unlock()

	raw, err := feed.Encode(value)
	if err != nil {
		out <- Result{Path: path, Err: err}
		return out
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		out <- w.run(path, raw, gen)
	}()
	return out
}

// Flush makes a single synchronous attempt, superseding any write still
// retrying for path. It is meant for best-effort saves during teardown.
func (w *Writer) Flush(ctx context.Context, path string, value any) error {
	w.mu.Lock()
	w.generations[path]++
	w.mu.Unlock()

	_, err := w.feed.Write(ctx, path, value)
	return err
}

// Close discards the outcome of every write still in flight. Retries that
// already started keep running so the data can still land on the server.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
}

// Wait blocks until every scheduled write has finished.
func (w *Writer) Wait() {
	w.wg.Wait()
}

// status reports whether gen is still the newest write for path and
// whether the writer was closed.
func (w *Writer) status(path string, gen uint64) (current bool, closed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.generations[path] == gen, w.closed
}

func (w *Writer) run(path string, raw json.RawMessage, gen uint64) Result {
	res := Result{Path: path}
	for attempt := 0; ; attempt++ {
		if current, _ := w.status(path, gen); !current {
			logger.Sugar.Debugf("Write to %s superseded before attempt %d", path, attempt+1)
			res.Err = ErrSuperseded
			return res
		}

		rev, err := w.attempt(path, raw)
		res.Attempts = attempt + 1

		// A newer write owns the path now; whatever happened here is moot.
		current, closed := w.status(path, gen)
		if !current {
			logger.Sugar.Debugf("Discarding outcome of superseded write to %s", path)
			res.Err = ErrSuperseded
			return res
		}
		if err == nil {
			res.Revision = rev
			if closed {
				res.Err = ErrClosed
			}
			return res
		}

		if !feed.Retryable(err) {
			res.Err = err
			return w.fail(res, closed)
		}
		if attempt >= len(w.cfg.Delays) {
			res.Err = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, res.Attempts, err)
			return w.fail(res, closed)
		}

		logger.Sugar.Warnf("Write to %s failed (attempt %d), retrying in %s: %v", path, attempt+1, w.cfg.Delays[attempt], err)
		w.clock.Sleep(w.cfg.Delays[attempt])
	}
}

func (w *Writer) attempt(path string, raw json.RawMessage) (int64, error) {
	ctx := context.Background()
	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
	}
	rev, err := w.feed.Write(ctx, path, raw)
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", feed.ErrTransient, err)
	}
	return rev, err
}

func (w *Writer) fail(res Result, closed bool) Result {
	if closed {
		res.Err = fmt.Errorf("%w: %v", ErrClosed, res.Err)
		return res
	}
	logger.Sugar.Errorf("Write to %s failed for good: %v", res.Path, res.Err)
	w.mu.Lock()
	hook := w.onFailure
	w.mu.Unlock()
	if hook != nil {
		hook(res)
	}
	return res
}

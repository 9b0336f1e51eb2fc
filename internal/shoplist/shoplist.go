// Package shoplist synchronizes a shared list any authenticated user may
// edit. Structural changes go out at once, free text is debounced, and a
// guard window keeps a client's own echo from being mistaken for someone
// else's edit.
package shoplist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"naskahsync/config"
	"naskahsync/internal/autosave"
	"naskahsync/internal/document/model"
	"naskahsync/internal/feed"
	"naskahsync/internal/writer"
	"naskahsync/pkg/logger"
)

var (
	ErrNotFound = errors.New("list item not found")
	ErrClosed   = errors.New("list closed")
	// ErrNotReady is returned for changes made before the first snapshot
	// arrived. Writing then would replace the stored list.
	ErrNotReady = errors.New("list not loaded yet")
)

type Config struct {
	// Debounce applies to text edits only.
	Debounce time.Duration
	// GuardWindow is how long after a local write a pulled update is still
	// presumed to be that write's echo.
	GuardWindow      time.Duration
	ResubscribeDelay time.Duration
	Writer           writer.Config
}

func DefaultConfig() Config {
	return Config{
		Debounce:         200 * time.Millisecond,
		GuardWindow:      500 * time.Millisecond,
		ResubscribeDelay: feed.DefaultResubscribeDelay,
		Writer:           writer.DefaultConfig(),
	}
}

// ConfigFrom projects process configuration onto a list.
func ConfigFrom(c config.Config) Config {
	cfg := DefaultConfig()
	cfg.Debounce = c.ListDebounce
	cfg.GuardWindow = c.GuardWindow
	cfg.ResubscribeDelay = c.ResubscribeDelay
	cfg.Writer.Delays = append([]time.Duration(nil), c.RetryDelays...)
	return cfg
}

func Path(listID string) string {
	return "lists/" + listID
}

type List struct {
	feed   feed.Feed
	clock  clockwork.Clock
	cfg    Config
	path   string
	userID string

	writer  *writer.Writer
	saver   *autosave.Scheduler
	watcher *feed.Watcher

	mu        sync.Mutex
	items     []model.ListItem
	pending   map[string]string // unsent text edits by item id
	lastWrite int64             // local ms of the last write, 0 if none
	lastRev   int64
	loaded    bool
	closed    bool
	ready     chan struct{}
	updates   chan []model.ListItem
	failures  chan writer.Result
}

// Open subscribes to the list and returns immediately.
func Open(f feed.Feed, clock clockwork.Clock, cfg Config, listID, userID string) *List {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	l := &List{
		feed:     f,
		clock:    clock,
		cfg:      cfg,
		path:     Path(listID),
		userID:   userID,
		items:    []model.ListItem{},
		pending:  make(map[string]string),
		ready:    make(chan struct{}),
		updates:  make(chan []model.ListItem, 16),
		failures: make(chan writer.Result, 16),
	}
	l.writer = writer.New(f, clock, cfg.Writer)
	l.writer.OnFailure(l.reportFailure)
	l.saver = autosave.New(clock, autosave.Fixed(cfg.Debounce), l.sync)
	l.watcher = feed.Watch(f, l.path, feed.WatchOptions{Clock: clock, Delay: cfg.ResubscribeDelay}, l.receive)
	return l
}

func (l *List) receive(snap feed.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if l.loaded && snap.Revision <= l.lastRev {
		logger.Sugar.Debugf("Dropping stale snapshot of %s (%d <= %d)", l.path, snap.Revision, l.lastRev)
		return
	}
	l.lastRev = snap.Revision

	incoming, err := model.DecodeShoppingList(snap.Value)
	if !l.loaded {
		l.loaded = true
		close(l.ready)
		if err != nil {
			// No list yet; start empty.
			return
		}
	} else {
		if err != nil {
			logger.Sugar.Debugf("Ignoring list snapshot of %s: %v", l.path, err)
			return
		}
		if incoming.UpdatedAt <= l.lastWrite+l.cfg.GuardWindow.Milliseconds() {
			logger.Sugar.Debugf("Ignoring %s update at %d inside guard window of local write at %d",
				l.path, incoming.UpdatedAt, l.lastWrite)
			return
		}
	}

	l.items = incoming.Items
	for i, it := range l.items {
		if text, ok := l.pending[it.ID]; ok {
			l.items[i].Text = text
		}
	}
	l.emitLocked()
}

func (l *List) emitLocked() {
	select {
	case l.updates <- cloneItems(l.items):
	default:
	}
}

// Add appends an item and syncs immediately. It returns the new item id.
func (l *List) Add(text string) (string, error) {
	id := uuid.NewString()
	err := l.structural(func() error {
		l.items = append(l.items, model.ListItem{ID: id, Text: text})
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Toggle flips completion and syncs immediately.
func (l *List) Toggle(id string) error {
	return l.structural(func() error {
		i := l.indexLocked(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		l.items[i].Completed = !l.items[i].Completed
		return nil
	})
}

// Delete removes an item and syncs immediately.
func (l *List) Delete(id string) error {
	return l.structural(func() error {
		i := l.indexLocked(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		l.items = append(l.items[:i], l.items[i+1:]...)
		delete(l.pending, id)
		return nil
	})
}

// EditText changes an item's text; the write goes out after the debounce.
func (l *List) EditText(id, text string) error {
	l.mu.Lock()
	if err := l.usableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	i := l.indexLocked(id)
	if i < 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	l.items[i].Text = text
	l.pending[id] = text
	l.emitLocked()
	l.mu.Unlock()

	l.saver.Touch()
	return nil
}

func (l *List) structural(change func() error) error {
	l.mu.Lock()
	if err := l.usableLocked(); err != nil {
		l.mu.Unlock()
		return err
	}
	if err := change(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.emitLocked()
	l.mu.Unlock()

	// The full list carries any pending text edit along.
	l.saver.Cancel()
	l.sync()
	return nil
}

func (l *List) usableLocked() error {
	if l.closed {
		return ErrClosed
	}
	if !l.loaded {
		return ErrNotReady
	}
	return nil
}

func (l *List) indexLocked(id string) int {
	for i, it := range l.items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

func (l *List) sync() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	payload := l.payloadLocked()
	l.mu.Unlock()
	go l.await(l.writer.Write(l.path, payload))
}

// await moves lastRev past a landed write so its echo and anything older
// still in flight is dropped.
func (l *List) await(done <-chan writer.Result) {
	res := <-done
	if res.Err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || res.Revision <= l.lastRev {
		return
	}
	l.lastRev = res.Revision
}

func (l *List) reportFailure(res writer.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.failures <- res:
	default:
		logger.Sugar.Warnf("Failure channel for %s is full, dropping: %v", l.path, res.Err)
	}
}

func (l *List) payloadLocked() model.ShoppingList {
	now := l.clock.Now().UnixMilli()
	l.lastWrite = now
	l.pending = make(map[string]string)
	return model.ShoppingList{
		Items:     cloneItems(l.items),
		UpdatedAt: now,
		UpdatedBy: l.userID,
	}
}

func (l *List) Items() []model.ListItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneItems(l.items)
}

// Ready is closed after the first snapshot was loaded.
func (l *List) Ready() <-chan struct{} { return l.ready }

// Updates carries the item list after every local or accepted remote
// change. It is closed by Close.
func (l *List) Updates() <-chan []model.ListItem { return l.updates }

// Failures carries writes that ran out of retries or were refused. It is
// closed by Close.
func (l *List) Failures() <-chan writer.Result { return l.failures }

func (l *List) Revision() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRev
}

// Close stops the subscription and makes one attempt to save a pending
// text edit.
func (l *List) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	l.watcher.Stop()

	var err error
	if l.saver.Cancel() {
		l.mu.Lock()
		payload := l.payloadLocked()
		l.mu.Unlock()
		err = l.writer.Flush(ctx, l.path, payload)
	}
	l.saver.Stop()
	l.writer.Close()

	l.mu.Lock()
	close(l.updates)
	close(l.failures)
	l.mu.Unlock()
	return err
}

func cloneItems(items []model.ListItem) []model.ListItem {
	return append([]model.ListItem{}, items...)
}

// Package cursor publishes the local user's approximate edit position and
// renders peers' positions as overlays.
package cursor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"naskahsync/internal/document/model"
	"naskahsync/internal/feed"
	"naskahsync/pkg/logger"
)

type Config struct {
	// TTL is how old a peer record may be before readers ignore it.
	TTL time.Duration
	// IdleExpiry is how long the local record survives without a new
	// publish before it removes itself.
	IdleExpiry       time.Duration
	ResubscribeDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		TTL:              10 * time.Second,
		IdleExpiry:       5 * time.Second,
		ResubscribeDelay: feed.DefaultResubscribeDelay,
	}
}

func ChannelPath(documentID string) string {
	return "cursors/" + documentID
}

func RecordPath(documentID, userID string) string {
	return ChannelPath(documentID) + "/" + userID
}

type Broadcaster struct {
	feed  feed.Feed
	clock clockwork.Clock
	cfg   Config
	docID string
	self  model.Identity

	mu         sync.Mutex
	records    map[string]model.CursorRecord
	expiry     clockwork.Timer
	seq        uint64
	registered bool
	watcher    *feed.Watcher
	onChange   func()
}

func New(f feed.Feed, clock clockwork.Clock, cfg Config, documentID string, self model.Identity) *Broadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broadcaster{
		feed:    f,
		clock:   clock,
		cfg:     cfg,
		docID:   documentID,
		self:    self,
		records: make(map[string]model.CursorRecord),
	}
}

func (b *Broadcaster) OnChange(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// Start begins observing peers' cursors.
func (b *Broadcaster) Start() {
	w := feed.Watch(b.feed, ChannelPath(b.docID), feed.WatchOptions{
		Clock: b.clock,
		Delay: b.cfg.ResubscribeDelay,
		OnResubscribe: func() {
			b.mu.Lock()
			b.registered = false
			b.mu.Unlock()
		},
	}, b.receive)

	b.mu.Lock()
	b.watcher = w
	b.mu.Unlock()
}

func (b *Broadcaster) receive(snap feed.Snapshot) {
	records := model.DecodeCursors(snap.Value)
	b.mu.Lock()
	b.records = records
	hook := b.onChange
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Publish sends the local selection and restarts the self expiry timer.
func (b *Broadcaster) Publish(ctx context.Context, offset, selectionEnd int) error {
	if offset < 0 {
		return fmt.Errorf("cursor offset %d is negative", offset)
	}
	if selectionEnd < offset {
		offset, selectionEnd = selectionEnd, offset
		if offset < 0 {
			offset = 0
		}
	}
	rec := model.CursorRecord{
		UserID:       b.self.UserID,
		Offset:       offset,
		SelectionEnd: selectionEnd,
		ColorTag:     b.self.ColorTag,
		Timestamp:    b.clock.Now().UnixMilli(),
	}
	path := RecordPath(b.docID, b.self.UserID)
	if _, err := b.feed.Write(ctx, path, rec); err != nil {
		return fmt.Errorf("failed to publish cursor: %w", err)
	}

	b.mu.Lock()
	register := !b.registered
	b.registered = true
	if b.expiry != nil {
		b.expiry.Stop()
	}
	b.seq++
	seq := b.seq
	b.expiry = b.clock.AfterFunc(b.cfg.IdleExpiry, func() { b.expire(seq) })
	b.mu.Unlock()

	if register {
		if err := b.feed.RemoveOnDisconnect(ctx, path); err != nil {
			b.mu.Lock()
			b.registered = false
			b.mu.Unlock()
			return fmt.Errorf("failed to register cursor cleanup: %w", err)
		}
	}
	return nil
}

func (b *Broadcaster) expire(seq uint64) {
	b.mu.Lock()
	if seq != b.seq {
		b.mu.Unlock()
		return
	}
	b.expiry = nil
	b.mu.Unlock()

	if err := b.feed.Remove(context.Background(), RecordPath(b.docID, b.self.UserID)); err != nil {
		logger.Sugar.Debugf("Cursor self-expiry on %s failed: %v", b.docID, err)
	}
}

// Overlays returns one record per peer, skipping the local user and any
// record older than the TTL, ordered by user id.
func (b *Broadcaster) Overlays() []model.CursorRecord {
	now := b.clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.CursorRecord, 0, len(b.records))
	for user, rec := range b.records {
		if user == b.self.UserID || rec.Stale(now, b.cfg.TTL) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Stop stops observing, cancels self expiry and removes the local record.
func (b *Broadcaster) Stop(ctx context.Context) error {
	b.mu.Lock()
	w := b.watcher
	b.watcher = nil
	if b.expiry != nil {
		b.expiry.Stop()
		b.expiry = nil
	}
	b.seq++
	b.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if err := b.feed.Remove(ctx, RecordPath(b.docID, b.self.UserID)); err != nil {
		return fmt.Errorf("failed to clear cursor: %w", err)
	}
	return nil
}

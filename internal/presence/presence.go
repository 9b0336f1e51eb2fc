// Package presence publishes and observes who is working on a document.
//
// The local record lives at presence/{documentID}/{userID}. The server is
// asked to delete it when the connection drops, and readers additionally
// ignore any record whose lastActive is older than the TTL because that
// hook is best effort.
package presence

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
	TTL              time.Duration
	ResubscribeDelay time.Duration
}

func DefaultConfig() Config {
	return Config{TTL: 30 * time.Second, ResubscribeDelay: feed.DefaultResubscribeDelay}
}

func ChannelPath(documentID string) string {
	return "presence/" + documentID
}

func RecordPath(documentID, userID string) string {
	return ChannelPath(documentID) + "/" + userID
}

type Tracker struct {
	feed  feed.Feed
	clock clockwork.Clock
	cfg   Config
	docID string
	self  model.Identity

	mu        sync.Mutex
	records   map[string]model.PresenceRecord
	status    model.PresenceStatus
	focused   model.Field
	dirty     bool
	announced bool
	watcher   *feed.Watcher
	onChange  func()
}

func New(f feed.Feed, clock clockwork.Clock, cfg Config, documentID string, self model.Identity) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		feed:    f,
		clock:   clock,
		cfg:     cfg,
		docID:   documentID,
		self:    self,
		records: make(map[string]model.PresenceRecord),
		status:  model.StatusEditing,
	}
}

// OnChange registers a callback run after every presence channel update.
func (t *Tracker) OnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Start publishes the local record, registers its removal on disconnect
// and begins observing peers.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.announce(ctx); err != nil {
		if !feed.Retryable(err) {
			return err
		}
		// Offline at open: the next heartbeat announces again.
		logger.Sugar.Warnf("Presence on %s not announced yet: %v", t.docID, err)
	}
	w := feed.Watch(t.feed, ChannelPath(t.docID), feed.WatchOptions{
		Clock: t.clock,
		Delay: t.cfg.ResubscribeDelay,
		OnResubscribe: func() {
			// The server dropped our record with the old connection.
			if err := t.announce(context.Background()); err != nil {
				logger.Sugar.Warnf("Failed to re-announce presence on %s: %v", t.docID, err)
			}
		},
	}, t.receive)

	t.mu.Lock()
	t.watcher = w
	t.mu.Unlock()
	return nil
}

func (t *Tracker) announce(ctx context.Context) error {
	t.mu.Lock()
	t.announced = false
	t.mu.Unlock()
	if err := t.publish(ctx); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}
	if err := t.feed.RemoveOnDisconnect(ctx, RecordPath(t.docID, t.self.UserID)); err != nil {
		return fmt.Errorf("failed to register presence cleanup: %w", err)
	}
	t.mu.Lock()
	t.announced = true
	t.mu.Unlock()
	return nil
}

func (t *Tracker) record() model.PresenceRecord {
	return model.PresenceRecord{
		UserID:       t.self.UserID,
		DisplayName:  t.self.DisplayName,
		ColorTag:     t.self.ColorTag,
		Status:       t.status,
		LastActive:   t.clock.Now().UnixMilli(),
		FocusedField: t.focused,
	}
}

func (t *Tracker) publish(ctx context.Context) error {
	t.mu.Lock()
	rec := t.record()
	t.dirty = false
	t.mu.Unlock()

	_, err := t.feed.Write(ctx, RecordPath(t.docID, t.self.UserID), rec)
	return err
}

func (t *Tracker) receive(snap feed.Snapshot) {
	records := model.DecodePresence(snap.Value)
	t.mu.Lock()
	t.records = records
	hook := t.onChange
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Touch notes local activity on field. Nothing is sent until Heartbeat.
func (t *Tracker) Touch(field model.Field) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = model.StatusEditing
	t.focused = field
	t.dirty = true
}

// Heartbeat publishes a fresh lastActive if there was activity since the
// previous publish. Callers drive it from the autosave cadence.
func (t *Tracker) Heartbeat(ctx context.Context) error {
	t.mu.Lock()
	dirty, announced := t.dirty, t.announced
	t.mu.Unlock()
	if !announced {
		return t.announce(ctx)
	}
	if !dirty {
		return nil
	}
	return t.publish(ctx)
}

// SetIdle publishes the idle status with no focused field.
func (t *Tracker) SetIdle(ctx context.Context) error {
	t.mu.Lock()
	if t.status == model.StatusIdle {
		t.mu.Unlock()
		return nil
	}
	t.status = model.StatusIdle
	t.focused = ""
	t.mu.Unlock()
	return t.publish(ctx)
}

// Active returns every record that is not stale, including the local one,
// ordered by user id.
func (t *Tracker) Active() []model.PresenceRecord {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]model.PresenceRecord, 0, len(t.records))
	for _, rec := range t.records {
		if rec.Stale(now, t.cfg.TTL) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// OthersEditing reports whether any other collaborator is currently
// editing.
func (t *Tracker) OthersEditing() bool {
	for _, rec := range t.Active() {
		if rec.UserID != t.self.UserID && rec.Status == model.StatusEditing {
			return true
		}
	}
	return false
}

// Stop stops observing and removes the local record.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	w := t.watcher
	t.watcher = nil
	t.mu.Unlock()
	if w != nil {
		w.Stop()
	}
	if err := t.feed.Remove(ctx, RecordPath(t.docID, t.self.UserID)); err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	return nil
}

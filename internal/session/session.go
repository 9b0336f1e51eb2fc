// Package session keeps one open document consistent with the remote feed.
//
// A Session applies remote snapshots in revision order, never overwrites a
// field the local user is focused on, and debounces local edits into whole
// document writes. Presence and cursor tracking run alongside it on their
// own channels of the same feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"

	"naskahsync/internal/autosave"
	"naskahsync/internal/cursor"
	"naskahsync/internal/document/model"
	"naskahsync/internal/feed"
	"naskahsync/internal/presence"
	"naskahsync/internal/writer"
	"naskahsync/pkg/logger"
)

var (
	// ErrStaleRevision describes a snapshot at or below the last applied
	// revision. Such snapshots are dropped and only logged.
	ErrStaleRevision = errors.New("stale revision")
	ErrClosed        = errors.New("session closed")
)

type State int

const (
	StateClosed State = iota
	StateOpening
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateSynced:
		return "synced"
	}
	return "closed"
}

// Context is everything a session needs, passed explicitly per document.
type Context struct {
	DocumentID string
	User       model.Identity
	Feed       feed.Feed
	Clock      clockwork.Clock
	Config     Config
}

func DocumentPath(documentID string) string {
	return "documents/" + documentID
}

// Update tells the editing surface which fields changed.
type Update struct {
	Fields   []model.Field
	Revision int64
}

const channelBuffer = 32

type Session struct {
	sc   Context
	path string

	writer   *writer.Writer
	saver    *autosave.Scheduler
	presence *presence.Tracker
	cursor   *cursor.Broadcaster
	watcher  *feed.Watcher

	mu       sync.Mutex
	state    State
	doc      model.Document
	lastRev  int64
	focused  map[model.Field]bool
	buffered map[model.Field]bool // edited before the first snapshot
	dirty    bool
	ready    chan struct{}
	updates  chan Update
	failures chan writer.Result
	onClose  func()
}

// Open starts a session: it announces presence, starts cursor tracking and
// subscribes to the document. It returns in StateOpening; the first
// snapshot moves it to StateSynced.
func Open(ctx context.Context, sc Context) (*Session, error) {
	if sc.DocumentID == "" {
		return nil, errors.New("session needs a document id")
	}
	if sc.User.UserID == "" {
		return nil, errors.New("session needs a user id")
	}
	if sc.Feed == nil {
		return nil, errors.New("session needs a feed")
	}
	if sc.Clock == nil {
		sc.Clock = clockwork.NewRealClock()
	}
	if sc.Config.IsZero() {
		sc.Config = DefaultConfig()
	}

	s := &Session{
		sc:       sc,
		path:     DocumentPath(sc.DocumentID),
		state:    StateOpening,
		doc:      model.NewDocument(sc.DocumentID, ""),
		focused:  make(map[model.Field]bool),
		buffered: make(map[model.Field]bool),
		ready:    make(chan struct{}),
		updates:  make(chan Update, channelBuffer),
		failures: make(chan writer.Result, channelBuffer),
	}
	s.writer = writer.New(sc.Feed, sc.Clock, sc.Config.Writer)
	s.writer.OnFailure(s.reportFailure)
	s.saver = autosave.New(sc.Clock, sc.Config.Autosave, s.save)

	s.presence = presence.New(sc.Feed, sc.Clock, sc.Config.Presence, sc.DocumentID, sc.User)
	s.presence.OnChange(func() { s.saver.SetLive(s.presence.OthersEditing()) })
	if err := s.presence.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", sc.DocumentID, err)
	}

	s.cursor = cursor.New(sc.Feed, sc.Clock, sc.Config.Cursor, sc.DocumentID, sc.User)
	s.cursor.Start()

	s.watcher = feed.Watch(sc.Feed, s.path, feed.WatchOptions{
		Clock: sc.Clock,
		Delay: sc.Config.ResubscribeDelay,
	}, s.receive)
	return s, nil
}

func (s *Session) receive(snap feed.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}

	first := s.state == StateOpening
	if !first && snap.Revision <= s.lastRev {
		logger.Sugar.Debugf("Dropping snapshot of %s: %v (%d <= %d)", s.path, ErrStaleRevision, snap.Revision, s.lastRev)
		return
	}

	incoming, present, err := model.DecodeDocument(snap.Value)
	if err != nil && !snap.Empty() {
		logger.Sugar.Debugf("Treating snapshot of %s as absent: %v", s.path, err)
	}

	var changed []model.Field
	if err == nil {
		for _, f := range model.Fields {
			if !present[f] || s.focused[f] || s.buffered[f] {
				continue
			}
			s.doc.CopyField(f, &incoming)
			changed = append(changed, f)
		}
		if incoming.OwnerID != "" {
			s.doc.OwnerID = incoming.OwnerID
			s.doc.Collaborators = incoming.Collaborators
		}
		s.doc.Normalize()
	}
	s.lastRev = snap.Revision
	s.doc.Revision = snap.Revision

	s.emitLocked(Update{Fields: changed, Revision: snap.Revision})

	if first {
		s.state = StateSynced
		s.buffered = make(map[model.Field]bool)
		close(s.ready)
		if s.dirty {
			s.saver.Touch()
		}
	}
}

func (s *Session) emitLocked(u Update) {
	select {
	case s.updates <- u:
	default:
		logger.Sugar.Debugf("Update channel for %s is full, dropping notification", s.path)
	}
}

// SubmitLocalEdit applies a local edit, marks the field focused and
// schedules a save. Edits made while the session is still opening are
// held back and saved once the first snapshot has been merged around them.
func (s *Session) SubmitLocalEdit(field model.Field, value any) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if err := s.doc.SetField(field, value); err != nil {
		s.mu.Unlock()
		return err
	}
	s.focused[field] = true
	s.dirty = true
	synced := s.state == StateSynced
	if !synced {
		s.buffered[field] = true
	}
	s.mu.Unlock()

	s.presence.Touch(field)
	if !synced {
		return nil
	}
	s.saver.SetLive(s.presence.OthersEditing())
	s.saver.Touch()
	return nil
}

// Focus marks field as being edited locally without changing it.
func (s *Session) Focus(field model.Field) error {
	if !field.Valid() {
		return fmt.Errorf("unknown field %q", field)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	s.focused[field] = true
	return nil
}

// Blur releases the focus lock on field. A pending save goes out
// immediately so the local value wins over older remote state.
func (s *Session) Blur(field model.Field) {
	s.mu.Lock()
	delete(s.focused, field)
	s.mu.Unlock()
	s.saver.FlushNow()
}

// Focused reports whether field is locked against remote merges.
func (s *Session) Focused(field model.Field) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focused[field]
}

// MoveCursor publishes the local selection to peers.
func (s *Session) MoveCursor(ctx context.Context, offset, selectionEnd int) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	return s.cursor.Publish(ctx, offset, selectionEnd)
}

// save is the autosave flush: one whole document write plus a presence
// heartbeat. Only a synced session writes; before that the local document
// is mostly defaults.
func (s *Session) save() {
	s.mu.Lock()
	if s.state != StateSynced {
		s.mu.Unlock()
		return
	}
	payload := s.doc.Clone()
	s.dirty = false
	s.mu.Unlock()

	done := s.writer.Write(s.path, payload)
	go s.await(done)

	if err := s.presence.Heartbeat(context.Background()); err != nil {
		logger.Sugar.Warnf("Presence heartbeat on %s failed: %v", s.sc.DocumentID, err)
	}
}

// await records the revision of a landed write so its own echo, and any
// older snapshot still in flight, is not merged back over newer edits.
func (s *Session) await(done <-chan writer.Result) {
	res := <-done
	if res.Err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || res.Revision <= s.lastRev {
		return
	}
	s.lastRev = res.Revision
	s.doc.Revision = res.Revision
}

func (s *Session) reportFailure(res writer.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	select {
	case s.failures <- res:
	default:
		logger.Sugar.Warnf("Failure channel for %s is full, dropping: %v", s.path, res.Err)
	}
}

func (s *Session) DocumentID() string { return s.sc.DocumentID }

// Document returns a copy of the current local state.
func (s *Session) Document() model.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

func (s *Session) Revision() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRev
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed once the first snapshot has been applied.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Updates is closed by Close.
func (s *Session) Updates() <-chan Update { return s.updates }

// Failures carries writes that ran out of retries or were refused. It is
// closed by Close.
func (s *Session) Failures() <-chan writer.Result { return s.failures }

// ActiveCollaborators returns the non-stale presence records, including
// the local user.
func (s *Session) ActiveCollaborators() []model.PresenceRecord {
	return s.presence.Active()
}

func (s *Session) CursorOverlays() []model.CursorRecord {
	return s.cursor.Overlays()
}

// Close unsubscribes, cancels the pending debounce, makes one best effort
// save of unsaved edits and clears the local presence and cursor records.
// Writes still retrying keep running but their outcome is discarded. Edits
// held back by a session that never synced are dropped.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	synced := s.state == StateSynced
	s.state = StateClosed
	s.mu.Unlock()

	s.watcher.Stop()
	s.saver.Cancel()

	s.mu.Lock()
	dirty := s.dirty
	s.dirty = false
	payload := s.doc.Clone()
	s.mu.Unlock()

	var err error
	if dirty && !synced {
		logger.Sugar.Warnf("Closing %s before it synced, dropping unsaved edits", s.path)
	}
	if dirty && synced {
		if ferr := s.writer.Flush(ctx, s.path, payload); ferr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to flush %s: %w", s.path, ferr))
		}
	}
	s.saver.Stop()
	s.writer.Close()

	err = multierr.Append(err, s.cursor.Stop(ctx))
	err = multierr.Append(err, s.presence.Stop(ctx))

	s.mu.Lock()
	close(s.updates)
	close(s.failures)
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	if err != nil {
		logger.Sugar.Warnf("Session %s closed with errors: %v", s.sc.DocumentID, err)
	}
	return err
}

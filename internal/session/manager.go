package session

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"naskahsync/internal/document/model"
)

// Manager opens at most one session per document for one user and feed.
type Manager struct {
	base Context

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager uses base for every session; its DocumentID is ignored.
func NewManager(base Context) *Manager {
	return &Manager{base: base, sessions: make(map[string]*Session)}
}

// OpenSession returns the open session for documentID or opens one.
func (m *Manager) OpenSession(ctx context.Context, documentID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[documentID]; ok {
		return s, nil
	}

	sc := m.base
	sc.DocumentID = documentID
	s, err := Open(ctx, sc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.onClose = func() { m.forget(documentID, s) }
	s.mu.Unlock()
	m.sessions[documentID] = s
	return s, nil
}

func (m *Manager) forget(documentID string, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[documentID] == s {
		delete(m.sessions, documentID)
	}
}

func (m *Manager) Session(documentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[documentID]
	return s, ok
}

// ActiveCollaborators is empty when no session is open for documentID.
func (m *Manager) ActiveCollaborators(documentID string) []model.PresenceRecord {
	s, ok := m.Session(documentID)
	if !ok {
		return nil
	}
	return s.ActiveCollaborators()
}

// CursorOverlays is empty when no session is open for documentID.
func (m *Manager) CursorOverlays(documentID string) []model.CursorRecord {
	s, ok := m.Session(documentID)
	if !ok {
		return nil
	}
	return s.CursorOverlays()
}

// CloseAll closes every open session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	var err error
	for _, s := range open {
		err = multierr.Append(err, s.Close(ctx))
	}
	return err
}

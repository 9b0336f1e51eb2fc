package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/feed"
	"naskahsync/pkg/logger"
	"naskahsync/store"
)

const (
	DocumentsRoot = "documents"
	PresenceRoot  = "presence"
	CursorsRoot   = "cursors"
	ListsRoot     = "lists"
	SettingsRoot  = "settings"
)

// Keys of a document payload owned by the server, never by clients.
var protectedKeys = []string{"id", "ownerId", "collaborators", "revision"}

// documentID returns the id of a documents/{id} path.
func documentID(path string) (string, bool) {
	parts := strings.Split(store.Clean(path), "/")
	if len(parts) == 2 && parts[0] == DocumentsRoot && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

func documentPath(docID string) string {
	return DocumentsRoot + "/" + docID
}

// Hub is the feed server. Every websocket client gets its own connection
// to one shared in-process feed. Documents are loaded from Postgres when
// first touched and written back by the SaveWorker; everything else is
// ephemeral. A Hub without a repository keeps documents in memory only and
// does not enforce document roles.
type Hub struct {
	Local      *feed.Local
	Register   chan *Client
	Unregister chan *Client

	repo         *repository.DocumentRepository
	clock        clockwork.Clock
	saveInterval time.Duration
	stopped      chan struct{}
	stopOnce     sync.Once

	// loadMu serializes loading and evicting documents.
	loadMu sync.Mutex

	// mu is taken inside feed callbacks; never call into Local with it held.
	mu        sync.Mutex
	clients   map[*Client]bool
	Rooms     map[string]map[*Client]bool      // docID -> clients that touched it
	access    map[string]map[string]model.Role // docID -> userID -> role, loaded documents only
	DirtyDocs map[string]int64                 // docID -> revision not yet saved
}

func NewHub(repo *repository.DocumentRepository, clock clockwork.Clock, saveInterval time.Duration) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if saveInterval <= 0 {
		saveInterval = 10 * time.Second
	}
	h := &Hub{
		Local:        feed.NewLocal(clock),
		Register:     make(chan *Client),
		Unregister:   make(chan *Client),
		repo:         repo,
		clock:        clock,
		saveInterval: saveInterval,
		stopped:      make(chan struct{}),
		clients:      make(map[*Client]bool),
		Rooms:        make(map[string]map[*Client]bool),
		access:       make(map[string]map[string]model.Role),
		DirtyDocs:    make(map[string]int64),
	}
	h.Local.SetAuthorizer(h.authorize)
	h.Local.Observe(h.observe)
	return h
}

// Run handles client registration until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Sugar.Infof("Client %s connected as %s", client.ID, client.UserID)

		case client := <-h.Unregister:
			h.unregister(client)
		}
	}
}

func (h *Hub) unregister(client *Client) {
	h.mu.Lock()
	if !h.clients[client] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	var emptied []string
	for docID, room := range h.Rooms {
		if !room[client] {
			continue
		}
		delete(room, client)
		if len(room) == 0 {
			emptied = append(emptied, docID)
		}
	}
	h.mu.Unlock()

	// Runs the client's remove-on-disconnect registrations.
	client.close()
	logger.Sugar.Infof("Client %s (%s) disconnected", client.ID, client.UserID)

	for _, docID := range emptied {
		h.release(docID)
	}
}

// authorize runs under the feed lock for every read and mutation.
func (h *Hub) authorize(userID string, op feed.Op, path string) error {
	parts, err := store.Split(path)
	if err != nil {
		return err
	}
	switch parts[0] {
	case DocumentsRoot:
		if len(parts) != 2 {
			return fmt.Errorf("%w: documents are addressed as documents/{id}", feed.ErrDenied)
		}
		if op == feed.OpRemove {
			return fmt.Errorf("%w: documents are not removed through the feed", feed.ErrDenied)
		}
		if h.repo == nil {
			return nil
		}
		h.mu.Lock()
		roles, loaded := h.access[parts[1]]
		role, member := roles[userID]
		h.mu.Unlock()
		if !loaded || !member {
			return fmt.Errorf("%w: no access to document %s", feed.ErrDenied, parts[1])
		}
		if op != feed.OpRead && !role.CanWrite() {
			return fmt.Errorf("%w: role %s cannot edit document %s", feed.ErrDenied, role, parts[1])
		}
		return nil

	case PresenceRoot, CursorsRoot:
		if op == feed.OpRead {
			return nil
		}
		if len(parts) != 3 || parts[2] != userID {
			return fmt.Errorf("%w: only your own %s record can change", feed.ErrDenied, parts[0])
		}
		return nil

	case ListsRoot, SettingsRoot:
		return nil
	}
	return fmt.Errorf("%w: unknown path %s", feed.ErrDenied, path)
}

// observe runs under the feed lock after every applied mutation.
func (h *Hub) observe(m feed.Mutation) {
	docID, ok := documentID(m.Path)
	if !ok || h.repo == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, loaded := h.access[docID]; loaded {
		h.DirtyDocs[docID] = m.Revision
	}
}

// join loads the document if needed and records client in its room.
func (h *Hub) join(docID string, client *Client) error {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	if err := h.load(docID); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.Rooms[docID] == nil {
		h.Rooms[docID] = make(map[*Client]bool)
	}
	h.Rooms[docID][client] = true
	return nil
}

// load must be called with loadMu held.
func (h *Hub) load(docID string) error {
	if h.repo == nil {
		return nil
	}
	h.mu.Lock()
	_, loaded := h.access[docID]
	h.mu.Unlock()
	if loaded {
		return nil
	}

	content, ownerID, err := h.repo.Load(docID)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: document %s not found", feed.ErrDenied, docID)
	}
	if err != nil {
		return fmt.Errorf("%w: loading %s: %v", feed.ErrTransient, docID, err)
	}
	collaborators, err := h.repo.Collaborators(docID)
	if err != nil {
		return fmt.Errorf("%w: loading roles of %s: %v", feed.ErrTransient, docID, err)
	}

	doc, _, err := model.DecodeDocument(content)
	if err != nil {
		logger.Sugar.Warnf("Stored content of %s is unusable, starting empty: %v", docID, err)
		doc = model.Document{}
	}
	doc.ID = docID
	doc.OwnerID = ownerID
	doc.Collaborators = collaborators
	doc.Normalize()

	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := h.Local.Seed(documentPath(docID), raw); err != nil {
		return fmt.Errorf("%w: seeding %s: %v", feed.ErrTransient, docID, err)
	}

	roles := make(map[string]model.Role, len(doc.Collaborators))
	for userID, role := range doc.Collaborators {
		roles[userID] = role
	}
	h.mu.Lock()
	h.access[docID] = roles
	h.mu.Unlock()
	logger.Sugar.Infof("Loaded document %s", docID)
	return nil
}

// release saves and evicts a document nobody is connected to anymore.
func (h *Hub) release(docID string) {
	if h.repo == nil {
		return
	}
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	h.mu.Lock()
	if len(h.Rooms[docID]) > 0 {
		h.mu.Unlock()
		return
	}
	_, dirty := h.DirtyDocs[docID]
	h.mu.Unlock()

	if dirty {
		if err := h.save(docID); err != nil {
			logger.Sugar.Errorf("Failed to save doc %s on close: %v", docID, err)
			return
		}
	}

	h.mu.Lock()
	delete(h.Rooms, docID)
	delete(h.access, docID)
	delete(h.DirtyDocs, docID)
	h.mu.Unlock()
	if err := h.Local.Seed(documentPath(docID), nil); err != nil {
		logger.Sugar.Warnf("Failed to evict %s: %v", docID, err)
	}
	logger.Sugar.Infof("Closed and cleaned up empty room: %s", docID)
}

func (h *Hub) save(docID string) error {
	raw, rev, err := h.Local.Tree().Get(documentPath(docID))
	if err != nil || raw == nil {
		return err
	}
	var title string
	if doc, _, err := model.DecodeDocument(raw); err == nil {
		title = doc.Title
	}
	if err := h.repo.UpdateContent(docID, title, raw, rev); err != nil {
		return err
	}

	h.mu.Lock()
	// Only mark as clean if nothing landed since the snapshot was taken.
	if h.DirtyDocs[docID] <= rev {
		delete(h.DirtyDocs, docID)
	}
	h.mu.Unlock()
	return nil
}

// SaveDirty writes every document changed since its last save.
func (h *Hub) SaveDirty() {
	h.mu.Lock()
	dirty := make([]string, 0, len(h.DirtyDocs))
	for docID := range h.DirtyDocs {
		dirty = append(dirty, docID)
	}
	h.mu.Unlock()

	for _, docID := range dirty {
		if err := h.save(docID); err != nil {
			// Still dirty, the next tick retries.
			logger.Sugar.Errorf("Failed to save doc %s: %v", docID, err)
			continue
		}
		logger.Sugar.Infof("Auto-saved document: %s", docID)
	}
}

// SaveWorker calls SaveDirty every save interval until ctx is done.
func (h *Hub) SaveWorker(ctx context.Context) {
	if h.repo == nil {
		return
	}
	ticker := h.clock.NewTicker(h.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.SaveDirty()
			return
		case <-ticker.Chan():
			h.SaveDirty()
		}
	}
}

// sanitizeDocument replaces the server-owned keys of a client document
// write with their authoritative values: the loaded roles when backed by a
// database, otherwise whatever the stored document already carries.
func (h *Hub) sanitizeDocument(docID string, value json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(value, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: a document must be a JSON object", feed.ErrDenied)
	}
	for _, key := range protectedKeys {
		delete(fields, key)
	}

	id, _ := json.Marshal(docID)
	fields["id"] = id
	if h.repo != nil {
		h.mu.Lock()
		roles := h.access[docID]
		var owner string
		for userID, role := range roles {
			if role == model.RoleOwner {
				owner = userID
			}
		}
		collaborators, err := json.Marshal(roles)
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		ownerRaw, _ := json.Marshal(owner)
		fields["ownerId"] = ownerRaw
		fields["collaborators"] = collaborators
		return json.Marshal(fields)
	}

	stored, _, err := h.Local.Tree().Get(documentPath(docID))
	if err != nil || stored == nil {
		return json.Marshal(fields)
	}
	var current map[string]json.RawMessage
	if err := json.Unmarshal(stored, &current); err != nil {
		return json.Marshal(fields)
	}
	for _, key := range []string{"ownerId", "collaborators"} {
		if v, ok := current[key]; ok {
			fields[key] = v
		}
	}
	return json.Marshal(fields)
}

// GrantRole makes a new role effective on a loaded document and shows it
// to connected sessions.
func (h *Hub) GrantRole(docID, userID string, role model.Role) {
	h.loadMu.Lock()
	defer h.loadMu.Unlock()

	h.mu.Lock()
	roles, loaded := h.access[docID]
	if loaded {
		roles[userID] = role
	}
	h.mu.Unlock()
	if !loaded {
		return
	}

	raw, _, err := h.Local.Tree().Get(documentPath(docID))
	if err != nil || raw == nil {
		return
	}
	updated, err := h.sanitizeDocument(docID, raw)
	if err != nil {
		logger.Sugar.Warnf("Failed to apply role change on %s: %v", docID, err)
		return
	}
	if err := h.Local.Seed(documentPath(docID), updated); err != nil {
		logger.Sugar.Warnf("Failed to publish role change on %s: %v", docID, err)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

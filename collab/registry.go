package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"docsync-server/core"
	"docsync-server/delta"

	"github.com/sirupsen/logrus"
)

type room struct {
	id string

	mu      sync.Mutex
	loaded  bool
	closed  bool
	dirty   bool
	content string
	members map[string]Member
}

// Registry owns every live room. Rooms are keyed by document id; each room
// serializes its own joins, leaves and snapshot mutations, so work on
// different documents never contends beyond the short map lookup.
//
// Lock order is room.mu then Registry.mu. Registry.mu is never held while
// acquiring a room lock.
type Registry struct {
	store     core.DocumentStore
	persister Persister
	tracker   core.RoomTracker

	mu       sync.Mutex
	rooms    map[string]*room
	sessions map[string]string // session id -> document id
}

func NewRegistry(store core.DocumentStore, persister Persister) *Registry {
	r := &Registry{
		store:     store,
		persister: persister,
		rooms:     make(map[string]*room),
		sessions:  make(map[string]string),
	}
	if tracker, ok := store.(core.RoomTracker); ok {
		r.tracker = tracker
	}
	return r
}

// Join adds m to the room for documentID, creating and loading the room if
// needed. The snapshot is delivered to m as load-document before any change
// from another member can reach it. A member already in another room leaves
// that room first.
func (r *Registry) Join(ctx context.Context, documentID string, m Member) (Snapshot, error) {
	if documentID == "" {
		return Snapshot{}, ErrEmptyDocumentID
	}

	if current, ok := r.documentOf(m.SessionID()); ok && current != documentID {
		r.Leave(ctx, m)
	}

	for {
		rm := r.acquire(documentID)
		rm.mu.Lock()
		if rm.closed {
			// evicted between lookup and lock; the map now holds a fresh room
			rm.mu.Unlock()
			continue
		}

		if !rm.loaded {
			content, err := r.load(ctx, documentID)
			if err != nil {
				r.evictLocked(rm)
				rm.mu.Unlock()
				return Snapshot{}, err
			}
			rm.content = content
			rm.loaded = true
		}

		rm.members[m.SessionID()] = m
		r.mu.Lock()
		r.sessions[m.SessionID()] = documentID
		r.mu.Unlock()

		snapshot := Snapshot{DocumentID: documentID, Content: rm.content}
		m.Deliver(EventLoadDocument, delta.FromText(rm.content))
		members := len(rm.members)
		rm.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"document_id": documentID,
			"session_id":  m.SessionID(),
			"members":     members,
		}).Info("Session joined room")
		r.touch(ctx, documentID)
		return snapshot, nil
	}
}

// Leave removes m from its room. When the room becomes empty its snapshot is
// handed to the persister and the in-memory state is discarded.
func (r *Registry) Leave(ctx context.Context, m Member) {
	documentID, ok := r.documentOf(m.SessionID())
	if !ok {
		return
	}
	rm := r.lookup(documentID)
	if rm == nil {
		return
	}

	rm.mu.Lock()
	delete(rm.members, m.SessionID())
	r.mu.Lock()
	if r.sessions[m.SessionID()] == documentID {
		delete(r.sessions, m.SessionID())
	}
	r.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"document_id": documentID,
		"session_id":  m.SessionID(),
		"members":     len(rm.members),
	})

	if len(rm.members) > 0 || rm.closed {
		rm.mu.Unlock()
		log.Info("Session left room")
		return
	}

	if rm.dirty && !delta.IsBlank(rm.content) {
		r.persister.Persist(documentID, rm.content)
	}
	r.evictLocked(rm)
	rm.mu.Unlock()

	log.Info("Session left room, room evicted")
	r.touch(ctx, documentID)
}

// ListDocumentIDs returns every id known to the document store.
func (r *Registry) ListDocumentIDs(ctx context.Context) ([]string, error) {
	ids, err := r.store.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// ActiveRooms returns the member count of every live room.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	counts := make(map[string]int, len(rooms))
	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed && len(rm.members) > 0 {
			counts[rm.id] = len(rm.members)
		}
		rm.mu.Unlock()
	}
	return counts
}

// Snapshot returns the live content of documentID, if a room exists.
func (r *Registry) Snapshot(documentID string) (Snapshot, bool) {
	rm := r.lookup(documentID)
	if rm == nil {
		return Snapshot{}, false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || !rm.loaded {
		return Snapshot{}, false
	}
	return Snapshot{DocumentID: documentID, Content: rm.content}, true
}

// Flush hands every modified live snapshot to the persister. Used on shutdown.
func (r *Registry) Flush() {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	for _, rm := range rooms {
		rm.mu.Lock()
		if !rm.closed && rm.dirty && !delta.IsBlank(rm.content) {
			r.persister.Persist(rm.id, rm.content)
			rm.dirty = false
		}
		rm.mu.Unlock()
	}
}

// withRoom runs fn under the lock of the live room for documentID.
func (r *Registry) withRoom(documentID string, fn func(rm *room) error) error {
	rm := r.lookup(documentID)
	if rm == nil {
		return ErrNotJoined
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed || !rm.loaded {
		return ErrNotJoined
	}
	return fn(rm)
}

func (r *Registry) acquire(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[documentID]
	if !ok {
		rm = &room{id: documentID, members: make(map[string]Member)}
		r.rooms[documentID] = rm
	}
	return rm
}

func (r *Registry) lookup(documentID string) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[documentID]
}

func (r *Registry) documentOf(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.sessions[sessionID]
	return id, ok
}

// evictLocked closes rm and drops it from the map. Caller holds rm.mu.
func (r *Registry) evictLocked(rm *room) {
	rm.closed = true
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}

// load reads the durable copy of a document, creating an empty record when
// none exists. Pending writes for the id are awaited first so a room that was
// just evicted is not reloaded from a stale record.
func (r *Registry) load(ctx context.Context, documentID string) (string, error) {
	log := logrus.WithField("document_id", documentID)

	if err := r.persister.Wait(ctx, documentID); err != nil {
		return "", err
	}

	doc, err := r.store.FindID(ctx, documentID)
	if err == nil {
		log.Debug("Loaded document from store")
		return doc.Content, nil
	}
	if !errors.Is(err, core.ErrDocumentNotFound) {
		log.WithError(err).Error("Failed to load document")
		return "", fmt.Errorf("load document %s: %w", documentID, err)
	}

	err = r.store.Create(ctx, &core.Document{ID: documentID, UpdatedAt: time.Now()})
	switch {
	case err == nil:
		log.Info("Created empty document")
	case errors.Is(err, core.ErrDocumentExists):
		// created concurrently by another process
		if doc, err = r.store.FindID(ctx, documentID); err == nil {
			return doc.Content, nil
		}
		log.WithError(err).Warn("Failed to reload concurrently created document")
	default:
		// the room still opens empty; the first persisted change upserts the record
		log.WithError(err).Warn("Failed to create document")
	}
	return "", nil
}

func (r *Registry) touch(ctx context.Context, documentID string) {
	if r.tracker == nil {
		return
	}
	if err := r.tracker.TouchRoom(ctx, documentID); err != nil {
		logrus.WithError(err).WithField("document_id", documentID).Warn("Failed to record room activity")
	}
}

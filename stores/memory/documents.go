package memory

import (
	"context"
	"docsync-server/core"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type documentStore struct {
	mu        sync.RWMutex
	documents map[string]core.Document
	rooms     map[string]int64
}

func NewDocumentStore() *documentStore {
	return &documentStore{
		documents: make(map[string]core.Document),
		rooms:     make(map[string]int64),
	}
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	doc, ok := s.documents[id]
	s.mu.RUnlock()

	if ok {
		log.Debug("Document retrieved successfully")
		return &doc, nil
	}

	log.WithField("error", "document not found").Warn("Document with specified ID not found")
	return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) error {
	if document.ID == "" {
		return core.ErrInvalidID
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[document.ID]; ok {
		log.Warn("Document already exists")
		return fmt.Errorf("document with id %s: %w", document.ID, core.ErrDocumentExists)
	}
	s.documents[document.ID] = stamped(document)

	log.Info("Document created successfully")
	return nil
}

func (s *documentStore) Update(ctx context.Context, document *core.Document) error {
	if document.ID == "" {
		return core.ErrInvalidID
	}

	s.mu.Lock()
	s.documents[document.ID] = stamped(document)
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	}).Info("Document updated successfully")
	return nil
}

func (s *documentStore) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.documents))
	for id := range s.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}

func stamped(document *core.Document) core.Document {
	doc := *document
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	return doc
}

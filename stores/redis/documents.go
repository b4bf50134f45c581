package redis

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	indexKey = "docsync:documents"
	roomsKey = "docsync:rooms"
)

func documentKey(id string) string { return "docsync:document:" + id }

// documentStore keeps each document in a hash (content, updated_at) and the
// set of known ids alongside it. Room activity is a sorted set scored by the
// last-active time in milliseconds.
type documentStore struct {
	rdb redis.UniversalClient
}

func NewDocumentStore(rdb redis.UniversalClient) *documentStore {
	return &documentStore{rdb: rdb}
}

func (s *documentStore) Close() error {
	return s.rdb.Close()
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	fields, err := s.rdb.HGetAll(ctx, documentKey(id)).Result()
	if err != nil {
		log.WithError(err).Error("Failed to retrieve document")
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	if len(fields) == 0 {
		log.WithField("error", "document not found").Warn("Document with specified ID not found")
		return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
	}

	doc := &core.Document{ID: id, Content: fields["content"]}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		doc.UpdatedAt = time.UnixMilli(ms)
	}
	log.Debug("Document retrieved successfully")
	return doc, nil
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) error {
	if document.ID == "" {
		return core.ErrInvalidID
	}
	log := logrus.WithField("document_id", document.ID)
	key := documentKey(document.ID)

	created, err := s.rdb.HSetNX(ctx, key, "content", document.Content).Result()
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return fmt.Errorf("create document %s: %w", document.ID, err)
	}
	if !created {
		log.Warn("Document already exists")
		return fmt.Errorf("document with id %s: %w", document.ID, core.ErrDocumentExists)
	}

	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "updated_at", millis(document.UpdatedAt))
		pipe.SAdd(ctx, indexKey, document.ID)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to index document")
		return fmt.Errorf("index document %s: %w", document.ID, err)
	}

	log.Info("Document created successfully")
	return nil
}

func (s *documentStore) Update(ctx context.Context, document *core.Document) error {
	if document.ID == "" {
		return core.ErrInvalidID
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	})

	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, documentKey(document.ID), "content", document.Content, "updated_at", millis(document.UpdatedAt))
		pipe.SAdd(ctx, indexKey, document.ID)
		return nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to update document")
		return fmt.Errorf("update document %s: %w", document.ID, err)
	}

	log.Info("Document updated successfully")
	return nil
}

func (s *documentStore) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logrus.WithError(err).Error("Failed to list documents")
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	return s.rdb.ZAdd(ctx, roomsKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: roomID}).Err()
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	entries, err := s.rdb.ZRevRangeWithScores(ctx, roomsKey, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logrus.WithError(err).Error("Failed to list rooms")
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	rooms := make([]core.Room, 0, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		rooms = append(rooms, core.Room{ID: id, LastActive: int64(z.Score)})
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

package sqlite

import (
	"context"
	"database/sql"
	"docsync-server/core"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const DefaultMaxVersions = 10

type documentStore struct {
	db          *sql.DB
	maxVersions int
}

// NewDocumentStore opens (or creates) the database at dataSourceName.
// At most maxVersions versions are kept per document.
func NewDocumentStore(dataSourceName string, maxVersions int) (*documentStore, error) {
	if maxVersions <= 0 {
		maxVersions = DefaultMaxVersions
	}

	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// one writer at a time; avoids SQLITE_BUSY under concurrent persistence
	db.SetMaxOpenConns(1)

	schema := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS versions (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			name TEXT,
			created_at INTEGER NOT NULL,
			content TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS versions_document ON versions (document_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS room_activity (
			room_id TEXT PRIMARY KEY,
			last_active INTEGER NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &documentStore{db: db, maxVersions: maxVersions}, nil
}

func (s *documentStore) Close() error {
	return s.db.Close()
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	var (
		content   string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT content, updated_at FROM documents WHERE id = ?", id).Scan(&content, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithField("error", err).Error("Failed to retrieve document")
		return nil, err
	}

	log.Debug("Document retrieved successfully")
	return &core.Document{ID: id, Content: content, UpdatedAt: time.UnixMilli(updatedAt)}, nil
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) error {
	if document.ID == "" {
		return core.ErrInvalidID
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	})

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING",
		document.ID, document.Content, millis(document.UpdatedAt))
	if err != nil {
		log.WithField("error", err).Error("Failed to create document")
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		log.Warn("Document already exists")
		return fmt.Errorf("document with id %s: %w", document.ID, core.ErrDocumentExists)
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

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO documents (id, content, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at",
		document.ID, document.Content, millis(document.UpdatedAt))
	if err != nil {
		log.WithField("error", err).Error("Failed to update document")
		return err
	}

	log.Info("Document updated successfully")
	return nil
}

func (s *documentStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM documents ORDER BY id")
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list documents")
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *documentStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO room_activity (room_id, last_active) VALUES (?, ?) ON CONFLICT(room_id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *documentStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT room_id, last_active FROM room_activity ORDER BY last_active DESC, room_id ASC")
	if err != nil {
		logrus.WithField("error", err).Error("Failed to list rooms")
		return nil, err
	}
	defer rows.Close()

	rooms := []core.Room{}
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// CreateVersion copies the stored content of documentID into a new named
// version, pruning the oldest versions beyond the per-document cap.
func (s *documentStore) CreateVersion(ctx context.Context, documentID, name string) (*core.Version, error) {
	version := &core.Version{
		ID:         ulid.Make().String(),
		DocumentID: documentID,
		Name:       name,
		CreatedAt:  time.Now().UnixMilli(),
	}
	log := logrus.WithFields(logrus.Fields{
		"version_id":  version.ID,
		"document_id": documentID,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, "SELECT content FROM documents WHERE id = ?", documentID).Scan(&version.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Cannot version a document that was never stored")
			return nil, fmt.Errorf("document with id %s: %w", documentID, core.ErrDocumentNotFound)
		}
		log.WithField("error", err).Error("Failed to read document for version")
		return nil, err
	}

	var count int
	if err = tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM versions WHERE document_id = ?", documentID).Scan(&count); err != nil {
		log.WithField("error", err).Error("Failed to count versions")
		return nil, err
	}

	if excess := count - s.maxVersions + 1; excess > 0 {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM versions WHERE id IN (SELECT id FROM versions WHERE document_id = ? ORDER BY created_at ASC, id ASC LIMIT ?)",
			documentID, excess)
		if err != nil {
			log.WithField("error", err).Error("Failed to prune oldest versions")
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO versions (id, document_id, name, created_at, content) VALUES (?, ?, ?, ?, ?)",
		version.ID, version.DocumentID, version.Name, version.CreatedAt, version.Content)
	if err != nil {
		log.WithField("error", err).Error("Failed to create version")
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}

	log.Info("Version created successfully")
	return version, nil
}

// ListVersions returns the versions of documentID, newest first, without content.
func (s *documentStore) ListVersions(ctx context.Context, documentID string) ([]core.Version, error) {
	log := logrus.WithField("document_id", documentID)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, document_id, name, created_at FROM versions WHERE document_id = ? ORDER BY created_at DESC, id DESC",
		documentID)
	if err != nil {
		log.WithField("error", err).Error("Failed to list versions")
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close version rows")
		}
	}()

	versions := []core.Version{}
	for rows.Next() {
		var v core.Version
		var name sql.NullString
		if err := rows.Scan(&v.ID, &v.DocumentID, &name, &v.CreatedAt); err != nil {
			log.WithField("error", err).Error("Failed to scan version")
			continue
		}
		v.Name = name.String
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *documentStore) GetVersion(ctx context.Context, id string) (*core.Version, error) {
	log := logrus.WithField("version_id", id)

	var v core.Version
	var name sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT id, document_id, name, created_at, content FROM versions WHERE id = ?",
		id).Scan(&v.ID, &v.DocumentID, &name, &v.CreatedAt, &v.Content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.WithField("error", "version not found").Warn("Version with specified ID not found")
			return nil, fmt.Errorf("version with id %s: %w", id, core.ErrVersionNotFound)
		}
		log.WithField("error", err).Error("Failed to retrieve version")
		return nil, err
	}
	v.Name = name.String
	return &v, nil
}

func (s *documentStore) DeleteVersion(ctx context.Context, id string) error {
	log := logrus.WithField("version_id", id)

	result, err := s.db.ExecContext(ctx, "DELETE FROM versions WHERE id = ?", id)
	if err != nil {
		log.WithField("error", err).Error("Failed to delete version")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("version with id %s: %w", id, core.ErrVersionNotFound)
	}

	log.Info("Version deleted successfully")
	return nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}

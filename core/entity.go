package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrDocumentExists   = errors.New("document already exists")
	ErrVersionNotFound  = errors.New("version not found")
	ErrInvalidID        = errors.New("invalid document id")
)

type (
	// Document is the durable record of one collaborative text document.
	Document struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		UpdatedAt time.Time `json:"updatedAt"`
	}

	// DocumentStore persists documents by caller-supplied id.
	// FindID returns ErrDocumentNotFound when the id is unknown.
	DocumentStore interface {
		FindID(ctx context.Context, id string) (*Document, error)
		Create(ctx context.Context, document *Document) error
		Update(ctx context.Context, document *Document) error
		ListIDs(ctx context.Context) ([]string, error)
	}

	Room struct {
		ID         string
		LastActive int64
	}

	// RoomTracker is implemented by stores that remember when a room was last used.
	RoomTracker interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	Version struct {
		ID         string `json:"id"`
		DocumentID string `json:"documentId"`
		Name       string `json:"name"`
		CreatedAt  int64  `json:"createdAt"`
		Content    string `json:"content,omitempty"`
	}

	// VersionStore keeps named point-in-time copies of a document.
	VersionStore interface {
		CreateVersion(ctx context.Context, documentID, name string) (*Version, error)
		ListVersions(ctx context.Context, documentID string) ([]Version, error)
		GetVersion(ctx context.Context, id string) (*Version, error)
		DeleteVersion(ctx context.Context, id string) error
	}
)

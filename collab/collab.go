// Package collab is the real-time synchronization core: room membership,
// change fan-out and the asynchronous persistence of document snapshots.
package collab

import (
	"context"
	"errors"
)

// Server to client events.
const (
	EventDocumentList   = "document-list"
	EventLoadDocument   = "load-document"
	EventReceiveChanges = "receive-changes"
	EventTextSuggestion = "text-suggestion"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrNotConnected    = errors.New("session not connected")
	ErrNotJoined       = errors.New("session has not joined a document")
	ErrWrongDocument   = errors.New("change targets a document the session has not joined")
	ErrEmptyDocumentID = errors.New("document id is required")
)

// Member is a room participant that can receive events.
// Deliver must not block.
type Member interface {
	SessionID() string
	Deliver(event string, payload any)
}

// Persister commits document content to durable storage in the background.
type Persister interface {
	Persist(documentID, content string)
	// Wait blocks until no write for documentID is queued or in flight.
	Wait(ctx context.Context, documentID string) error
}

// Snapshot is the live content of a room.
type Snapshot struct {
	DocumentID string
	Content    string
}

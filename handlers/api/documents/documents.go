package documents

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"docsync-server/collab"
	"docsync-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type (
	DocumentCreateRequest struct {
		Content string `json:"content"`
	}

	DocumentCreateResponse struct {
		ID string `json:"id"`
	}

	DocumentResponse struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
		// Live is set when the content comes from an open room rather than storage.
		Live bool `json:"live"`
	}

	// LiveSnapshots exposes the in-memory content of open rooms.
	LiveSnapshots interface {
		Snapshot(documentID string) (collab.Snapshot, bool)
	}
)

func HandleList(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := store.ListIDs(r.Context())
		if err != nil {
			logrus.WithError(err).Error("Failed to list documents")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to list documents"})
			return
		}
		if ids == nil {
			ids = []string{}
		}
		render.JSON(w, r, ids)
	}
}

// HandleGet returns a document, preferring the live room content when the
// document is open. live may be nil.
func HandleGet(store core.DocumentStore, live LiveSnapshots) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, map[string]string{"error": "document not found"})
			return
		}

		if live != nil {
			if snap, ok := live.Snapshot(id); ok {
				render.JSON(w, r, DocumentResponse{ID: id, Content: snap.Content, Live: true})
				return
			}
		}

		doc, err := store.FindID(r.Context(), id)
		if err != nil {
			status, msg := http.StatusInternalServerError, "Failed to load document"
			if errors.Is(err, core.ErrDocumentNotFound) || errors.Is(err, core.ErrInvalidID) {
				status, msg = http.StatusNotFound, "document not found"
			}
			logrus.WithError(err).WithField("document_id", id).Warn("Failed to get document")
			render.Status(r, status)
			render.JSON(w, r, map[string]string{"error": msg})
			return
		}

		render.JSON(w, r, DocumentResponse{ID: doc.ID, Content: doc.Content, UpdatedAt: doc.UpdatedAt})
	}
}

// HandleCreate stores a new document under a fresh ULID. The body is
// optional; when present it is {"content": "..."}.
func HandleCreate(store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DocumentCreateRequest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Failed to read request body"})
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"error": "Invalid JSON in request body"})
				return
			}
		}

		id, err := create(r.Context(), store, req.Content)
		if err != nil {
			logrus.WithError(err).Error("Failed to create document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to save document"})
			return
		}

		logrus.WithField("document_id", id).Info("Document created")
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, DocumentCreateResponse{ID: id})
	}
}

func create(ctx context.Context, store core.DocumentStore, content string) (string, error) {
	id := ulid.Make().String()
	err := store.Create(ctx, &core.Document{ID: id, Content: content, UpdatedAt: time.Now()})
	return id, err
}

package versions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"docsync-server/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const flushTimeout = 5 * time.Second

type (
	CreateVersionRequest struct {
		Name string `json:"name"`
	}

	// Flusher waits for pending writes of a document to reach the store.
	Flusher interface {
		Wait(ctx context.Context, documentID string) error
	}
)

// HandleCreateVersion snapshots the stored content of a document. Pending
// writes from the live room are flushed first when flusher is set.
func HandleCreateVersion(store core.VersionStore, flusher Flusher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")

		var req CreateVersionRequest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				logrus.WithField("error", err).Error("Failed to decode request")
				http.Error(w, "Invalid request body", http.StatusBadRequest)
				return
			}
		}

		if flusher != nil {
			ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
			err := flusher.Wait(ctx, documentID)
			cancel()
			if err != nil {
				logrus.WithError(err).WithField("document_id", documentID).Warn("Versioning before pending writes were flushed")
			}
		}

		version, err := store.CreateVersion(r.Context(), documentID, req.Name)
		if err != nil {
			if errors.Is(err, core.ErrDocumentNotFound) {
				http.Error(w, "Document not found", http.StatusNotFound)
				return
			}
			logrus.WithField("error", err).Error("Failed to create version")
			http.Error(w, "Failed to create version", http.StatusInternalServerError)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, version)
	}
}

// HandleListVersions lists the versions of a document, newest first.
func HandleListVersions(store core.VersionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := chi.URLParam(r, "id")

		versions, err := store.ListVersions(r.Context(), documentID)
		if err != nil {
			logrus.WithField("error", err).Error("Failed to list versions")
			http.Error(w, "Failed to list versions", http.StatusInternalServerError)
			return
		}
		if versions == nil {
			versions = []core.Version{}
		}

		render.JSON(w, r, versions)
	}
}

func HandleGetVersion(store core.VersionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versionID := chi.URLParam(r, "versionId")

		version, err := store.GetVersion(r.Context(), versionID)
		if err != nil {
			if errors.Is(err, core.ErrVersionNotFound) {
				http.Error(w, "Version not found", http.StatusNotFound)
				return
			}
			logrus.WithField("error", err).Error("Failed to get version")
			http.Error(w, "Failed to get version", http.StatusInternalServerError)
			return
		}

		render.JSON(w, r, version)
	}
}

func HandleDeleteVersion(store core.VersionStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		versionID := chi.URLParam(r, "versionId")

		if err := store.DeleteVersion(r.Context(), versionID); err != nil {
			if errors.Is(err, core.ErrVersionNotFound) {
				http.Error(w, "Version not found", http.StatusNotFound)
				return
			}
			logrus.WithField("error", err).Error("Failed to delete version")
			http.Error(w, "Failed to delete version", http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

package filesystem

import (
	"context"
	"docsync-server/core"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

const tempSuffix = ".tmp"

type documentStore struct {
	basePath string
}

// NewDocumentStore stores each document as a file named by its id under basePath.
func NewDocumentStore(basePath string) (*documentStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	return &documentStore{basePath: basePath}, nil
}

func (s *documentStore) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	filePath, err := s.path(id)
	if err != nil {
		log.WithError(err).Warn("Rejected document id")
		return nil, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.WithField("error", "document not found").Warn("Document with specified ID not found")
			return nil, fmt.Errorf("document with id %s: %w", id, core.ErrDocumentNotFound)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		log.WithError(err).Error("Failed to get file stats")
		return nil, err
	}

	log.Debug("Document retrieved successfully")
	return &core.Document{ID: id, Content: string(data), UpdatedAt: info.ModTime()}, nil
}

func (s *documentStore) Create(ctx context.Context, document *core.Document) error {
	filePath, err := s.path(document.ID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"file_path":   filePath,
	})

	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			log.Warn("Document already exists")
			return fmt.Errorf("document with id %s: %w", document.ID, core.ErrDocumentExists)
		}
		log.WithError(err).Error("Failed to create document")
		return err
	}
	_, werr := f.WriteString(document.Content)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		log.WithError(werr).Error("Failed to write document")
		return werr
	}

	log.Info("Document created successfully")
	return nil
}

// Update replaces the file through a rename so readers never see a partial write.
func (s *documentStore) Update(ctx context.Context, document *core.Document) error {
	filePath, err := s.path(document.ID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{
		"document_id": document.ID,
		"data_length": len(document.Content),
	})

	tmp, err := os.CreateTemp(s.basePath, document.ID+"-*"+tempSuffix)
	if err != nil {
		log.WithError(err).Error("Failed to create temp file")
		return err
	}
	tmpPath := tmp.Name()

	werr := tmp.Chmod(0644)
	if werr == nil {
		_, werr = tmp.WriteString(document.Content)
	}
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmpPath, filePath)
	}
	if werr != nil {
		_ = os.Remove(tmpPath)
		log.WithError(werr).Error("Failed to update document")
		return werr
	}

	log.Info("Document updated successfully")
	return nil
}

func (s *documentStore) ListIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		logrus.WithError(err).WithField("path", s.basePath).Error("Failed to read storage directory")
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), tempSuffix) {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// path maps an id to its file, rejecting ids that would escape basePath.
func (s *documentStore) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasSuffix(id, tempSuffix) {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidID, id)
	}

	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", err
	}
	absFile, err := filepath.Abs(filepath.Join(s.basePath, id))
	if err != nil {
		return "", err
	}
	if filepath.Dir(absFile) != absBase {
		return "", fmt.Errorf("%w: %q", core.ErrInvalidID, id)
	}
	return absFile, nil
}

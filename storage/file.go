package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nodeup-sh/provisioning-backend/interfaces"
)

// templateExtension is appended to the workload name to form the template
// file name.
const templateExtension = ".sh.tpl"

// FileTemplateStore serves bootstrap templates from a local directory, one
// file per workload.
type FileTemplateStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileTemplateStore creates a filesystem template store over baseDir.
func NewFileTemplateStore(baseDir string, log *slog.Logger) (*FileTemplateStore, error) {
	info, err := os.Stat(baseDir)
	if err != nil {
		return nil, fmt.Errorf("template directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("template path is not a directory: %s", baseDir)
	}

	return &FileTemplateStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Load reads the template file for a workload. Returns ErrTemplateNotFound
// if no file exists.
func (s *FileTemplateStore) Load(_ context.Context, workload string) ([]byte, error) {
	path := filepath.Join(s.baseDir, filepath.Base(workload)+templateExtension)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrTemplateNotFound
		}
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	s.log.Debug("Loaded template from file",
		slog.String("path", path),
		slog.Int("size", len(data)))
	return data, nil
}

// LocationURI returns the URI that identifies this template store.
func (s *FileTemplateStore) LocationURI() string {
	return s.locationURI
}

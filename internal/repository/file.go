package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"possync/internal/models"

	"github.com/rs/zerolog"
)

// FileOperationStore keeps the queue as a single JSON document. Writes go to a
// temp file in the same directory and are renamed over the target, so a crash
// leaves either the previous or the new snapshot on disk.
type FileOperationStore struct {
	path   string
	logger *zerolog.Logger
	mu     sync.Mutex
}

func NewFileOperationStore(path string, logger *zerolog.Logger) (*FileOperationStore, error) {
	if path == "" {
		return nil, errors.New("file store path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &FileOperationStore{path: path, logger: logger}, nil
}

func (s *FileOperationStore) Save(ctx context.Context, ops []models.QueuedOperation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeOperations(ops)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write queue snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync queue snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close queue snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace queue snapshot: %w", err)
	}
	return nil
}

func (s *FileOperationStore) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []models.QueuedOperation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue snapshot: %w", err)
	}
	return DecodeOperations(data, s.logger), nil
}

func (s *FileOperationStore) Close() error { return nil }

// Path returns the snapshot location.
func (s *FileOperationStore) Path() string { return s.path }

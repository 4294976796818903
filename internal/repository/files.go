package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
)

// fileStore implements interfaces.FileStore on badgerhold.
type fileStore struct {
	db *DB
	mu sync.Mutex
}

// NewFileStore creates a store for artifact metadata records.
func NewFileStore(db *DB) interfaces.FileStore {
	return &fileStore{db: db}
}

func (s *fileStore) Get(ctx context.Context, id int) (*models.FileOrFolder, error) {
	var f models.FileOrFolder
	if err := s.db.Store().Get(id, &f); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("file record %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get file record %d: %w", id, err)
	}
	return &f, nil
}

func (s *fileStore) Insert(ctx context.Context, f *models.FileOrFolder) error {
	if f.ID == 0 {
		id, err := s.db.NextID("files")
		if err != nil {
			return err
		}
		f.ID = id
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if err := s.db.Store().Insert(f.ID, f); err != nil {
		return fmt.Errorf("failed to insert file record: %w", err)
	}
	return nil
}

func (s *fileStore) Update(ctx context.Context, id int, fn func(*models.FileOrFolder) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		return err
	}
	f.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(id, f); err != nil {
		return fmt.Errorf("failed to update file record %d: %w", id, err)
	}
	return nil
}

// ListExpired returns artifact records past their deletion date that
// have not already been removed.
func (s *fileStore) ListExpired(ctx context.Context) ([]*models.FileOrFolder, error) {
	var files []models.FileOrFolder
	query := badgerhold.Where("DeletionDate").Lt(time.Now().UTC()).
		And("Status").Ne(models.FileStatusDeleted)
	if err := s.db.Store().Find(&files, query); err != nil {
		return nil, fmt.Errorf("failed to list expired file records: %w", err)
	}
	result := make([]*models.FileOrFolder, len(files))
	for i := range files {
		result[i] = &files[i]
	}
	return result, nil
}

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

// templateStore implements interfaces.TemplateStore on badgerhold.
type templateStore struct {
	db *DB
	mu sync.Mutex
}

// NewTemplateStore creates a template store backed by db.
func NewTemplateStore(db *DB) interfaces.TemplateStore {
	return &templateStore{db: db}
}

func (s *templateStore) Get(ctx context.Context, id int) (*models.Template, error) {
	var t models.Template
	if err := s.db.Store().Get(id, &t); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("template %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get template %d: %w", id, err)
	}
	return &t, nil
}

func (s *templateStore) Insert(ctx context.Context, t *models.Template) error {
	if t.ID == 0 {
		id, err := s.db.NextID("templates")
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	if err := s.db.Store().Insert(t.ID, t); err != nil {
		return fmt.Errorf("failed to insert template: %w", err)
	}
	return nil
}

// Update serializes read-modify-write cycles on templates so
// concurrent result consumers cannot lose each other's writes.
func (s *templateStore) Update(ctx context.Context, id int, fn func(*models.Template) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(id, t); err != nil {
		return fmt.Errorf("failed to update template %d: %w", id, err)
	}
	return nil
}

// Delete removes the template and every job that references it. Jobs
// cannot run without their template, so orphaned records would only
// confuse listings.
func (s *templateStore) Delete(ctx context.Context, id int) error {
	if err := s.db.Store().Delete(id, &models.Template{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return fmt.Errorf("template %d: %w", id, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to delete template %d: %w", id, err)
	}

	if err := s.db.Store().DeleteMatching(&models.TemplateConfigJob{}, badgerhold.Where("TemplateID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete template %d config jobs: %w", id, err)
	}
	if err := s.db.Store().DeleteMatching(&models.MarkingConfigJob{}, badgerhold.Where("TemplateID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete template %d marking config jobs: %w", id, err)
	}
	if err := s.db.Store().DeleteMatching(&models.MarkingJob{}, badgerhold.Where("TemplateID").Eq(id)); err != nil {
		return fmt.Errorf("failed to delete template %d marking jobs: %w", id, err)
	}
	return nil
}

func (s *templateStore) List(ctx context.Context, owner int) ([]*models.Template, error) {
	var templates []models.Template
	query := badgerhold.Where("Owner").Eq(owner).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&templates, query); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	result := make([]*models.Template, len(templates))
	for i := range templates {
		result[i] = &templates[i]
	}
	return result, nil
}

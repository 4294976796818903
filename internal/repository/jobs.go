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

// templateConfigJobStore implements interfaces.TemplateConfigJobStore.
type templateConfigJobStore struct {
	db *DB
	mu sync.Mutex
}

// NewTemplateConfigJobStore creates a store for template-config jobs.
func NewTemplateConfigJobStore(db *DB) interfaces.TemplateConfigJobStore {
	return &templateConfigJobStore{db: db}
}

func (s *templateConfigJobStore) Get(ctx context.Context, id int) (*models.TemplateConfigJob, error) {
	var job models.TemplateConfigJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("template config job %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get template config job %d: %w", id, err)
	}
	return &job, nil
}

func (s *templateConfigJobStore) Insert(ctx context.Context, job *models.TemplateConfigJob) error {
	if err := stampForInsert(s.db, "template_config_jobs", &job.JobRecord); err != nil {
		return err
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to insert template config job: %w", err)
	}
	return nil
}

func (s *templateConfigJobStore) Update(ctx context.Context, id int, fn func(*models.TemplateConfigJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(id, job); err != nil {
		return fmt.Errorf("failed to update template config job %d: %w", id, err)
	}
	return nil
}

func (s *templateConfigJobStore) ListByTemplate(ctx context.Context, templateID int) ([]*models.TemplateConfigJob, error) {
	var jobs []models.TemplateConfigJob
	query := badgerhold.Where("TemplateID").Eq(templateID).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list template config jobs: %w", err)
	}
	result := make([]*models.TemplateConfigJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// markingConfigJobStore implements interfaces.MarkingConfigJobStore.
type markingConfigJobStore struct {
	db *DB
	mu sync.Mutex
}

// NewMarkingConfigJobStore creates a store for marking-config jobs.
func NewMarkingConfigJobStore(db *DB) interfaces.MarkingConfigJobStore {
	return &markingConfigJobStore{db: db}
}

func (s *markingConfigJobStore) Get(ctx context.Context, id int) (*models.MarkingConfigJob, error) {
	var job models.MarkingConfigJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("marking config job %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get marking config job %d: %w", id, err)
	}
	return &job, nil
}

func (s *markingConfigJobStore) Insert(ctx context.Context, job *models.MarkingConfigJob) error {
	if err := stampForInsert(s.db, "marking_config_jobs", &job.JobRecord); err != nil {
		return err
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to insert marking config job: %w", err)
	}
	return nil
}

func (s *markingConfigJobStore) Update(ctx context.Context, id int, fn func(*models.MarkingConfigJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(id, job); err != nil {
		return fmt.Errorf("failed to update marking config job %d: %w", id, err)
	}
	return nil
}

// markingJobStore implements interfaces.MarkingJobStore.
type markingJobStore struct {
	db *DB
	mu sync.Mutex
}

// NewMarkingJobStore creates a store for batch marking jobs.
func NewMarkingJobStore(db *DB) interfaces.MarkingJobStore {
	return &markingJobStore{db: db}
}

func (s *markingJobStore) Get(ctx context.Context, id int) (*models.MarkingJob, error) {
	var job models.MarkingJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("marking job %d: %w", id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get marking job %d: %w", id, err)
	}
	return &job, nil
}

func (s *markingJobStore) Insert(ctx context.Context, job *models.MarkingJob) error {
	if err := stampForInsert(s.db, "marking_jobs", &job.JobRecord); err != nil {
		return err
	}
	if err := s.db.Store().Insert(job.ID, job); err != nil {
		return fmt.Errorf("failed to insert marking job: %w", err)
	}
	return nil
}

func (s *markingJobStore) Update(ctx context.Context, id int, fn func(*models.MarkingJob) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	if err := s.db.Store().Update(id, job); err != nil {
		return fmt.Errorf("failed to update marking job %d: %w", id, err)
	}
	return nil
}

func (s *markingJobStore) ListByTemplate(ctx context.Context, templateID int) ([]*models.MarkingJob, error) {
	var jobs []models.MarkingJob
	query := badgerhold.Where("TemplateID").Eq(templateID).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list marking jobs: %w", err)
	}
	result := make([]*models.MarkingJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// stampForInsert allocates an id if unset and initializes timestamps
// and the starting status on a fresh job record.
func stampForInsert(db *DB, seq string, rec *models.JobRecord) error {
	if rec.ID == 0 {
		id, err := db.NextID(seq)
		if err != nil {
			return err
		}
		rec.ID = id
	}
	if rec.Status == "" {
		rec.Status = models.JobStatusPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	return nil
}

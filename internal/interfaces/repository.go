package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/sheetmark/internal/models"
)

// ErrNotFound is returned when a record does not exist. Callers must
// not treat it as transient.
var ErrNotFound = errors.New("record not found")

// TemplateStore is CRUD over templates.
type TemplateStore interface {
	Get(ctx context.Context, id int) (*models.Template, error)
	Insert(ctx context.Context, t *models.Template) error
	// Update applies fn to the stored record and writes it back.
	// Writes to a record are serialized through the store.
	Update(ctx context.Context, id int, fn func(*models.Template) error) error
	Delete(ctx context.Context, id int) error
	List(ctx context.Context, owner int) ([]*models.Template, error)
}

// TemplateConfigJobStore is CRUD over template-configuration jobs.
type TemplateConfigJobStore interface {
	Get(ctx context.Context, id int) (*models.TemplateConfigJob, error)
	Insert(ctx context.Context, j *models.TemplateConfigJob) error
	Update(ctx context.Context, id int, fn func(*models.TemplateConfigJob) error) error
	ListByTemplate(ctx context.Context, templateID int) ([]*models.TemplateConfigJob, error)
}

// MarkingConfigJobStore is CRUD over marking-configuration jobs.
type MarkingConfigJobStore interface {
	Get(ctx context.Context, id int) (*models.MarkingConfigJob, error)
	Insert(ctx context.Context, j *models.MarkingConfigJob) error
	Update(ctx context.Context, id int, fn func(*models.MarkingConfigJob) error) error
}

// MarkingJobStore is CRUD over batch marking jobs.
type MarkingJobStore interface {
	Get(ctx context.Context, id int) (*models.MarkingJob, error)
	Insert(ctx context.Context, j *models.MarkingJob) error
	Update(ctx context.Context, id int, fn func(*models.MarkingJob) error) error
	ListByTemplate(ctx context.Context, templateID int) ([]*models.MarkingJob, error)
}

// FileStore is CRUD over artifact metadata records.
type FileStore interface {
	Get(ctx context.Context, id int) (*models.FileOrFolder, error)
	Insert(ctx context.Context, f *models.FileOrFolder) error
	Update(ctx context.Context, id int, fn func(*models.FileOrFolder) error) error
	ListExpired(ctx context.Context) ([]*models.FileOrFolder, error)
}

// Repository is the narrow persistence surface the pipeline consumes.
// The HTTP edge owns record creation; producers and consumers only
// read jobs and flip their status fields.
type Repository interface {
	Templates() TemplateStore
	TemplateConfigJobs() TemplateConfigJobStore
	MarkingConfigJobs() MarkingConfigJobStore
	MarkingJobs() MarkingJobStore
	Files() FileStore
	Close() error
}

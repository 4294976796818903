package repository

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
)

// badgerRepository bundles the typed stores over one database.
type badgerRepository struct {
	db                 *DB
	templates          interfaces.TemplateStore
	templateConfigJobs interfaces.TemplateConfigJobStore
	markingConfigJobs  interfaces.MarkingConfigJobStore
	markingJobs        interfaces.MarkingJobStore
	files              interfaces.FileStore
}

// Open creates the repository over a Badger database at the configured
// path.
func Open(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.Repository, error) {
	db, err := OpenDB(logger, config)
	if err != nil {
		return nil, err
	}
	return FromDB(db), nil
}

// FromDB builds the repository over an already open database. Tests
// use this with a throwaway temp-dir database.
func FromDB(db *DB) interfaces.Repository {
	return &badgerRepository{
		db:                 db,
		templates:          NewTemplateStore(db),
		templateConfigJobs: NewTemplateConfigJobStore(db),
		markingConfigJobs:  NewMarkingConfigJobStore(db),
		markingJobs:        NewMarkingJobStore(db),
		files:              NewFileStore(db),
	}
}

func (r *badgerRepository) Templates() interfaces.TemplateStore { return r.templates }

func (r *badgerRepository) TemplateConfigJobs() interfaces.TemplateConfigJobStore {
	return r.templateConfigJobs
}

func (r *badgerRepository) MarkingConfigJobs() interfaces.MarkingConfigJobStore {
	return r.markingConfigJobs
}

func (r *badgerRepository) MarkingJobs() interfaces.MarkingJobStore { return r.markingJobs }

func (r *badgerRepository) Files() interfaces.FileStore { return r.files }

func (r *badgerRepository) Close() error { return r.db.Close() }

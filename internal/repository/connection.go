package repository

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// DB wraps the badgerhold store shared by every record store.
type DB struct {
	store  *badgerhold.Store
	logger arbor.ILogger

	seqMu     sync.Mutex
	sequences map[string]*badger.Sequence
}

// OpenDB opens (and if configured, resets) the Badger database at the
// configured path.
func OpenDB(logger arbor.ILogger, config *common.BadgerConfig) (*DB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Deleting existing database (reset_on_startup=true)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to delete database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // use arbor instead of badger's default logger

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database initialized")

	return &DB{
		store:     store,
		logger:    logger,
		sequences: make(map[string]*badger.Sequence),
	}, nil
}

// Store returns the underlying badgerhold store.
func (d *DB) Store() *badgerhold.Store {
	return d.store
}

// NextID allocates the next id for a record type from a named badger
// sequence. Sequence 0 is skipped so a zero ID always means "unset".
func (d *DB) NextID(name string) (int, error) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()

	seq, ok := d.sequences[name]
	if !ok {
		var err error
		seq, err = d.store.Badger().GetSequence([]byte("_seq_"+name), 32)
		if err != nil {
			return 0, fmt.Errorf("failed to open sequence %s: %w", name, err)
		}
		d.sequences[name] = seq
	}

	for {
		n, err := seq.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to advance sequence %s: %w", name, err)
		}
		if n != 0 {
			return int(n), nil
		}
	}
}

// Close releases the id sequences and closes the database connection.
func (d *DB) Close() error {
	d.seqMu.Lock()
	for _, seq := range d.sequences {
		if err := seq.Release(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release id sequence")
		}
	}
	d.sequences = nil
	d.seqMu.Unlock()

	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

package artifacts

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
)

// Cleaner removes expired artifacts from the shared store on a cron
// schedule and marks their records deleted.
type Cleaner struct {
	cfg    *common.CleanupConfig
	store  interfaces.ArtifactStore
	files  interfaces.FileStore
	cron   *cron.Cron
	logger arbor.ILogger
}

// NewCleaner builds the retention sweep.
func NewCleaner(cfg *common.CleanupConfig, store interfaces.ArtifactStore, files interfaces.FileStore, logger arbor.ILogger) *Cleaner {
	return &Cleaner{
		cfg:    cfg,
		store:  store,
		files:  files,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules the sweep. A disabled config is a no-op.
func (c *Cleaner) Start() error {
	if !c.cfg.Enabled {
		c.logger.Info().Msg("Artifact cleanup disabled")
		return nil
	}
	_, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		if err := c.Sweep(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("Artifact cleanup sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cleanup schedule %q: %w", c.cfg.Schedule, err)
	}
	c.cron.Start()
	c.logger.Info().Str("schedule", c.cfg.Schedule).Msg("Artifact cleanup scheduled")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Sweep deletes every artifact past its deletion date. A failure on
// one record is logged and does not stop the sweep.
func (c *Cleaner) Sweep(ctx context.Context) error {
	expired, err := c.files.ListExpired(ctx)
	if err != nil {
		return err
	}

	removed := 0
	for _, record := range expired {
		if err := c.store.Delete(record.Path); err != nil {
			c.logger.Warn().Err(err).Str("path", record.Path).Msg("Failed to delete expired artifact")
			continue
		}
		err := c.files.Update(ctx, record.ID, func(f *models.FileOrFolder) error {
			f.Status = models.FileStatusDeleted
			return nil
		})
		if err != nil {
			c.logger.Warn().Err(err).Int("file_id", record.ID).Msg("Failed to mark artifact record deleted")
			continue
		}
		removed++
	}

	c.logger.Info().Int("expired", len(expired)).Int("removed", removed).Msg("Artifact cleanup sweep finished")
	return nil
}

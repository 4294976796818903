package consumers

import (
	"context"
	"encoding/json"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
)

// Consumers applies worker result envelopes back onto job records.
// One loop per result queue; each applies exactly the terminal
// transition for its kind. Envelopes for unknown jobs are logged and
// acked, and envelopes for jobs already in a terminal state are acked
// without changes, so redeliveries are harmless.
type Consumers struct {
	broker   interfaces.Broker
	repo     interfaces.Repository
	registry *registry.Registry
	logger   arbor.ILogger
}

// New builds the result consumers.
func New(broker interfaces.Broker, repo interfaces.Repository, reg *registry.Registry, logger arbor.ILogger) *Consumers {
	return &Consumers{broker: broker, repo: repo, registry: reg, logger: logger}
}

// Run starts the three control-plane result loops and blocks until ctx
// is cancelled or a loop fails. Index-task results are not consumed
// here; the marking orchestrator owns that queue.
func (c *Consumers) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	loops := []struct {
		kind    registry.Kind
		handler interfaces.MessageHandler
	}{
		{registry.KindTemplateConfig, c.handleTemplateConfigResult},
		{registry.KindMarkingConfig, c.handleMarkingConfigResult},
		{registry.KindMarking, c.handleMarkingResult},
	}
	for _, loop := range loops {
		route, err := c.registry.Route(loop.kind)
		if err != nil {
			return err
		}
		handler := loop.handler
		group.Go(func() error {
			return c.broker.Consume(ctx, route.ResultQueue, handler)
		})
	}
	return group.Wait()
}

// decode parses a result envelope. A nil envelope with nil error means
// the body was malformed and should be acked; redelivery cannot fix it.
func (c *Consumers) decode(queueKind string, body []byte) *models.ResultEnvelope {
	var envelope models.ResultEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		c.logger.Warn().Err(err).Str("kind", queueKind).Msg("Discarding malformed result envelope")
		return nil
	}
	return &envelope
}

func (c *Consumers) handleTemplateConfigResult(ctx context.Context, body []byte) error {
	envelope := c.decode("template_config", body)
	if envelope == nil {
		return nil
	}

	job, err := c.repo.TemplateConfigJobs().Get(ctx, envelope.JobID)
	if err != nil {
		c.logOrphan("template_config", envelope.JobID, err)
		return nil
	}
	if job.IsTerminal() {
		c.logger.Debug().Int("job_id", job.ID).Str("status", string(job.Status)).Msg("Ignoring result for terminal job")
		return nil
	}

	var result models.TemplateConfigResult
	var layout struct {
		Metadata struct {
			NumQuestions       int `json:"num_questions"`
			OptionsPerQuestion int `json:"options_per_question"`
		} `json:"metadata"`
	}
	if envelope.Completed() {
		if err := envelope.DecodeResult(&result); err != nil {
			c.logger.Warn().Err(err).Int("job_id", envelope.JobID).Msg("Discarding template config result with bad payload")
			return nil
		}
		if len(result.BubbleConfig) > 0 {
			if err := json.Unmarshal(result.BubbleConfig, &layout); err != nil {
				c.logger.Warn().Err(err).Int("job_id", envelope.JobID).Msg("Template config result carries unreadable bubble config")
			}
		}
	}

	err = c.repo.TemplateConfigJobs().Update(ctx, job.ID, func(j *models.TemplateConfigJob) error {
		if !envelope.Completed() {
			j.MarkFailed(envelope.ErrorMessage)
			return nil
		}
		j.MarkCompleted()
		j.TemplateConfigPath = result.TemplateConfigPath
		j.ResultImagePath = result.ResultImagePath
		if dims := result.ImageDimensions; dims != nil {
			j.OriginalImageWidth = dims.OriginalWidth
			j.OriginalImageHeight = dims.OriginalHeight
			j.ProcessedImageWidth = dims.ProcessedWidth
			j.ProcessedImageHeight = dims.ProcessedHeight
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The template record mirrors its configuration job's outcome and
	// picks up the detected layout.
	err = c.repo.Templates().Update(ctx, job.TemplateID, func(t *models.Template) error {
		if envelope.Completed() {
			t.Status = models.JobStatusCompleted
			t.ConfigurationFilePath = result.TemplateConfigPath
			t.NumQuestions = layout.Metadata.NumQuestions
			t.OptionsPerQuestion = layout.Metadata.OptionsPerQuestion
		} else {
			t.Status = models.JobStatusFailed
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logResult("template_config", envelope)
	return nil
}

func (c *Consumers) handleMarkingConfigResult(ctx context.Context, body []byte) error {
	envelope := c.decode("marking_config", body)
	if envelope == nil {
		return nil
	}

	job, err := c.repo.MarkingConfigJobs().Get(ctx, envelope.JobID)
	if err != nil {
		c.logOrphan("marking_config", envelope.JobID, err)
		return nil
	}
	if job.IsTerminal() {
		c.logger.Debug().Int("job_id", job.ID).Str("status", string(job.Status)).Msg("Ignoring result for terminal job")
		return nil
	}

	err = c.repo.MarkingConfigJobs().Update(ctx, job.ID, func(j *models.MarkingConfigJob) error {
		if !envelope.Completed() {
			j.MarkFailed(envelope.ErrorMessage)
			return nil
		}
		var result models.MarkingConfigResult
		if err := envelope.DecodeResult(&result); err == nil && result.MarkingConfigPath != "" {
			j.MarkingConfigPath = result.MarkingConfigPath
		}
		j.MarkCompleted()
		return nil
	})
	if err != nil {
		return err
	}

	c.logResult("marking_config", envelope)
	return nil
}

func (c *Consumers) handleMarkingResult(ctx context.Context, body []byte) error {
	envelope := c.decode("marking_job", body)
	if envelope == nil {
		return nil
	}

	job, err := c.repo.MarkingJobs().Get(ctx, envelope.JobID)
	if err != nil {
		c.logOrphan("marking_job", envelope.JobID, err)
		return nil
	}
	if job.IsTerminal() {
		c.logger.Debug().Int("job_id", job.ID).Str("status", string(job.Status)).Msg("Ignoring result for terminal job")
		return nil
	}

	err = c.repo.MarkingJobs().Update(ctx, job.ID, func(j *models.MarkingJob) error {
		if !envelope.Completed() {
			j.MarkFailed(envelope.ErrorMessage)
			return nil
		}
		var result models.MarkingResult
		if err := envelope.DecodeResult(&result); err != nil {
			j.MarkFailed("marking result payload could not be decoded")
			return nil
		}
		j.OutputPath = result.OutputPath
		j.IntermediateResultsPath = result.IntermediateResultsPath
		j.ResultsSummary = result.ResultsSummary
		// ApplyProgress derives COMPLETED or FAILED from the batch
		// counters, not from the envelope status alone.
		j.ApplyProgress(result.TotalAnswerSheets, result.ProcessedAnswerSheets, result.FailedAnswerSheets)
		return nil
	})
	if err != nil {
		return err
	}

	c.logResult("marking_job", envelope)
	return nil
}

func (c *Consumers) logOrphan(kind string, jobID int, err error) {
	c.logger.Warn().Err(err).Str("kind", kind).Int("job_id", jobID).Msg("Discarding result for unknown job")
}

func (c *Consumers) logResult(kind string, envelope *models.ResultEnvelope) {
	event := c.logger.Info().Str("kind", kind).Int("job_id", envelope.JobID).Str("status", envelope.Status)
	if envelope.ErrorMessage != "" {
		event = event.Str("error_message", envelope.ErrorMessage)
	}
	event.Msg("Applied job result")
}

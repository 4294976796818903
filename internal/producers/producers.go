package producers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
)

// Producer turns persisted job records into queued broker messages.
// Each Submit performs the PENDING to QUEUED transition, persists it,
// then publishes; a publish failure marks the record FAILED so no job
// is left QUEUED without a message in flight.
type Producer struct {
	broker   interfaces.Broker
	repo     interfaces.Repository
	registry *registry.Registry
	logger   arbor.ILogger
}

// New builds a producer over the broker and repository.
func New(broker interfaces.Broker, repo interfaces.Repository, reg *registry.Registry, logger arbor.ILogger) *Producer {
	return &Producer{broker: broker, repo: repo, registry: reg, logger: logger}
}

// SubmitTemplateConfig queues a template-configuration job.
func (p *Producer) SubmitTemplateConfig(ctx context.Context, jobID int) error {
	job, err := p.repo.TemplateConfigJobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("template config job %d is %s, not pending", jobID, job.Status)
	}

	// Default the output paths with a fresh suffix so each artifact has
	// exactly one writer.
	if job.TemplateConfigPath == "" || job.OutputImagePath == "" {
		suffix := common.NewArtifactSuffix()
		if job.TemplateConfigPath == "" {
			job.TemplateConfigPath = fmt.Sprintf("template_configs/config_%s.json", suffix)
		}
		if job.OutputImagePath == "" {
			job.OutputImagePath = fmt.Sprintf("template_configs/warped_%s.png", suffix)
		}
		if err := p.repo.TemplateConfigJobs().Update(ctx, job.ID, func(j *models.TemplateConfigJob) error {
			j.TemplateConfigPath = job.TemplateConfigPath
			j.OutputImagePath = job.OutputImagePath
			return nil
		}); err != nil {
			return err
		}
	}

	request := models.TemplateConfigRequest{
		ID:                      job.ID,
		Name:                    job.Name,
		ConfigType:              job.ConfigType,
		TemplatePath:            job.TemplatePath,
		TemplateConfigPath:      job.TemplateConfigPath,
		OutputImagePath:         job.OutputImagePath,
		ResultImagePath:         job.ResultImagePath,
		NumOfColumns:            job.NumOfColumns,
		NumOfRowsPerColumn:      job.NumOfRowsPerColumn,
		NumOfOptionsPerQuestion: job.NumOfOptionsPerQuestion,
		SaveIntermediateResults: job.SaveIntermediateResults,
	}

	mark := func(markErr string) error {
		return p.repo.TemplateConfigJobs().Update(ctx, job.ID, func(j *models.TemplateConfigJob) error {
			applyMark(&j.JobRecord, markErr)
			return nil
		})
	}

	if err := p.publish(ctx, registry.KindTemplateConfig, job.ID, job.Priority, request, mark); err != nil {
		// The job is already FAILED; keep the template mirror in step.
		if mirrorErr := p.repo.Templates().Update(ctx, job.TemplateID, func(t *models.Template) error {
			t.Status = models.JobStatusFailed
			return nil
		}); mirrorErr != nil {
			p.logger.Warn().Err(mirrorErr).Int("template_id", job.TemplateID).Msg("Could not mirror publish failure onto template")
		}
		return err
	}

	// Template status mirrors its configuration job.
	return p.repo.Templates().Update(ctx, job.TemplateID, func(t *models.Template) error {
		t.Status = models.JobStatusQueued
		return nil
	})
}

// SubmitMarkingConfig queues a marking-configuration job. The backing
// template must already be configured.
func (p *Producer) SubmitMarkingConfig(ctx context.Context, jobID int) error {
	job, err := p.repo.MarkingConfigJobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("marking config job %d is %s, not pending", jobID, job.Status)
	}

	mark := func(markErr string) error {
		return p.repo.MarkingConfigJobs().Update(ctx, job.ID, func(j *models.MarkingConfigJob) error {
			applyMark(&j.JobRecord, markErr)
			return nil
		})
	}

	template, err := p.repo.Templates().Get(ctx, job.TemplateID)
	if err != nil {
		return err
	}
	if !template.IsConfigured() {
		failMsg := fmt.Sprintf("template %d is not configured", template.ID)
		if updateErr := mark(failMsg); updateErr != nil {
			return updateErr
		}
		return fmt.Errorf("marking config job %d: %s", job.ID, failMsg)
	}

	if job.MarkingConfigPath == "" {
		job.MarkingConfigPath = fmt.Sprintf("marking_configs/config_%s.json", common.NewArtifactSuffix())
		if err := p.repo.MarkingConfigJobs().Update(ctx, job.ID, func(j *models.MarkingConfigJob) error {
			j.MarkingConfigPath = job.MarkingConfigPath
			return nil
		}); err != nil {
			return err
		}
	}

	request := models.MarkingConfigRequest{
		ID:                      job.ID,
		Name:                    job.Name,
		ConfigType:              template.ConfigType,
		TemplatePath:            template.TemplateFilePath,
		MarkingSchemePath:       job.MarkingSchemePath,
		TemplateConfigPath:      template.ConfigurationFilePath,
		MarkingConfigPath:       job.MarkingConfigPath,
		SaveIntermediateResults: job.SaveIntermediateResults,
	}

	return p.publish(ctx, registry.KindMarkingConfig, job.ID, job.Priority, request, mark)
}

// SubmitMarking queues a batch marking job. The backing template must
// already be configured.
func (p *Producer) SubmitMarking(ctx context.Context, jobID int) error {
	job, err := p.repo.MarkingJobs().Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusPending {
		return fmt.Errorf("marking job %d is %s, not pending", jobID, job.Status)
	}

	mark := func(markErr string) error {
		return p.repo.MarkingJobs().Update(ctx, job.ID, func(j *models.MarkingJob) error {
			applyMark(&j.JobRecord, markErr)
			return nil
		})
	}

	template, err := p.repo.Templates().Get(ctx, job.TemplateID)
	if err != nil {
		return err
	}
	if !template.IsConfigured() {
		failMsg := fmt.Sprintf("template %d is not configured", template.ID)
		if updateErr := mark(failMsg); updateErr != nil {
			return updateErr
		}
		return fmt.Errorf("marking job %d: %s", job.ID, failMsg)
	}

	if job.OutputPath == "" {
		job.OutputPath = fmt.Sprintf("results/results_%s.xlsx", common.NewArtifactSuffix())
		if err := p.repo.MarkingJobs().Update(ctx, job.ID, func(j *models.MarkingJob) error {
			j.OutputPath = job.OutputPath
			return nil
		}); err != nil {
			return err
		}
	}

	request := models.MarkingRequest{
		ID:                      job.ID,
		Name:                    job.Name,
		TemplateID:              template.ID,
		TemplatePath:            template.TemplateFilePath,
		TemplateConfigPath:      template.ConfigurationFilePath,
		ConfigType:              template.ConfigType,
		MarkingSchemePath:       job.MarkingSchemePath,
		AnswerSheetsFolderPath:  job.AnswerSheetsFolderPath,
		OutputPath:              job.OutputPath,
		IntermediateResultsPath: job.IntermediateResultsPath,
		SaveIntermediateResults: job.SaveIntermediateResults,
	}

	return p.publish(ctx, registry.KindMarking, job.ID, job.Priority, request, mark)
}

// applyMark flips a record to QUEUED or FAILED.
func applyMark(rec *models.JobRecord, markErr string) {
	if markErr == "" {
		rec.MarkQueued()
		return
	}
	rec.MarkFailed(markErr)
}

// publish stamps QUEUED through mark, persists, and sends the request.
// A publish failure is recorded as FAILED on the job.
func (p *Producer) publish(ctx context.Context, kind registry.Kind, jobID int, priority models.JobPriority, request any, mark func(markErr string) error) error {
	route, err := p.registry.Route(kind)
	if err != nil {
		return err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", kind, err)
	}

	if err := mark(""); err != nil {
		return err
	}

	if priority == "" {
		priority = route.DefaultPriority
	}

	if err := p.broker.Publish(ctx, route.RequestKey, body, priority.BrokerValue()); err != nil {
		p.logger.Error().Err(err).Str("kind", string(kind)).Int("job_id", jobID).Msg("Publish failed, marking job failed")
		if markErr := mark("failed to queue job: broker publish error"); markErr != nil {
			p.logger.Error().Err(markErr).Int("job_id", jobID).Msg("Failed to record publish failure")
		}
		return err
	}

	p.logger.Info().Str("kind", string(kind)).Int("job_id", jobID).Str("priority", string(priority)).Msg("Job queued")
	return nil
}

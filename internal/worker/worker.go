// Package worker consumes job requests off the broker, runs the
// image-processing pipelines, and publishes one result envelope per
// job. It never writes terminal job states itself; the control plane's
// result consumers own those transitions.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/ternarybob/arbor"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/marking"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/templateconfig"
	"github.com/ternarybob/sheetmark/internal/vision"
)

const cancelledMessage = "cancelled"

// Worker processes the three request queues. The repository is
// optional: when the worker shares a process with the control plane it
// stamps QUEUED jobs PROCESSING and honors cancellation requests;
// without it, jobs run as delivered.
type Worker struct {
	broker   interfaces.Broker
	store    interfaces.ArtifactStore
	repo     interfaces.Repository
	registry *registry.Registry
	orch     *marking.Orchestrator
	logger   arbor.ILogger
}

// New builds a worker. repo may be nil.
func New(broker interfaces.Broker, store interfaces.ArtifactStore, repo interfaces.Repository, reg *registry.Registry, cfg *common.MarkingConfig, logger arbor.ILogger) *Worker {
	w := &Worker{
		broker:   broker,
		store:    store,
		repo:     repo,
		registry: reg,
		orch:     marking.NewOrchestrator(broker, store, reg, cfg, logger),
		logger:   logger,
	}
	if repo != nil {
		// Long batches re-check the record between sheets so a cancel
		// request does not wait for the whole folder.
		w.orch.SetCancelCheck(func(ctx context.Context, jobID int) bool {
			return w.jobCancelled(ctx, registry.KindMarking, jobID)
		})
	}
	return w
}

// Run consumes all three request queues until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	consumers := map[registry.Kind]interfaces.MessageHandler{
		registry.KindTemplateConfig: w.HandleTemplateConfig,
		registry.KindMarkingConfig:  w.HandleMarkingConfig,
		registry.KindMarking:        w.HandleMarking,
	}

	g, gctx := errgroup.WithContext(ctx)
	for kind, handler := range consumers {
		route, err := w.registry.Route(kind)
		if err != nil {
			return err
		}
		queue, h := route.RequestQueue, handler
		g.Go(func() error {
			return w.broker.Consume(gctx, queue, h)
		})
	}
	return g.Wait()
}

// HandleTemplateConfig runs one template-configuration request.
func (w *Worker) HandleTemplateConfig(ctx context.Context, body []byte) error {
	var req models.TemplateConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.logger.Warn().Err(err).Msg("Malformed template config request dropped")
		return nil
	}

	route, err := w.registry.Route(registry.KindTemplateConfig)
	if err != nil {
		return err
	}

	if w.jobCancelled(ctx, registry.KindTemplateConfig, req.ID) {
		return w.publishResult(ctx, route, models.NewFailedEnvelope(req.ID, cancelledMessage))
	}
	w.stampProcessing(ctx, registry.KindTemplateConfig, req.ID)

	payload, procErr := w.configureTemplate(ctx, &req)
	return w.finish(ctx, route, req.ID, payload, procErr)
}

func (w *Worker) configureTemplate(ctx context.Context, req *models.TemplateConfigRequest) (*models.TemplateConfigResult, error) {
	imageBytes, err := w.store.Get(req.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load template image: %w", err)
	}

	result, err := templateconfig.Configure(imageBytes, templateconfig.Params{
		ConfigType:              req.ConfigType,
		NumOfColumns:            req.NumOfColumns,
		NumOfRowsPerColumn:      req.NumOfRowsPerColumn,
		NumOfOptionsPerQuestion: req.NumOfOptionsPerQuestion,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(cancelledMessage)
	}

	configJSON, err := result.Config.Encode()
	if err != nil {
		return nil, err
	}
	if err := w.store.Save(req.TemplateConfigPath, configJSON); err != nil {
		return nil, fmt.Errorf("failed to save template config: %w", err)
	}

	warped, err := vision.Encode(result.Warped, path.Ext(req.OutputImagePath))
	if err != nil {
		return nil, err
	}
	if err := w.store.Save(req.OutputImagePath, warped); err != nil {
		return nil, fmt.Errorf("failed to save warped template: %w", err)
	}

	resultImagePath := ""
	if req.SaveIntermediateResults && req.ResultImagePath != "" {
		debug, encErr := vision.Encode(result.Debug, path.Ext(req.ResultImagePath))
		if encErr != nil {
			return nil, encErr
		}
		if err := w.store.Save(req.ResultImagePath, debug); err != nil {
			return nil, fmt.Errorf("failed to save debug overlay: %w", err)
		}
		resultImagePath = req.ResultImagePath
	}

	dims := result.Dimensions
	return &models.TemplateConfigResult{
		TemplateConfigPath: req.TemplateConfigPath,
		OutputImagePath:    req.OutputImagePath,
		ResultImagePath:    resultImagePath,
		BubbleConfig:       json.RawMessage(configJSON),
		ImageDimensions:    &dims,
	}, nil
}

// HandleMarkingConfig runs one marking-configuration request.
func (w *Worker) HandleMarkingConfig(ctx context.Context, body []byte) error {
	var req models.MarkingConfigRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.logger.Warn().Err(err).Msg("Malformed marking config request dropped")
		return nil
	}

	route, err := w.registry.Route(registry.KindMarkingConfig)
	if err != nil {
		return err
	}

	if w.jobCancelled(ctx, registry.KindMarkingConfig, req.ID) {
		return w.publishResult(ctx, route, models.NewFailedEnvelope(req.ID, cancelledMessage))
	}
	w.stampProcessing(ctx, registry.KindMarkingConfig, req.ID)

	payload, procErr := w.configureMarking(ctx, &req)
	return w.finish(ctx, route, req.ID, payload, procErr)
}

func (w *Worker) configureMarking(ctx context.Context, req *models.MarkingConfigRequest) (*models.MarkingConfigResult, error) {
	templateBytes, err := w.store.Get(req.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load template image: %w", err)
	}
	template, err := templateconfig.WarpTemplate(templateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize template image: %w", err)
	}

	configBytes, err := w.store.Get(req.TemplateConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load template config: %w", err)
	}
	cfg, err := templateconfig.Parse(configBytes)
	if err != nil {
		return nil, err
	}
	bubbles, err := cfg.BubbleCoordinates()
	if err != nil {
		return nil, err
	}

	schemeBytes, err := w.store.Get(req.MarkingSchemePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load marking scheme: %w", err)
	}
	scheme, err := marking.DecodeSheet(schemeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode marking scheme: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.New(cancelledMessage)
	}

	answers, err := marking.SampleBubbles(template, scheme, bubbles)
	if err != nil {
		return nil, fmt.Errorf("failed to sample marking scheme: %w", err)
	}

	data, err := marking.EncodeMarkingConfig(answers)
	if err != nil {
		return nil, err
	}
	if err := w.store.Save(req.MarkingConfigPath, data); err != nil {
		return nil, fmt.Errorf("failed to save marking config: %w", err)
	}

	return &models.MarkingConfigResult{
		MarkingConfigPath: req.MarkingConfigPath,
		MarkingSchemePath: req.MarkingSchemePath,
	}, nil
}

// HandleMarking runs one batch marking request.
func (w *Worker) HandleMarking(ctx context.Context, body []byte) error {
	var req models.MarkingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		w.logger.Warn().Err(err).Msg("Malformed marking request dropped")
		return nil
	}

	route, err := w.registry.Route(registry.KindMarking)
	if err != nil {
		return err
	}

	if w.jobCancelled(ctx, registry.KindMarking, req.ID) {
		return w.publishResult(ctx, route, models.NewFailedEnvelope(req.ID, cancelledMessage))
	}
	w.stampProcessing(ctx, registry.KindMarking, req.ID)

	payload, procErr := w.orch.Run(ctx, &req)
	if procErr != nil {
		return w.finish(ctx, route, req.ID, nil, procErr)
	}
	return w.finish(ctx, route, req.ID, payload, nil)
}

// finish publishes the terminal envelope for a job. payload must be a
// non-nil pointer on success; procErr wins when set. A publish failure
// propagates; the delivery is then rejected without requeue, leaving
// the record stuck in PROCESSING for operators to resubmit.
func (w *Worker) finish(ctx context.Context, route registry.Route, jobID int, payload any, procErr error) error {
	if procErr != nil {
		if ctx.Err() != nil {
			procErr = errors.New(cancelledMessage)
		}
		w.logger.Warn().Err(procErr).Str("kind", string(route.Kind)).Int("job_id", jobID).Msg("Job failed")
		return w.publishResult(ctx, route, models.NewFailedEnvelope(jobID, procErr.Error()))
	}

	envelope, err := models.NewCompletedEnvelope(jobID, payload)
	if err != nil {
		return w.publishResult(ctx, route, models.NewFailedEnvelope(jobID, err.Error()))
	}
	w.logger.Info().Str("kind", string(route.Kind)).Int("job_id", jobID).Msg("Job completed")
	return w.publishResult(ctx, route, envelope)
}

func (w *Worker) publishResult(ctx context.Context, route registry.Route, envelope *models.ResultEnvelope) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal result envelope: %w", err)
	}
	// Result publishes use the send context even during shutdown so the
	// envelope is not lost with the job already done.
	if err := w.broker.Publish(context.WithoutCancel(ctx), route.ResultKey, body, route.DefaultPriority.BrokerValue()); err != nil {
		return fmt.Errorf("failed to publish result for job %d: %w", envelope.JobID, err)
	}
	return nil
}

// stampProcessing records the worker's first touch on the job record.
// Best effort; the record may live in another process.
func (w *Worker) stampProcessing(ctx context.Context, kind registry.Kind, jobID int) {
	if w.repo == nil {
		return
	}

	var err error
	switch kind {
	case registry.KindTemplateConfig:
		err = w.repo.TemplateConfigJobs().Update(ctx, jobID, func(j *models.TemplateConfigJob) error {
			if j.Status == models.JobStatusQueued {
				j.MarkProcessing()
			}
			return nil
		})
	case registry.KindMarkingConfig:
		err = w.repo.MarkingConfigJobs().Update(ctx, jobID, func(j *models.MarkingConfigJob) error {
			if j.Status == models.JobStatusQueued {
				j.MarkProcessing()
			}
			return nil
		})
	case registry.KindMarking:
		err = w.repo.MarkingJobs().Update(ctx, jobID, func(j *models.MarkingJob) error {
			if j.Status == models.JobStatusQueued {
				j.MarkProcessing()
			}
			return nil
		})
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("kind", string(kind)).Int("job_id", jobID).Msg("Could not stamp job processing")
	}
}

// jobCancelled reports whether the record was cancelled while queued.
func (w *Worker) jobCancelled(ctx context.Context, kind registry.Kind, jobID int) bool {
	if w.repo == nil {
		return false
	}

	status := models.JobStatus("")
	switch kind {
	case registry.KindTemplateConfig:
		if job, err := w.repo.TemplateConfigJobs().Get(ctx, jobID); err == nil {
			status = job.Status
		}
	case registry.KindMarkingConfig:
		if job, err := w.repo.MarkingConfigJobs().Get(ctx, jobID); err == nil {
			status = job.Status
		}
	case registry.KindMarking:
		if job, err := w.repo.MarkingJobs().Get(ctx, jobID); err == nil {
			status = job.Status
		}
	}
	return status == models.JobStatusCancelled
}

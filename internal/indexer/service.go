package indexer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// Readings under this confidence are flagged for manual review.
const lowConfidenceThreshold = 0.8

// Service consumes index tasks, crops the index box, reads it through
// the recognizer, and publishes one result per task. OCR calls are rate
// limited so a large batch cannot saturate the recognition backend.
type Service struct {
	broker     interfaces.Broker
	store      interfaces.ArtifactStore
	recognizer interfaces.DigitRecognizer
	registry   *registry.Registry
	cfg        *common.IndexerConfig
	limiter    *rate.Limiter
	logger     arbor.ILogger
}

// NewService builds the index-recognizer service.
func NewService(broker interfaces.Broker, store interfaces.ArtifactStore, recognizer interfaces.DigitRecognizer, reg *registry.Registry, cfg *common.IndexerConfig, logger arbor.ILogger) *Service {
	limit := rate.Inf
	if cfg.OCRRateLimit > 0 {
		limit = rate.Limit(cfg.OCRRateLimit)
	}
	return &Service{
		broker:     broker,
		store:      store,
		recognizer: recognizer,
		registry:   reg,
		cfg:        cfg,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger,
	}
}

// Run consumes the index-task queue until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	route, err := s.registry.Route(registry.KindIndexTask)
	if err != nil {
		return err
	}
	return s.broker.Consume(ctx, route.RequestQueue, s.HandleTask)
}

// HandleTask processes one index task. A sheet whose box cannot be
// found or read still gets a result, flagged low confidence with an
// empty index, so the marking fan-in never waits out its deadline on a
// known-bad sheet.
func (s *Service) HandleTask(ctx context.Context, body []byte) error {
	var task models.IndexTaskRequest
	if err := json.Unmarshal(body, &task); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed index task dropped")
		return nil
	}

	result, err := s.recognize(ctx, &task)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn().Err(err).Int("task_id", task.TaskID).Int("sheet_id", task.SheetID).Msg("Index recognition failed")
		result = &models.IndexTaskResult{
			TaskID:  task.TaskID,
			SheetID: task.SheetID,
			Flag:    models.IndexFlagLowConfidence,
		}
	}
	return s.publish(ctx, result)
}

func (s *Service) recognize(ctx context.Context, task *models.IndexTaskRequest) (*models.IndexTaskResult, error) {
	data, err := s.store.Get(task.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load sheet: %w", err)
	}
	decoded, err := vision.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sheet: %w", err)
	}

	crop, err := FindIndexSection(vision.ToGray(decoded), s.cfg)
	if err != nil {
		return nil, err
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	rctx := ctx
	if s.cfg.OCRTimeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, s.cfg.OCRTimeout)
		defer cancel()
	}

	index, confidence, err := s.recognizer.Recognize(rctx, crop)
	if err != nil {
		return nil, fmt.Errorf("recognizer failed: %w", err)
	}

	flag := models.IndexFlagOK
	if confidence < lowConfidenceThreshold {
		flag = models.IndexFlagLowConfidence
	}
	return &models.IndexTaskResult{
		TaskID:      task.TaskID,
		SheetID:     task.SheetID,
		IndexNumber: index,
		Confidence:  confidence,
		Flag:        flag,
	}, nil
}

func (s *Service) publish(ctx context.Context, result *models.IndexTaskResult) error {
	route, err := s.registry.Route(registry.KindIndexTask)
	if err != nil {
		return err
	}
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal index result: %w", err)
	}
	if err := s.broker.Publish(context.WithoutCancel(ctx), route.ResultKey, body, route.DefaultPriority.BrokerValue()); err != nil {
		return fmt.Errorf("failed to publish index result for task %d: %w", result.TaskID, err)
	}
	s.logger.Debug().Int("task_id", result.TaskID).Int("sheet_id", result.SheetID).Str("flag", result.Flag).Msg("Index result published")
	return nil
}

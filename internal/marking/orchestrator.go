package marking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/templateconfig"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// ErrCancelled reports that the job record was cancelled while the
// batch was running.
var ErrCancelled = errors.New("cancelled")

// sampler samples bubbles on one sheet against the warped template.
// Swapped out in tests so orchestration is covered without synthetic
// alignment imagery.
type sampler func(template, target *image.Gray, bubbles []vision.Point) ([]MarkedBubble, error)

// Orchestrator runs one batch marking job end to end: score every sheet
// in the folder, fan index-recognition tasks out to the recognizer,
// fold its results back into the spreadsheet, and save the workbook.
type Orchestrator struct {
	broker   interfaces.Broker
	store    interfaces.ArtifactStore
	registry *registry.Registry
	cfg      *common.MarkingConfig
	logger   arbor.ILogger
	sample   sampler

	// cancelled reports whether the job record was cancelled. Consulted
	// between sheets; nil means no record store is available.
	cancelled func(ctx context.Context, jobID int) bool
}

// SetCancelCheck installs the record-status check that lets a running
// batch stop at the next sheet boundary after cancellation.
func (o *Orchestrator) SetCancelCheck(fn func(ctx context.Context, jobID int) bool) {
	o.cancelled = fn
}

// NewOrchestrator builds the marking-job orchestrator.
func NewOrchestrator(broker interfaces.Broker, store interfaces.ArtifactStore, reg *registry.Registry, cfg *common.MarkingConfig, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		broker:   broker,
		store:    store,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		sample:   SampleBubbles,
	}
}

// batchContext holds the per-job inputs every sheet shares.
type batchContext struct {
	template      *image.Gray
	bubbles       []vision.Point
	schemeAnswers []MarkedBubble
	choiceDist    []int
	columnDist    []int
}

// Run executes the marking request. A sheet that fails to align is
// flagged and counted, never fatal; the batch only errors on inputs
// shared by every sheet or on context cancellation.
func (o *Orchestrator) Run(ctx context.Context, request *models.MarkingRequest) (*models.MarkingResult, error) {
	startedAt := time.Now().UTC()

	batch, err := o.loadBatch(request)
	if err != nil {
		return nil, err
	}

	sheets, err := o.listSheets(request.AnswerSheetsFolderPath)
	if err != nil {
		return nil, err
	}

	wb, err := o.openWorkbook(request.OutputPath)
	if err != nil {
		return nil, err
	}

	route, err := o.registry.Route(registry.KindIndexTask)
	if err != nil {
		return nil, err
	}

	intermediatePath := request.IntermediateResultsPath
	if intermediatePath == "" {
		intermediatePath = path.Join("intermediate", "answers", strconv.Itoa(request.ID))
	}

	processed, failed := 0, 0
	scoreSum := 0
	pending := make(map[int]struct{}, len(sheets))

	for sheetID, rel := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.cancelled != nil && o.cancelled(ctx, request.ID) {
			return nil, ErrCancelled
		}

		result, sheet, sheetErr := o.markSheet(batch, rel)
		if sheetErr != nil {
			o.logger.Warn().Err(sheetErr).Int("job_id", request.ID).Int("sheet_id", sheetID).Str("path", rel).Msg("Sheet could not be marked")
			failed++
			result = failedSheetResult(len(batch.columnDist))
		} else {
			processed++
			scoreSum += result.Score
		}
		result.SheetID = sheetID
		result.Path = rel

		if err := wb.AppendResult(result); err != nil {
			return nil, err
		}

		// Index recognition reads the raw sheet; it runs even when the
		// bubble alignment failed.
		if err := o.publishIndexTask(ctx, route, request.ID, sheetID, rel); err != nil {
			o.logger.Warn().Err(err).Int("job_id", request.ID).Int("sheet_id", sheetID).Msg("Index task publish failed")
		} else {
			pending[sheetID] = struct{}{}
		}

		if request.SaveIntermediateResults && sheetErr == nil && sheet != nil {
			o.saveAnnotated(intermediatePath, sheetID, sheet, result)
		}
	}

	if o.cancelled != nil && o.cancelled(ctx, request.ID) {
		return nil, ErrCancelled
	}

	o.collectIndexResults(ctx, route.ResultQueue, request.ID, wb, pending)

	data, err := wb.Bytes()
	if err != nil {
		return nil, err
	}
	if err := o.store.Save(request.OutputPath, data); err != nil {
		return nil, fmt.Errorf("failed to save result workbook: %w", err)
	}

	summary := map[string]any{
		"total_answer_sheets":     len(sheets),
		"processed_answer_sheets": processed,
		"failed_answer_sheets":    failed,
	}
	if processed > 0 {
		summary["average_score"] = float64(scoreSum) / float64(processed)
	}

	result := &models.MarkingResult{
		OutputPath:            request.OutputPath,
		TotalAnswerSheets:     len(sheets),
		ProcessedAnswerSheets: processed,
		FailedAnswerSheets:    failed,
		ProcessingStartedAt:   startedAt,
		ProcessingCompletedAt: time.Now().UTC(),
		ResultsSummary:        summary,
	}
	if request.SaveIntermediateResults {
		result.IntermediateResultsPath = intermediatePath
	}
	return result, nil
}

// loadBatch reads the shared inputs: the warped template frame, the
// bubble layout, and the marking scheme's sampled answers.
func (o *Orchestrator) loadBatch(request *models.MarkingRequest) (*batchContext, error) {
	templateBytes, err := o.store.Get(request.TemplatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load template image: %w", err)
	}
	template, err := templateconfig.WarpTemplate(templateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize template image: %w", err)
	}

	configBytes, err := o.store.Get(request.TemplateConfigPath)
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

	schemeBytes, err := o.store.Get(request.MarkingSchemePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load marking scheme: %w", err)
	}
	scheme, err := DecodeSheet(schemeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode marking scheme: %w", err)
	}
	schemeAnswers, err := o.sample(template, scheme, bubbles)
	if err != nil {
		return nil, fmt.Errorf("failed to sample marking scheme: %w", err)
	}

	return &batchContext{
		template:      template,
		bubbles:       bubbles,
		schemeAnswers: schemeAnswers,
		choiceDist:    cfg.ChoiceDistribution(),
		columnDist:    cfg.Metadata.ColumnRowDistribution,
	}, nil
}

// listSheets enumerates the answer-sheet images in lexical order. The
// sheet's position in this list is its sheet id everywhere downstream.
func (o *Orchestrator) listSheets(folder string) ([]string, error) {
	entries, err := o.store.List(folder, "*")
	if err != nil {
		return nil, fmt.Errorf("failed to list answer sheets: %w", err)
	}

	sheets := make([]string, 0, len(entries))
	for _, entry := range entries {
		switch strings.ToLower(path.Ext(entry)) {
		case ".png", ".jpg", ".jpeg":
			sheets = append(sheets, entry)
		}
	}
	sort.Strings(sheets)
	return sheets, nil
}

func (o *Orchestrator) openWorkbook(outputPath string) (*Workbook, error) {
	if o.store.Exists(outputPath) {
		data, err := o.store.Get(outputPath)
		if err != nil {
			return nil, err
		}
		return OpenWorkbook(data)
	}
	return NewWorkbook()
}

// markSheet loads, aligns, samples, and scores one answer sheet.
func (o *Orchestrator) markSheet(batch *batchContext, rel string) (*models.AnswerSheetResult, *image.Gray, error) {
	data, err := o.store.Get(rel)
	if err != nil {
		return nil, nil, err
	}
	sheet, err := DecodeSheet(data)
	if err != nil {
		return nil, nil, err
	}

	answers, err := o.sample(batch.template, sheet, batch.bubbles)
	if err != nil {
		return nil, nil, err
	}

	result, err := Score(batch.schemeAnswers, answers, batch.choiceDist, batch.columnDist)
	if err != nil {
		return nil, nil, err
	}
	return result, sheet, nil
}

// DecodeSheet decodes an answer-sheet or marking-scheme image and
// normalizes its contrast.
func DecodeSheet(data []byte) (*image.Gray, error) {
	decoded, err := vision.Decode(data)
	if err != nil {
		return nil, err
	}
	return vision.StretchContrast(vision.ToGray(decoded)), nil
}

// failedSheetResult is the flagged placeholder row for a sheet that
// could not be aligned or scored.
func failedSheetResult(columns int) *models.AnswerSheetResult {
	return &models.AnswerSheetResult{
		ColumnTotals: make([]int, columns),
		Flag:         true,
		FlagReason:   models.FlagReasonAlignmentFailed,
	}
}

func (o *Orchestrator) publishIndexTask(ctx context.Context, route registry.Route, jobID, sheetID int, rel string) error {
	task := models.IndexTaskRequest{TaskID: jobID, SheetID: sheetID, FilePath: rel}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal index task: %w", err)
	}
	return o.broker.Publish(ctx, route.RequestKey, body, route.DefaultPriority.BrokerValue())
}

// collectIndexResults consumes the index-result queue until every
// outstanding sheet reported or the fan-in deadline passed. Sheets
// whose index never arrived are flagged in place.
func (o *Orchestrator) collectIndexResults(ctx context.Context, queue string, jobID int, wb *Workbook, pending map[int]struct{}) {
	if len(pending) == 0 {
		return
	}

	wait := o.cfg.IndexWaitPerSheet * time.Duration(len(pending))
	if o.cfg.IndexWaitCap > 0 && wait > o.cfg.IndexWaitCap {
		wait = o.cfg.IndexWaitCap
	}
	cctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var mu sync.Mutex
	done := make(chan struct{})

	handler := func(ctx context.Context, body []byte) error {
		var res models.IndexTaskResult
		if err := json.Unmarshal(body, &res); err != nil {
			o.logger.Warn().Err(err).Int("job_id", jobID).Msg("Malformed index result dropped")
			return nil
		}
		if res.TaskID != jobID {
			o.logger.Warn().Int("job_id", jobID).Int("task_id", res.TaskID).Msg("Index result for another job dropped")
			return nil
		}

		mu.Lock()
		if _, ok := pending[res.SheetID]; !ok {
			mu.Unlock()
			return nil
		}
		delete(pending, res.SheetID)
		remaining := len(pending)
		mu.Unlock()

		low := res.Flag == models.IndexFlagLowConfidence || res.Confidence < o.cfg.IndexConfidenceMin
		if err := wb.SetIndexNumber(res.SheetID, res.IndexNumber, low); err != nil {
			o.logger.Warn().Err(err).Int("job_id", jobID).Int("sheet_id", res.SheetID).Msg("Failed to record index number")
		}
		if remaining == 0 {
			close(done)
		}
		return nil
	}

	go func() {
		if err := o.broker.Consume(cctx, queue, handler); err != nil && cctx.Err() == nil {
			o.logger.Warn().Err(err).Int("job_id", jobID).Msg("Index result consumer stopped")
		}
	}()

	select {
	case <-done:
	case <-cctx.Done():
	}
	cancel()

	mu.Lock()
	missing := make([]int, 0, len(pending))
	for sheetID := range pending {
		missing = append(missing, sheetID)
		delete(pending, sheetID)
	}
	mu.Unlock()
	sort.Ints(missing)

	for _, sheetID := range missing {
		o.logger.Warn().Int("job_id", jobID).Int("sheet_id", sheetID).Msg("Index number never arrived, flagging row")
		if err := wb.FlagMissingIndex(sheetID); err != nil {
			o.logger.Warn().Err(err).Int("job_id", jobID).Int("sheet_id", sheetID).Msg("Failed to flag missing index")
		}
	}
}

// saveAnnotated writes the labeled-bubble overlay for one sheet. Best
// effort; a failed save never fails the batch.
func (o *Orchestrator) saveAnnotated(base string, sheetID int, sheet *image.Gray, result *models.AnswerSheetResult) {
	colors := map[string]color.RGBA{
		"correct":      {G: 200, A: 255},
		"incorrect":    {R: 220, A: 255},
		"multi_marked": {B: 220, A: 255},
		"unmarked":     {R: 230, G: 190, A: 255},
	}

	canvas := vision.ToRGBA(sheet)
	groups := make(map[string][]vision.Point)
	for _, p := range result.LabeledPoints {
		groups[p.Label] = append(groups[p.Label], vision.Point{X: p.X, Y: p.Y})
	}
	for label, points := range groups {
		c, ok := colors[label]
		if !ok {
			continue
		}
		vision.DrawDots(canvas, points, 4, c)
	}

	rel := path.Join(base, fmt.Sprintf("%d.jpg", sheetID))
	data, err := vision.Encode(canvas, ".jpg")
	if err != nil {
		o.logger.Warn().Err(err).Int("sheet_id", sheetID).Msg("Failed to encode annotated sheet")
		return
	}
	if err := o.store.Save(rel, data); err != nil {
		o.logger.Warn().Err(err).Str("path", rel).Msg("Failed to save annotated sheet")
	}
}

package worker

import (
	"context"
	"encoding/json"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/artifacts"
	"github.com/ternarybob/sheetmark/internal/broker"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/interfaces"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/repository"
	"github.com/ternarybob/sheetmark/internal/templateconfig"
	"github.com/ternarybob/sheetmark/internal/vision"
)

type workerFixture struct {
	worker *Worker
	store  *artifacts.Store
	broker *broker.Memory
	repo   interfaces.Repository
	cfg    *common.Config
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	db, err := repository.OpenDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	repo := repository.FromDB(db)
	t.Cleanup(func() { repo.Close() })

	cfg := common.DefaultConfig()
	reg := registry.New(&cfg.Broker)
	mem := broker.NewMemory(reg.Bindings())
	t.Cleanup(func() { mem.Close() })

	return &workerFixture{
		worker: New(mem, store, repo, reg, &cfg.Marking, logger),
		store:  store,
		broker: mem,
		repo:   repo,
		cfg:    cfg,
	}
}

func (f *workerFixture) drainEnvelope(t *testing.T, queue string) *models.ResultEnvelope {
	t.Helper()
	body, ok := f.broker.Drain(queue)
	require.True(t, ok, "expected a result envelope on %s", queue)

	var envelope models.ResultEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	return &envelope
}

// formImage draws a scannable answer form: four corner anchors and a
// 3 column x 5 row x 4 option bubble grid on the warped-size canvas.
func formImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, templateconfig.TargetWidth, templateconfig.TargetHeight))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	paintRect := func(x0, y0, x1, y1 int) {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				img.Pix[y*img.Stride+x] = 0
			}
		}
	}
	paintDisc := func(cx, cy, r int) {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if dx*dx+dy*dy <= r*r {
					p := image.Pt(cx+dx, cy+dy)
					if p.In(img.Bounds()) {
						img.Pix[p.Y*img.Stride+p.X] = 0
					}
				}
			}
		}
	}

	paintRect(20, 20, 50, 50)
	paintRect(1150, 20, 1180, 50)
	paintRect(1150, 1550, 1180, 1580)
	paintRect(20, 1550, 50, 1580)

	for col := 0; col < 3; col++ {
		for row := 0; row < 5; row++ {
			for opt := 0; opt < 4; opt++ {
				paintDisc(100+col*300+opt*40, 200+row*40, 12)
			}
		}
	}

	data, err := vision.Encode(img, ".png")
	require.NoError(t, err)
	return data
}

func TestHandleTemplateConfigPublishesCompletedEnvelope(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save("templates/form.png", formImage(t)))

	req := models.TemplateConfigRequest{
		ID:                 7,
		Name:               "configure form",
		ConfigType:         models.ConfigTypeGrid,
		TemplatePath:       "templates/form.png",
		TemplateConfigPath: "template_configs/form.json",
		OutputImagePath:    "template_configs/form_warped.png",
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleTemplateConfig(ctx, body))

	envelope := f.drainEnvelope(t, f.cfg.Broker.TemplateConfigResultsQueue)
	require.True(t, envelope.Completed(), "error: %s", envelope.ErrorMessage)
	assert.Equal(t, 7, envelope.JobID)

	var result models.TemplateConfigResult
	require.NoError(t, envelope.DecodeResult(&result))
	assert.Equal(t, "template_configs/form.json", result.TemplateConfigPath)
	assert.Equal(t, "template_configs/form_warped.png", result.OutputImagePath)
	require.NotNil(t, result.ImageDimensions)
	assert.Equal(t, templateconfig.TargetWidth, result.ImageDimensions.ProcessedWidth)

	// The config and the warped template landed in the artifact store.
	configBytes, err := f.store.Get("template_configs/form.json")
	require.NoError(t, err)
	cfg, err := templateconfig.Parse(configBytes)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.Metadata.NumQuestions)
	assert.True(t, f.store.Exists("template_configs/form_warped.png"))
}

func TestHandleTemplateConfigPublishesFailureOnMissingImage(t *testing.T) {
	f := newWorkerFixture(t)

	req := models.TemplateConfigRequest{
		ID:                 9,
		ConfigType:         models.ConfigTypeGrid,
		TemplatePath:       "templates/missing.png",
		TemplateConfigPath: "template_configs/missing.json",
		OutputImagePath:    "template_configs/missing_warped.png",
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	// The failed envelope is the durable outcome; the handler still acks.
	require.NoError(t, f.worker.HandleTemplateConfig(context.Background(), body))

	envelope := f.drainEnvelope(t, f.cfg.Broker.TemplateConfigResultsQueue)
	assert.False(t, envelope.Completed())
	assert.Equal(t, 9, envelope.JobID)
	assert.Contains(t, envelope.ErrorMessage, "template image")
}

func TestMalformedRequestIsDroppedWithoutEnvelope(t *testing.T) {
	f := newWorkerFixture(t)

	require.NoError(t, f.worker.HandleMarkingConfig(context.Background(), []byte("{not json")))

	assert.Equal(t, 0, f.broker.Depth(f.cfg.Broker.MarkingConfigResultsQueue))
}

func TestCancelledJobShortCircuitsWithFailedEnvelope(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := &models.MarkingJob{
		TemplateID:             1,
		MarkingSchemePath:      "marking_schemes/s.png",
		AnswerSheetsFolderPath: "answer_sheets/b",
		OutputPath:             "results/b.xlsx",
	}
	require.NoError(t, f.repo.MarkingJobs().Insert(ctx, job))
	require.NoError(t, f.repo.MarkingJobs().Update(ctx, job.ID, func(j *models.MarkingJob) error {
		j.MarkCancelled()
		return nil
	}))

	req := models.MarkingRequest{ID: job.ID, AnswerSheetsFolderPath: job.AnswerSheetsFolderPath, OutputPath: job.OutputPath}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleMarking(ctx, body))

	envelope := f.drainEnvelope(t, f.cfg.Broker.MarkingJobResultsQueue)
	assert.False(t, envelope.Completed())
	assert.Equal(t, "cancelled", envelope.ErrorMessage)
}

func TestQueuedJobIsStampedProcessing(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := &models.TemplateConfigJob{
		TemplateID:         1,
		ConfigType:         models.ConfigTypeGrid,
		TemplatePath:       "templates/missing.png",
		TemplateConfigPath: "template_configs/j.json",
		OutputImagePath:    "template_configs/j_warped.png",
	}
	require.NoError(t, f.repo.TemplateConfigJobs().Insert(ctx, job))
	require.NoError(t, f.repo.TemplateConfigJobs().Update(ctx, job.ID, func(j *models.TemplateConfigJob) error {
		j.MarkQueued()
		return nil
	}))

	req := models.TemplateConfigRequest{
		ID:                 job.ID,
		ConfigType:         models.ConfigTypeGrid,
		TemplatePath:       job.TemplatePath,
		TemplateConfigPath: job.TemplateConfigPath,
		OutputImagePath:    job.OutputImagePath,
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	require.NoError(t, f.worker.HandleTemplateConfig(ctx, body))

	// The worker only moves QUEUED to PROCESSING; the result consumer
	// owns the terminal transition.
	stored, err := f.repo.TemplateConfigJobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, stored.Status)
}

package marking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/xuri/excelize/v2"

	"github.com/ternarybob/sheetmark/internal/artifacts"
	"github.com/ternarybob/sheetmark/internal/broker"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/templateconfig"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// answers builds a bubble list from per-question chosen options. A
// choice of -1 leaves the question unmarked; extra marks are added via
// also.
func answers(options int, choices []int, also map[int]int) []MarkedBubble {
	out := make([]MarkedBubble, 0, len(choices)*options)
	for q, choice := range choices {
		for opt := 0; opt < options; opt++ {
			marked := 0
			if opt == choice {
				marked = 1
			}
			if extra, ok := also[q]; ok && opt == extra {
				marked = 1
			}
			out = append(out, MarkedBubble{
				Marked: marked,
				X:      float64(100 + opt*40),
				Y:      float64(200 + q*40),
			})
		}
	}
	return out
}

func TestScoreClassifiesQuestions(t *testing.T) {
	options := 4
	choiceDist := []int{4, 4, 4, 4}
	columnDist := []int{2, 2}

	scheme := answers(options, []int{0, 1, 2, 3}, nil)
	student := answers(options, []int{0, 2, 2, -1}, map[int]int{2: 3})

	result, err := Score(scheme, student, choiceDist, columnDist)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, result.Correct)
	assert.Equal(t, []int{2}, result.Incorrect)
	assert.Equal(t, []int{3}, result.MultiMarked)
	assert.Equal(t, []int{4}, result.Unmarked)
	assert.Equal(t, 1, result.Score)
	assert.Equal(t, []int{1, 0}, result.ColumnTotals)

	// The multi-mark on question 3 comes before the unmarked question 4.
	assert.True(t, result.Flag)
	assert.Equal(t, models.FlagReasonMultiMarked, result.FlagReason)

	require.Len(t, result.LabeledPoints, 4)
	assert.Equal(t, "correct", result.LabeledPoints[0].Label)
	assert.Equal(t, "incorrect", result.LabeledPoints[1].Label)
	// Unmarked questions label the scheme's correct bubble.
	assert.Equal(t, "unmarked", result.LabeledPoints[3].Label)
	assert.Equal(t, float64(100+3*40), result.LabeledPoints[3].X)
}

func TestScoreFlagReasonIsFirstCondition(t *testing.T) {
	choiceDist := []int{2, 2}
	scheme := answers(2, []int{0, 0}, nil)
	student := answers(2, []int{-1, 0}, map[int]int{1: 1})

	result, err := Score(scheme, student, choiceDist, []int{2})
	require.NoError(t, err)
	assert.Equal(t, models.FlagReasonUnmarked, result.FlagReason)
}

func TestScoreRejectsShortBubbleList(t *testing.T) {
	scheme := answers(2, []int{0}, nil)
	_, err := Score(scheme, scheme, []int{2, 2}, []int{2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shorter than choice distribution")
}

func TestMarkingConfigRoundTrip(t *testing.T) {
	in := []MarkedBubble{
		{Marked: 1, X: 101.5, Y: 200.25},
		{Marked: 0, X: 141.5, Y: 200.25},
	}

	data, err := EncodeMarkingConfig(in)
	require.NoError(t, err)

	// The persisted shape is a list of [marked, x, y] triples.
	var raw struct {
		AnswersWithCoordinates [][3]float64 `json:"answers_with_coordinates"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw.AnswersWithCoordinates, 2)
	assert.Equal(t, [3]float64{1, 101.5, 200.25}, raw.AnswersWithCoordinates[0])

	out, err := ParseMarkingConfig(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func sheetResult(correct []int, score int) *models.AnswerSheetResult {
	return &models.AnswerSheetResult{
		Correct:      correct,
		ColumnTotals: []int{score},
		Score:        score,
	}
}

func TestWorkbookIndexNumbersLandOnAppendRows(t *testing.T) {
	wb, err := NewWorkbook()
	require.NoError(t, err)

	require.NoError(t, wb.AppendResult(sheetResult([]int{1, 2}, 2)))
	require.NoError(t, wb.AppendResult(sheetResult([]int{1}, 1)))
	require.NoError(t, wb.AppendResult(sheetResult(nil, 0)))
	assert.Equal(t, 3, wb.Rows())

	// Index results arrive out of order; rows are addressed by sheet id.
	require.NoError(t, wb.SetIndexNumber(2, "S1703", false))
	require.NoError(t, wb.SetIndexNumber(0, "S1701", true))
	require.NoError(t, wb.FlagMissingIndex(1))

	require.Error(t, wb.SetIndexNumber(3, "S1704", false))

	data, err := wb.Bytes()
	require.NoError(t, err)

	file, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)

	cell := func(ref string) string {
		v, err := file.GetCellValue(resultSheetName, ref)
		require.NoError(t, err)
		return v
	}

	assert.Equal(t, "S1701", cell("A2"))
	assert.Equal(t, "low_confidence_index", cell("I2"))
	assert.Equal(t, models.FlagReasonIndexTimeout, cell("I3"))
	assert.Equal(t, "S1703", cell("A4"))
	assert.Equal(t, "1,2", cell("B2"))
}

func TestOpenWorkbookClearsPreviousRun(t *testing.T) {
	wb, err := NewWorkbook()
	require.NoError(t, err)
	require.NoError(t, wb.AppendResult(sheetResult([]int{1}, 1)))
	require.NoError(t, wb.AppendResult(sheetResult([]int{2}, 1)))

	data, err := wb.Bytes()
	require.NoError(t, err)

	reopened, err := OpenWorkbook(data)
	require.NoError(t, err)
	assert.Equal(t, 0, reopened.Rows())

	require.NoError(t, reopened.AppendResult(sheetResult([]int{3}, 1)))

	out, err := reopened.Bytes()
	require.NoError(t, err)
	file, err := excelize.OpenReader(bytes.NewReader(out))
	require.NoError(t, err)
	rows, err := file.GetRows(resultSheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 2) // header plus the new row
}

// orchestratorFixture wires a real artifact store and the in-process
// broker under an orchestrator whose sampler is replaced by a scripted
// one.
type orchestratorFixture struct {
	orch    *Orchestrator
	store   *artifacts.Store
	broker  *broker.Memory
	cfg     *common.Config
	request *models.MarkingRequest
}

func newOrchestratorFixture(t *testing.T, sheetAnswers []func() ([]MarkedBubble, error)) *orchestratorFixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := common.DefaultConfig()
	cfg.Marking.IndexWaitPerSheet = 2 * time.Second
	cfg.Marking.IndexWaitCap = 5 * time.Second
	reg := registry.New(&cfg.Broker)
	mem := broker.NewMemory(reg.Bindings())
	t.Cleanup(func() { mem.Close() })

	// Template with the four calibration anchors, in the warped frame
	// already so the warp is close to identity.
	template := image.NewGray(image.Rect(0, 0, templateconfig.TargetWidth, templateconfig.TargetHeight))
	for i := range template.Pix {
		template.Pix[i] = 255
	}
	paint := func(x0, y0, x1, y1 int) {
		for y := y0; y < y1; y++ {
			for x := x0; x < x1; x++ {
				template.Pix[y*template.Stride+x] = 0
			}
		}
	}
	paint(20, 20, 50, 50)
	paint(1150, 20, 1180, 50)
	paint(1150, 1550, 1180, 1580)
	paint(20, 1550, 50, 1580)

	templatePNG, err := vision.Encode(template, ".png")
	require.NoError(t, err)
	require.NoError(t, store.Save("templates/t.png", templatePNG))

	layout := &templateconfig.Config{
		Metadata: templateconfig.Metadata{
			NumQuestions:          2,
			ColumnRowDistribution: []int{2},
			OptionsPerQuestion:    2,
			NumColumns:            1,
		},
		BubbleConfigs: &templateconfig.GridBubbleConfig{
			XOffset: 40,
			YOffset: 40,
			Columns: map[string]templateconfig.ColumnStart{"1": {StartingX: 200, StartingY: 300}},
		},
	}
	layoutJSON, err := layout.Encode()
	require.NoError(t, err)
	require.NoError(t, store.Save("template_configs/t.json", layoutJSON))

	blank := image.NewGray(image.Rect(0, 0, 16, 16))
	blankPNG, err := vision.Encode(blank, ".png")
	require.NoError(t, err)
	require.NoError(t, store.Save("marking_schemes/s.png", blankPNG))
	for i := range sheetAnswers {
		require.NoError(t, store.Save(fmt.Sprintf("answer_sheets/b/sheet_%02d.png", i), blankPNG))
	}

	// Call 0 samples the marking scheme; calls 1..n sample the sheets
	// in lexical order.
	scheme := answers(2, []int{0, 1}, nil)
	calls := 0
	var mu sync.Mutex
	orch := NewOrchestrator(mem, store, reg, &cfg.Marking, logger)
	orch.sample = func(_, _ *image.Gray, _ []vision.Point) ([]MarkedBubble, error) {
		mu.Lock()
		call := calls
		calls++
		mu.Unlock()
		if call == 0 {
			return scheme, nil
		}
		return sheetAnswers[call-1]()
	}

	return &orchestratorFixture{
		orch:   orch,
		store:  store,
		broker: mem,
		cfg:    cfg,
		request: &models.MarkingRequest{
			ID:                     41,
			Name:                   "batch b",
			TemplatePath:           "templates/t.png",
			TemplateConfigPath:     "template_configs/t.json",
			MarkingSchemePath:      "marking_schemes/s.png",
			AnswerSheetsFolderPath: "answer_sheets/b",
			OutputPath:             "results/b.xlsx",
		},
	}
}

// respondToIndexTasks answers published index tasks like the recognizer
// would. respond returns nil to swallow a task.
func (f *orchestratorFixture) respondToIndexTasks(t *testing.T, ctx context.Context, respond func(task models.IndexTaskRequest) *models.IndexTaskResult) {
	t.Helper()
	go func() {
		_ = f.broker.Consume(ctx, f.cfg.Broker.IndexTaskQueue, func(ctx context.Context, body []byte) error {
			var task models.IndexTaskRequest
			if err := json.Unmarshal(body, &task); err != nil {
				return err
			}
			result := respond(task)
			if result == nil {
				return nil
			}
			payload, err := json.Marshal(result)
			if err != nil {
				return err
			}
			return f.broker.Publish(ctx, registry.KeyIndexTaskResult, payload, 5)
		})
	}()
}

func TestOrchestratorMarksBatchAndFoldsInIndexNumbers(t *testing.T) {
	good := answers(2, []int{0, 1}, nil) // matches the scheme
	f := newOrchestratorFixture(t, []func() ([]MarkedBubble, error){
		func() ([]MarkedBubble, error) { return good, nil },
		func() ([]MarkedBubble, error) { return nil, fmt.Errorf("not enough feature matches to align sheet") },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.respondToIndexTasks(t, ctx, func(task models.IndexTaskRequest) *models.IndexTaskResult {
		confidence := 0.95
		flag := models.IndexFlagOK
		if task.SheetID == 1 {
			confidence = 0.42
			flag = models.IndexFlagLowConfidence
		}
		return &models.IndexTaskResult{
			TaskID:      task.TaskID,
			SheetID:     task.SheetID,
			IndexNumber: fmt.Sprintf("S%04d", 1700+task.SheetID),
			Confidence:  confidence,
			Flag:        flag,
		}
	})

	result, err := f.orch.Run(ctx, f.request)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalAnswerSheets)
	assert.Equal(t, 1, result.ProcessedAnswerSheets)
	assert.Equal(t, 1, result.FailedAnswerSheets)
	assert.Equal(t, "results/b.xlsx", result.OutputPath)

	data, err := f.store.Get("results/b.xlsx")
	require.NoError(t, err)
	file, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)

	cell := func(ref string) string {
		v, cellErr := file.GetCellValue(resultSheetName, ref)
		require.NoError(t, cellErr)
		return v
	}

	// Sheet 0 scored both questions; sheet 1 failed alignment but still
	// received its (low confidence) index number.
	assert.Equal(t, "S1700", cell("A2"))
	assert.Equal(t, "1,2", cell("B2"))
	assert.Equal(t, "2", cell("G2"))
	assert.Equal(t, "S1701", cell("A3"))
	assert.Equal(t, "low_confidence_index", cell("I3"))
}

func TestOrchestratorFlagsSheetsWhoseIndexNeverArrives(t *testing.T) {
	good := answers(2, []int{0, 1}, nil)
	f := newOrchestratorFixture(t, []func() ([]MarkedBubble, error){
		func() ([]MarkedBubble, error) { return good, nil },
		func() ([]MarkedBubble, error) { return good, nil },
	})
	f.cfg.Marking.IndexWaitPerSheet = 100 * time.Millisecond
	f.cfg.Marking.IndexWaitCap = 300 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.respondToIndexTasks(t, ctx, func(task models.IndexTaskRequest) *models.IndexTaskResult {
		if task.SheetID != 0 {
			return nil
		}
		return &models.IndexTaskResult{
			TaskID:      task.TaskID,
			SheetID:     0,
			IndexNumber: "S1700",
			Confidence:  0.95,
			Flag:        models.IndexFlagOK,
		}
	})

	result, err := f.orch.Run(ctx, f.request)
	require.NoError(t, err)
	assert.Equal(t, 2, result.ProcessedAnswerSheets)

	data, err := f.store.Get("results/b.xlsx")
	require.NoError(t, err)
	file, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)

	indexTimeout, err := file.GetCellValue(resultSheetName, "I3")
	require.NoError(t, err)
	assert.Equal(t, models.FlagReasonIndexTimeout, indexTimeout)

	indexNo, err := file.GetCellValue(resultSheetName, "A2")
	require.NoError(t, err)
	assert.Equal(t, "S1700", indexNo)
}

func TestOrchestratorStopsWhenRecordIsCancelledMidBatch(t *testing.T) {
	good := answers(2, []int{0, 1}, nil)
	f := newOrchestratorFixture(t, []func() ([]MarkedBubble, error){
		func() ([]MarkedBubble, error) { return good, nil },
		func() ([]MarkedBubble, error) { return good, nil },
		func() ([]MarkedBubble, error) { return good, nil },
	})

	// The record flips to cancelled after the first sheet; the batch
	// must stop at the next boundary instead of finishing the folder.
	checks := 0
	f.orch.SetCancelCheck(func(ctx context.Context, jobID int) bool {
		require.Equal(t, f.request.ID, jobID)
		checks++
		return checks > 1
	})

	_, err := f.orch.Run(context.Background(), f.request)
	require.ErrorIs(t, err, ErrCancelled)

	// Only the first sheet's index task went out before the stop.
	assert.Equal(t, 1, f.broker.Depth(f.cfg.Broker.IndexTaskQueue))
	assert.False(t, f.store.Exists("results/b.xlsx"))
}

func TestOrchestratorErrorsOnMissingSharedInputs(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.request.TemplateConfigPath = "template_configs/nope.json"

	_, err := f.orch.Run(context.Background(), f.request)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template config")
}

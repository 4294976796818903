package indexer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/sheetmark/internal/artifacts"
	"github.com/ternarybob/sheetmark/internal/broker"
	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/registry"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// sheetWithIndexBox draws a white sheet with a hollow rectangle whose
// enclosed area sits inside the detector's configured range.
func sheetWithIndexBox(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}

	const (
		x0, y0 = 150, 200
		x1, y1 = 350, 300
		stroke = 4
	)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			onBorder := x < x0+stroke || x >= x1-stroke || y < y0+stroke || y >= y1-stroke
			if onBorder {
				img.Pix[y*img.Stride+x] = 0
			}
		}
	}
	return img
}

func indexerConfig() *common.IndexerConfig {
	cfg := common.DefaultConfig().Indexer
	return &cfg
}

func TestFindIndexSectionCropsInnerBox(t *testing.T) {
	cfg := indexerConfig()
	sheet := sheetWithIndexBox(cfg.OperatingWidth, cfg.OperatingHeight)

	crop, err := FindIndexSection(sheet, cfg)
	require.NoError(t, err)

	// The descent lands on the border's inner outline, so the crop is
	// the box content without the printed frame.
	assert.InDelta(t, 192, crop.Bounds().Dx(), 10)
	assert.InDelta(t, 92, crop.Bounds().Dy(), 10)
}

func TestFindIndexSectionFailsWithoutBox(t *testing.T) {
	cfg := indexerConfig()
	blank := image.NewGray(image.Rect(0, 0, cfg.OperatingWidth, cfg.OperatingHeight))
	for i := range blank.Pix {
		blank.Pix[i] = 255
	}

	_, err := FindIndexSection(blank, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index box")
}

// scriptedRecognizer returns canned readings.
type scriptedRecognizer struct {
	index      string
	confidence float64
	err        error
	calls      int
}

func (r *scriptedRecognizer) Recognize(ctx context.Context, crop image.Image) (string, float64, error) {
	r.calls++
	return r.index, r.confidence, r.err
}

type serviceFixture struct {
	service    *Service
	store      *artifacts.Store
	broker     *broker.Memory
	recognizer *scriptedRecognizer
	cfg        *common.Config
}

func newServiceFixture(t *testing.T, recognizer *scriptedRecognizer) *serviceFixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := artifacts.NewStore(t.TempDir(), logger)
	require.NoError(t, err)

	cfg := common.DefaultConfig()
	reg := registry.New(&cfg.Broker)
	mem := broker.NewMemory(reg.Bindings())
	t.Cleanup(func() { mem.Close() })

	return &serviceFixture{
		service:    NewService(mem, store, recognizer, reg, &cfg.Indexer, logger),
		store:      store,
		broker:     mem,
		recognizer: recognizer,
		cfg:        cfg,
	}
}

func (f *serviceFixture) saveSheet(t *testing.T, rel string) {
	t.Helper()
	sheet := sheetWithIndexBox(f.cfg.Indexer.OperatingWidth, f.cfg.Indexer.OperatingHeight)
	data, err := vision.Encode(sheet, ".png")
	require.NoError(t, err)
	require.NoError(t, f.store.Save(rel, data))
}

func (f *serviceFixture) handle(t *testing.T, task models.IndexTaskRequest) *models.IndexTaskResult {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, f.service.HandleTask(context.Background(), body))

	payload, ok := f.broker.Drain(f.cfg.Broker.IndexTaskResultsQueue)
	require.True(t, ok, "expected an index result")

	var result models.IndexTaskResult
	require.NoError(t, json.Unmarshal(payload, &result))
	return &result
}

func TestHandleTaskPublishesReading(t *testing.T) {
	f := newServiceFixture(t, &scriptedRecognizer{index: "S1742", confidence: 0.93})
	f.saveSheet(t, "answer_sheets/b/sheet_00.png")

	result := f.handle(t, models.IndexTaskRequest{TaskID: 12, SheetID: 0, FilePath: "answer_sheets/b/sheet_00.png"})

	assert.Equal(t, 12, result.TaskID)
	assert.Equal(t, 0, result.SheetID)
	assert.Equal(t, "S1742", result.IndexNumber)
	assert.Equal(t, models.IndexFlagOK, result.Flag)
	assert.Equal(t, 1, f.recognizer.calls)
}

func TestHandleTaskFlagsLowConfidenceReading(t *testing.T) {
	f := newServiceFixture(t, &scriptedRecognizer{index: "S1700", confidence: 0.55})
	f.saveSheet(t, "answer_sheets/b/sheet_01.png")

	result := f.handle(t, models.IndexTaskRequest{TaskID: 12, SheetID: 1, FilePath: "answer_sheets/b/sheet_01.png"})

	assert.Equal(t, models.IndexFlagLowConfidence, result.Flag)
	assert.Equal(t, "S1700", result.IndexNumber)
}

func TestHandleTaskStillAnswersWhenSheetIsMissing(t *testing.T) {
	f := newServiceFixture(t, &scriptedRecognizer{index: "S0000", confidence: 0.9})

	result := f.handle(t, models.IndexTaskRequest{TaskID: 3, SheetID: 4, FilePath: "answer_sheets/missing.png"})

	assert.Equal(t, 3, result.TaskID)
	assert.Equal(t, 4, result.SheetID)
	assert.Empty(t, result.IndexNumber)
	assert.Equal(t, models.IndexFlagLowConfidence, result.Flag)
	assert.Equal(t, 0, f.recognizer.calls)
}

func TestHandleTaskDropsMalformedBody(t *testing.T) {
	f := newServiceFixture(t, &scriptedRecognizer{})

	require.NoError(t, f.service.HandleTask(context.Background(), []byte("{oops")))
	assert.Equal(t, 0, f.broker.Depth(f.cfg.Broker.IndexTaskResultsQueue))
}

func TestHTTPRecognizerRoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Image string `json:"image"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		decoded, err := base64.StdEncoding.DecodeString(req.Image)
		require.NoError(t, err)
		require.NotEmpty(t, decoded)

		fmt.Fprint(w, `{"text":"S1234","confidence":0.91}`)
	}))
	defer server.Close()

	cfg := indexerConfig()
	cfg.OCRServiceURL = server.URL
	recognizer, err := NewHTTPRecognizer(cfg)
	require.NoError(t, err)

	crop := image.NewGray(image.Rect(0, 0, 40, 20))
	index, confidence, err := recognizer.Recognize(context.Background(), crop)
	require.NoError(t, err)
	assert.Equal(t, "S1234", index)
	assert.InDelta(t, 0.91, confidence, 1e-9)
}

func TestHTTPRecognizerRequiresURL(t *testing.T) {
	cfg := indexerConfig()
	cfg.OCRServiceURL = ""
	_, err := NewHTTPRecognizer(cfg)
	require.Error(t, err)
}

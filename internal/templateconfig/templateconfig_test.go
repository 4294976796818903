package templateconfig

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// synthetic form layout shared by the tests
const (
	formColumns = 3
	formRows    = 5
	formOptions = 4

	bubbleRadius  = 12
	bubblePitchX  = 40
	bubblePitchY  = 40
	firstBubbleY  = 200
	columnStartX0 = 100
	columnSpacing = 300
)

func whiteCanvas(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func paintRect(img *image.Gray, r image.Rectangle, v uint8) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Pix[y*img.Stride+x] = v
		}
	}
}

func paintDisc(img *image.Gray, cx, cy, r int, v uint8) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				p := image.Pt(cx+dx, cy+dy)
				if p.In(img.Bounds()) {
					img.Pix[p.Y*img.Stride+p.X] = v
				}
			}
		}
	}
}

// syntheticForm draws a full answer form: four corner anchors and a
// formColumns x formRows x formOptions bubble grid.
func syntheticForm(withHeaderLine bool, skipBubble func(col, row, opt int) bool) *image.Gray {
	img := whiteCanvas(TargetWidth, TargetHeight)

	// Corner anchors.
	paintRect(img, image.Rect(20, 20, 50, 50), 0)
	paintRect(img, image.Rect(1150, 20, 1180, 50), 0)
	paintRect(img, image.Rect(1150, 1550, 1180, 1580), 0)
	paintRect(img, image.Rect(20, 1550, 50, 1580), 0)

	if withHeaderLine {
		paintRect(img, image.Rect(60, 100, 1140, 106), 0)
	}

	for col := 0; col < formColumns; col++ {
		for row := 0; row < formRows; row++ {
			for opt := 0; opt < formOptions; opt++ {
				if skipBubble != nil && skipBubble(col, row, opt) {
					continue
				}
				x := columnStartX0 + col*columnSpacing + opt*bubblePitchX
				y := firstBubbleY + row*bubblePitchY
				paintDisc(img, x, y, bubbleRadius, 0)
			}
		}
	}
	return img
}

func TestFindAnchorsReturnsOrderedQuad(t *testing.T) {
	form := syntheticForm(false, nil)

	corners, err := FindAnchors(form)
	require.NoError(t, err)

	// Outer corners of the painted anchor squares.
	assert.InDelta(t, 20, corners[0].X, 2)
	assert.InDelta(t, 20, corners[0].Y, 2)
	assert.InDelta(t, 1180, corners[1].X, 2)
	assert.InDelta(t, 20, corners[1].Y, 2)
	assert.InDelta(t, 1180, corners[2].X, 2)
	assert.InDelta(t, 1580, corners[2].Y, 2)
	assert.InDelta(t, 20, corners[3].X, 2)
	assert.InDelta(t, 1580, corners[3].Y, 2)
}

func TestFindAnchorsFailsWithTwoAnchors(t *testing.T) {
	img := whiteCanvas(TargetWidth, TargetHeight)
	paintRect(img, image.Rect(20, 20, 50, 50), 0)
	paintRect(img, image.Rect(1150, 1550, 1180, 1580), 0)

	_, err := FindAnchors(img)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "calibration rectangles")
}

func TestDetectGridReadsLayout(t *testing.T) {
	form := syntheticForm(false, nil)

	cfg, centers, err := DetectGrid(form)
	require.NoError(t, err)

	assert.Equal(t, formColumns*formRows, cfg.Metadata.NumQuestions)
	assert.Equal(t, formOptions, cfg.Metadata.OptionsPerQuestion)
	assert.Equal(t, formColumns, cfg.Metadata.NumColumns)
	assert.Equal(t, []int{formRows, formRows, formRows}, cfg.Metadata.ColumnRowDistribution)
	assert.Len(t, centers, formColumns*formRows*formOptions)

	require.NotNil(t, cfg.BubbleConfigs)
	assert.InDelta(t, bubblePitchX, cfg.BubbleConfigs.XOffset, 2)
	assert.InDelta(t, bubblePitchY, cfg.BubbleConfigs.YOffset, 2)
	require.Len(t, cfg.BubbleConfigs.Columns, formColumns)

	first := cfg.BubbleConfigs.Columns["1"]
	assert.InDelta(t, columnStartX0, first.StartingX, 3)
	assert.InDelta(t, firstBubbleY, first.StartingY, 3)
}

func TestDetectClusteringImputesMissingBubble(t *testing.T) {
	// Drop one option bubble from one row; the detector must impute it
	// from the option x positions of the complete rows.
	form := syntheticForm(true, func(col, row, opt int) bool {
		return col == 1 && row == 2 && opt == 3
	})

	cfg, _, err := DetectClustering(form, formColumns, formRows, formOptions)
	require.NoError(t, err)

	assert.Equal(t, formColumns*formRows, cfg.Metadata.NumQuestions)
	require.NotNil(t, cfg.Bubbles)

	row := cfg.Bubbles["2"]["3"]
	require.Len(t, row, formOptions)

	// The imputed bubble lands at the reference x of option 4.
	expectedX := columnStartX0 + 1*columnSpacing + 3*bubblePitchX
	assert.InDelta(t, expectedX, row[3].X, 3)
	expectedY := firstBubbleY + 2*bubblePitchY
	assert.InDelta(t, expectedY, row[3].Y, 5)
}

func TestConfigureGridEndToEnd(t *testing.T) {
	form := syntheticForm(false, nil)
	data, err := vision.Encode(form, ".png")
	require.NoError(t, err)

	result, err := Configure(data, Params{ConfigType: models.ConfigTypeGrid})
	require.NoError(t, err)

	assert.Equal(t, TargetWidth, result.Warped.Bounds().Dx())
	assert.Equal(t, TargetHeight, result.Warped.Bounds().Dy())
	assert.Equal(t, TargetWidth, result.Dimensions.ProcessedWidth)
	assert.Equal(t, formColumns*formRows, result.Config.Metadata.NumQuestions)
	assert.NotNil(t, result.Debug)
}

func TestBubbleCoordinatesOrderGrid(t *testing.T) {
	cfg := &Config{
		Metadata: Metadata{
			NumQuestions:          4,
			ColumnRowDistribution: []int{2, 2},
			OptionsPerQuestion:    2,
			NumColumns:            2,
		},
		BubbleConfigs: &GridBubbleConfig{
			XOffset: 10,
			YOffset: 20,
			Columns: map[string]ColumnStart{
				"1": {StartingX: 100, StartingY: 200},
				"2": {StartingX: 400, StartingY: 200},
			},
		},
	}

	points, err := cfg.BubbleCoordinates()
	require.NoError(t, err)
	require.Len(t, points, 8)

	// Column 1 rows first, options left to right.
	assert.Equal(t, vision.Point{X: 100, Y: 200}, points[0])
	assert.Equal(t, vision.Point{X: 110, Y: 200}, points[1])
	assert.Equal(t, vision.Point{X: 100, Y: 220}, points[2])
	// Column 2 follows all of column 1.
	assert.Equal(t, vision.Point{X: 400, Y: 200}, points[4])
}

func TestBubbleCoordinatesOrderClustering(t *testing.T) {
	cfg := &Config{
		Metadata: Metadata{
			NumQuestions:          2,
			ColumnRowDistribution: []int{1, 1},
			OptionsPerQuestion:    2,
			NumColumns:            2,
		},
		Bubbles: map[string]map[string][]BubblePoint{
			"2": {"1": {{X: 400, Y: 200}, {X: 410, Y: 200}}},
			"1": {"1": {{X: 100, Y: 200}, {X: 110, Y: 200}}},
		},
	}

	points, err := cfg.BubbleCoordinates()
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, vision.Point{X: 100, Y: 200}, points[0])
	assert.Equal(t, vision.Point{X: 400, Y: 200}, points[2])
}

func TestParseRejectsEmptyConfig(t *testing.T) {
	_, err := Parse([]byte(`{"metadata":{}}`))
	require.Error(t, err)

	cfg := &Config{
		Metadata:      Metadata{NumQuestions: 1, ColumnRowDistribution: []int{1}, OptionsPerQuestion: 2, NumColumns: 1},
		BubbleConfigs: &GridBubbleConfig{XOffset: 10, YOffset: 10, Columns: map[string]ColumnStart{"1": {100, 100}}},
	}
	data, err := cfg.Encode()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Metadata, parsed.Metadata)
}

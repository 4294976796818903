package templateconfig

import (
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"

	"github.com/ternarybob/sheetmark/internal/vision"
)

// Grid detection thresholds on the warped template.
const (
	gridMinCircularity = 0.85
	gridMinBubbleArea  = 200.0

	// A gap wider than this multiple of the bubble pitch splits the
	// first row into columns.
	columnGapFactor = 1.6
)

// DetectGrid reads a regular bubble grid off the warped template and
// returns the config plus every detected center for the debug overlay.
func DetectGrid(warped *image.Gray) (*Config, []vision.Point, error) {
	centers := detectBubbleCenters(warped)
	if len(centers) < 4 {
		return nil, nil, fmt.Errorf("found %d bubbles, too few for a grid", len(centers))
	}

	// Top-left bubble seeds the sweep.
	tl := centers[0]
	for _, p := range centers[1:] {
		if p.X+p.Y < tl.X+tl.Y {
			tl = p
		}
	}

	rowTolerance := bubblePitchGuess(centers) / 2
	firstRow := pointsNearRow(centers, tl.Y, rowTolerance)
	sort.Slice(firstRow, func(i, j int) bool { return firstRow[i].X < firstRow[j].X })
	if len(firstRow) < 2 {
		return nil, nil, fmt.Errorf("first bubble row has %d bubbles, need at least 2", len(firstRow))
	}

	xOffset := smallestStep(firstRow)
	if xOffset <= 0 {
		return nil, nil, fmt.Errorf("could not infer horizontal bubble pitch")
	}

	// Column starts: the first bubble, then every bubble after a gap.
	gap := columnGapFactor * xOffset
	columnStarts := []vision.Point{firstRow[0]}
	optionsPerQuestion := 1
	runLength := 1
	for i := 1; i < len(firstRow); i++ {
		if firstRow[i].X-firstRow[i-1].X > gap {
			columnStarts = append(columnStarts, firstRow[i])
			if runLength > optionsPerQuestion {
				optionsPerQuestion = runLength
			}
			runLength = 1
			continue
		}
		runLength++
	}
	if runLength > optionsPerQuestion {
		optionsPerQuestion = runLength
	}

	// Vertical pitch from the first column of bubbles.
	firstColumn := pointsNearColumn(centers, tl.X, rowTolerance)
	sort.Slice(firstColumn, func(i, j int) bool { return firstColumn[i].Y < firstColumn[j].Y })
	if len(firstColumn) < 2 {
		return nil, nil, fmt.Errorf("first bubble column has %d bubbles, need at least 2", len(firstColumn))
	}
	yOffset := (firstColumn[len(firstColumn)-1].Y - firstColumn[0].Y) / float64(len(firstColumn)-1)

	columns := make(map[string]ColumnStart, len(columnStarts))
	distribution := make([]int, len(columnStarts))
	for i, start := range columnStarts {
		columns[strconv.Itoa(i+1)] = ColumnStart{
			StartingX: int(math.Round(start.X)),
			StartingY: int(math.Round(start.Y)),
		}
		distribution[i] = len(pointsNearColumn(centers, start.X, rowTolerance))
	}

	numQuestions := 0
	for _, rows := range distribution {
		numQuestions += rows
	}

	cfg := &Config{
		Metadata: Metadata{
			NumQuestions:          numQuestions,
			ColumnRowDistribution: distribution,
			OptionsPerQuestion:    optionsPerQuestion,
			NumColumns:            len(columnStarts),
		},
		BubbleConfigs: &GridBubbleConfig{
			XOffset: int(math.Round(xOffset)),
			YOffset: int(math.Round(yOffset)),
			Columns: columns,
		},
	}
	return cfg, centers, nil
}

// detectBubbleCenters runs the edge/contour pass shared by grid
// detection: blur, Canny, outer contours, circularity and area filter.
func detectBubbleCenters(warped *image.Gray) []vision.Point {
	edges := vision.Canny(vision.GaussianBlur(warped, 1), 10, 50)
	closed := vision.MorphClose(edges, 3)
	contours := vision.FindContours(closed)

	var centers []vision.Point
	for i := range contours {
		c := &contours[i]
		if c.Parent != -1 {
			continue
		}
		if c.Circularity() < gridMinCircularity {
			continue
		}
		if c.EnclosedArea() < gridMinBubbleArea {
			continue
		}
		centers = append(centers, c.Centroid)
	}
	return centers
}

// bubblePitchGuess estimates the typical bubble spacing from nearest
// neighbor distances.
func bubblePitchGuess(centers []vision.Point) float64 {
	if len(centers) < 2 {
		return 0
	}
	var dists []float64
	for i, p := range centers {
		nearest := math.Inf(1)
		for j, q := range centers {
			if i == j {
				continue
			}
			if d := p.Dist(q); d < nearest {
				nearest = d
			}
		}
		dists = append(dists, nearest)
	}
	sort.Float64s(dists)
	return dists[len(dists)/2]
}

// smallestStep returns the horizontal pitch of a sorted row: the
// average step over the leading run of near-equal gaps. With at least
// two bubbles this is (last.x - first.x) / (n - 1) within one column.
func smallestStep(row []vision.Point) float64 {
	if len(row) < 2 {
		return 0
	}
	first := row[0].X
	minGap := row[1].X - row[0].X
	count := 1
	last := row[1].X
	for i := 2; i < len(row); i++ {
		gap := row[i].X - row[i-1].X
		if gap > columnGapFactor*minGap {
			break
		}
		if gap < minGap {
			minGap = gap
		}
		last = row[i].X
		count++
	}
	return (last - first) / float64(count)
}

func pointsNearRow(centers []vision.Point, y, tolerance float64) []vision.Point {
	var out []vision.Point
	for _, p := range centers {
		if math.Abs(p.Y-y) <= tolerance {
			out = append(out, p)
		}
	}
	return out
}

func pointsNearColumn(centers []vision.Point, x, tolerance float64) []vision.Point {
	var out []vision.Point
	for _, p := range centers {
		if math.Abs(p.X-x) <= tolerance {
			out = append(out, p)
		}
	}
	return out
}

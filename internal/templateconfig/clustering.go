package templateconfig

import (
	"fmt"
	"image"
	"math"
	"sort"
	"strconv"

	"github.com/ternarybob/sheetmark/internal/vision"
)

// Clustering detection thresholds.
const (
	clusterMinCircularity = 0.7
	clusterMaxCircularity = 1.2
	clusterMinAspect      = 0.8
	clusterMaxAspect      = 1.25
	clusterAreaLowFactor  = 0.5
	clusterAreaHighFactor = 1.5

	// Header separator line on the form.
	headerLineMinThickness = 3
	headerLineMinAspect    = 3.0

	// Imputation tolerance when matching bubbles to option slots.
	referenceXTolerance = 10.0
)

// DetectClustering locates bubbles on forms without a strict grid by
// clustering candidate circles into the declared column/row/option
// layout. Missing bubbles in a row are imputed from the option x
// positions of complete rows; extras are pruned.
func DetectClustering(warped *image.Gray, numColumns, rowsPerColumn, optionsPerQuestion int) (*Config, []vision.Point, error) {
	if numColumns <= 0 || rowsPerColumn <= 0 || optionsPerQuestion <= 0 {
		return nil, nil, fmt.Errorf("clustering detection needs positive column/row/option counts")
	}

	body, cropY := cropBelowHeaderLine(warped)

	centers := clusterBubbleCenters(body)
	// Back into the warped template's coordinate frame.
	for i := range centers {
		centers[i].Y += float64(cropY)
	}
	if len(centers) < numColumns*optionsPerQuestion {
		return nil, nil, fmt.Errorf("found %d bubble candidates, too few for %d columns", len(centers), numColumns)
	}

	// Column split on x.
	xs := make([]float64, len(centers))
	for i, p := range centers {
		xs[i] = p.X
	}
	columnOf := vision.KMeans1D(xs, numColumns)

	bubbles := make(map[string]map[string][]BubblePoint, numColumns)
	distribution := make([]int, numColumns)

	for col := 0; col < numColumns; col++ {
		var colPoints []vision.Point
		for i, p := range centers {
			if columnOf[i] == col {
				colPoints = append(colPoints, p)
			}
		}
		rows, err := splitColumnRows(colPoints, rowsPerColumn, optionsPerQuestion)
		if err != nil {
			return nil, nil, fmt.Errorf("column %d: %w", col+1, err)
		}

		rows = normalizeRows(rows, optionsPerQuestion)

		colMap := make(map[string][]BubblePoint, len(rows))
		for r, row := range rows {
			pts := make([]BubblePoint, len(row))
			for i, p := range row {
				pts[i] = BubblePoint{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
			}
			colMap[strconv.Itoa(r+1)] = pts
		}
		bubbles[strconv.Itoa(col+1)] = colMap
		distribution[col] = len(rows)
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
			NumColumns:            numColumns,
		},
		Bubbles: bubbles,
	}
	return cfg, centers, nil
}

// cropBelowHeaderLine drops everything above the topmost thick
// horizontal separator so header text cannot masquerade as bubbles.
// It returns the cropped image and the crop offset.
func cropBelowHeaderLine(warped *image.Gray) (*image.Gray, int) {
	width := warped.Bounds().Dx()
	bin := vision.ThresholdInv(warped, vision.OtsuThreshold(warped))
	contours := vision.FindContours(bin)

	cropY := -1
	for i := range contours {
		c := &contours[i]
		if c.BBox.Dy() < headerLineMinThickness {
			continue
		}
		if c.BBox.Dx() < width/2 {
			continue
		}
		if c.AspectRatio() <= headerLineMinAspect {
			continue
		}
		if cropY == -1 || c.BBox.Max.Y < cropY {
			cropY = c.BBox.Max.Y
		}
	}
	if cropY <= 0 {
		return warped, 0
	}
	return vision.CropRect(warped, image.Rect(0, cropY, width, warped.Bounds().Dy())), cropY
}

// clusterBubbleCenters finds circle candidates and drops area outliers
// against the mean.
func clusterBubbleCenters(body *image.Gray) []vision.Point {
	edges := vision.Canny(vision.GaussianBlur(body, 1), 10, 50)
	closed := vision.MorphClose(edges, 3)
	contours := vision.FindContours(closed)

	type candidate struct {
		center vision.Point
		area   float64
	}
	var candidates []candidate
	for i := range contours {
		c := &contours[i]
		if c.Parent != -1 {
			continue
		}
		circ := c.Circularity()
		if circ < clusterMinCircularity || circ > clusterMaxCircularity {
			continue
		}
		aspect := c.AspectRatio()
		if aspect < clusterMinAspect || aspect > clusterMaxAspect {
			continue
		}
		candidates = append(candidates, candidate{center: c.Centroid, area: c.EnclosedArea()})
	}
	if len(candidates) == 0 {
		return nil
	}

	var mean float64
	for _, c := range candidates {
		mean += c.area
	}
	mean /= float64(len(candidates))

	var centers []vision.Point
	for _, c := range candidates {
		if c.area < clusterAreaLowFactor*mean || c.area > clusterAreaHighFactor*mean {
			continue
		}
		centers = append(centers, c.center)
	}
	return centers
}

// splitColumnRows groups one column's points into rows. An exact
// rows*options count slices by sorted y; otherwise rows come from a
// k-means split on y.
func splitColumnRows(points []vision.Point, rowsPerColumn, optionsPerQuestion int) ([][]vision.Point, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("no bubbles detected")
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Y < points[j].Y })

	rows := make([][]vision.Point, rowsPerColumn)
	if len(points) == rowsPerColumn*optionsPerQuestion {
		for r := 0; r < rowsPerColumn; r++ {
			row := make([]vision.Point, optionsPerQuestion)
			copy(row, points[r*optionsPerQuestion:(r+1)*optionsPerQuestion])
			rows[r] = row
		}
	} else {
		ys := make([]float64, len(points))
		for i, p := range points {
			ys[i] = p.Y
		}
		rowOf := vision.KMeans1D(ys, rowsPerColumn)
		for i, p := range points {
			rows[rowOf[i]] = append(rows[rowOf[i]], p)
		}
	}

	for r := range rows {
		sort.Slice(rows[r], func(i, j int) bool { return rows[r][i].X < rows[r][j].X })
	}
	return rows, nil
}

// normalizeRows forces every row to exactly optionsPerQuestion
// bubbles. Option x positions (reference_x) average over the rows that
// already have the full count; short rows get missing slots imputed at
// the reference x and the row's mean y, long rows keep the bubble
// nearest each reference slot.
func normalizeRows(rows [][]vision.Point, optionsPerQuestion int) [][]vision.Point {
	referenceX := make([]float64, optionsPerQuestion)
	complete := 0
	for _, row := range rows {
		if len(row) != optionsPerQuestion {
			continue
		}
		for i, p := range row {
			referenceX[i] += p.X
		}
		complete++
	}
	if complete == 0 {
		return rows
	}
	for i := range referenceX {
		referenceX[i] /= float64(complete)
	}

	for r, row := range rows {
		if len(row) == optionsPerQuestion {
			continue
		}

		var meanY float64
		for _, p := range row {
			meanY += p.Y
		}
		if len(row) > 0 {
			meanY /= float64(len(row))
		}

		fixed := make([]vision.Point, optionsPerQuestion)
		used := make([]bool, len(row))
		for slot, refX := range referenceX {
			bestIdx := -1
			bestDist := referenceXTolerance
			for i, p := range row {
				if used[i] {
					continue
				}
				if d := math.Abs(p.X - refX); d < bestDist {
					bestDist = d
					bestIdx = i
				}
			}
			if bestIdx >= 0 {
				used[bestIdx] = true
				fixed[slot] = row[bestIdx]
			} else {
				fixed[slot] = vision.Point{X: refX, Y: meanY}
			}
		}
		rows[r] = fixed
	}
	return rows
}

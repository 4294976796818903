// Package indexer is the index-recognizer service: it finds the
// handwritten student-index box on raw answer sheets and turns OCR
// readings into index-task results on the broker.
package indexer

import (
	"fmt"
	"image"

	"github.com/ternarybob/sheetmark/internal/common"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// Edge-detection thresholds for the box outline.
const (
	cannyLow  = 10
	cannyHigh = 50
)

// FindIndexSection locates the index box on a raw sheet and returns the
// deskewed crop in the service's operating resolution. The box is the
// most deeply nested rectangle whose enclosed area falls in the
// configured range; detection descends the contour tree so the crop
// excludes the box's printed border.
func FindIndexSection(sheet *image.Gray, cfg *common.IndexerConfig) (*image.Gray, error) {
	resized := vision.Resize(sheet, cfg.OperatingWidth, cfg.OperatingHeight)
	blurred := vision.GaussianBlur(resized, cfg.BlurSpread)
	edges := vision.Canny(blurred, cannyLow, cannyHigh)

	contours := vision.FindContours(edges)
	minArea := float64(cfg.MinContourArea)
	maxArea := float64(cfg.MaxContourArea)

	inRange := func(i int) bool {
		a := contours[i].EnclosedArea()
		return a >= minArea && a <= maxArea
	}

	candidates := make([]int, 0, len(contours))
	for i := range contours {
		if contours[i].Parent == -1 {
			candidates = append(candidates, i)
		}
	}

	// Outer outline, inner outline, then the content region. Each level
	// keeps the largest in-range contour; the deepest hit wins.
	best := -1
	for depth := 0; depth < 3 && len(candidates) > 0; depth++ {
		pick := -1
		for _, i := range candidates {
			if !inRange(i) {
				continue
			}
			if pick < 0 || contours[i].EnclosedArea() > contours[pick].EnclosedArea() {
				pick = i
			}
		}
		if pick < 0 {
			break
		}
		best = pick
		candidates = vision.Children(contours, pick)
	}
	if best < 0 {
		return nil, fmt.Errorf("no index box in the %d..%d area range", cfg.MinContourArea, cfg.MaxContourArea)
	}

	corners := vision.OrderCorners(vision.MinAreaRect(contours[best].Border))
	width := int(corners[0].Dist(corners[1]) + 0.5)
	height := int(corners[0].Dist(corners[3]) + 0.5)
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("index box degenerated to %dx%d", width, height)
	}

	crop, err := vision.WarpToCorners(resized, corners, width, height)
	if err != nil {
		return nil, fmt.Errorf("failed to deskew index box: %w", err)
	}
	return crop, nil
}

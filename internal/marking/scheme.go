// Package marking samples bubbles, scores answer sheets against a
// marking scheme, and assembles the result spreadsheet.
package marking

import (
	"encoding/json"
	"fmt"
	"image"

	"github.com/ternarybob/sheetmark/internal/vision"
)

// Mark sampling parameters: a bubble counts as marked when enough lit
// pixels surround its projected center on the binarized sheet.
const (
	markBinarizeThreshold = 200
	markMorphOpenSize     = 5
	markSampleWindow      = 5
	markLitPixelMin       = 15
)

// MarkedBubble is one sampled bubble: whether it is filled in and
// where its center landed on the sampled image.
type MarkedBubble struct {
	Marked int     `json:"marked"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
}

// MarkingConfig is the persisted marking-scheme answers JSON: the
// sampled bubbles of the filled scheme, in bubble order.
type MarkingConfig struct {
	AnswersWithCoordinates []MarkedBubble `json:"answers_with_coordinates"`
}

// EncodeMarkingConfig serializes the sampled answers. Each bubble
// encodes as the [marked, x, y] triple.
func EncodeMarkingConfig(answers []MarkedBubble) ([]byte, error) {
	triples := make([][3]float64, len(answers))
	for i, a := range answers {
		triples[i] = [3]float64{float64(a.Marked), a.X, a.Y}
	}
	data, err := json.Marshal(map[string]any{"answers_with_coordinates": triples})
	if err != nil {
		return nil, fmt.Errorf("failed to encode marking config: %w", err)
	}
	return data, nil
}

// ParseMarkingConfig reads the [marked, x, y] triples back.
func ParseMarkingConfig(data []byte) ([]MarkedBubble, error) {
	var raw struct {
		AnswersWithCoordinates [][3]float64 `json:"answers_with_coordinates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse marking config: %w", err)
	}
	answers := make([]MarkedBubble, len(raw.AnswersWithCoordinates))
	for i, t := range raw.AnswersWithCoordinates {
		answers[i] = MarkedBubble{Marked: int(t[0]), X: t[1], Y: t[2]}
	}
	return answers, nil
}

// SampleBubbles aligns the target image against the warped template,
// projects every bubble center through the homography, and samples
// each center's neighborhood on the binarized target. This one routine
// backs both marking-config jobs (target = filled scheme) and per
// sheet marking (target = student sheet).
func SampleBubbles(template, target *image.Gray, bubbles []vision.Point) ([]MarkedBubble, error) {
	h, err := vision.AlignToTemplate(target, template)
	if err != nil {
		return nil, err
	}
	// AlignToTemplate maps target onto template; projecting template
	// coordinates onto the target needs the inverse.
	inv, err := h.Invert()
	if err != nil {
		return nil, fmt.Errorf("alignment homography is not invertible: %w", err)
	}

	binary := vision.MorphOpen(vision.ThresholdInv(target, markBinarizeThreshold), markMorphOpenSize)
	return sampleAt(binary, inv, bubbles), nil
}

// sampleAt projects bubbles through h and counts lit pixels in the
// sampling window around each projected center.
func sampleAt(binary *image.Gray, h vision.Homography, bubbles []vision.Point) []MarkedBubble {
	bounds := binary.Bounds()
	w, bh := bounds.Dx(), bounds.Dy()
	half := markSampleWindow / 2

	out := make([]MarkedBubble, len(bubbles))
	for i, b := range bubbles {
		p := h.Apply(b)
		lit := 0
		cx, cy := int(p.X), int(p.Y)
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				x, y := cx+dx, cy+dy
				if x < 0 || x >= w || y < 0 || y >= bh {
					continue
				}
				if binary.Pix[y*binary.Stride+x] > 0 {
					lit++
				}
			}
		}
		marked := 0
		if lit > markLitPixelMin {
			marked = 1
		}
		out[i] = MarkedBubble{Marked: marked, X: p.X, Y: p.Y}
	}
	return out
}

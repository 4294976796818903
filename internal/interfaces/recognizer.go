package interfaces

import (
	"context"
	"image"
)

// DigitRecognizer reads a handwritten student index from a cropped
// index-section image. The engine behind it is a black box; the
// pipeline only consumes the recognized text and its confidence.
type DigitRecognizer interface {
	Recognize(ctx context.Context, crop image.Image) (index string, confidence float64, err error)
}

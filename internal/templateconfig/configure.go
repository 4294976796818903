package templateconfig

import (
	"fmt"
	"image"
	"image/color"

	"github.com/ternarybob/sheetmark/internal/models"
	"github.com/ternarybob/sheetmark/internal/vision"
)

// Params selects the detection strategy for one configuration run.
type Params struct {
	ConfigType              models.TemplateConfigType
	NumOfColumns            int
	NumOfRowsPerColumn      int
	NumOfOptionsPerQuestion int
}

// Result is everything a configuration run produces.
type Result struct {
	Config     *Config
	Warped     *image.Gray
	Debug      *image.RGBA
	Dimensions models.ImageDimensions
}

// WarpTemplate normalizes a raw template image onto the target canvas.
// Marking loads the template through this so its bubble coordinates and
// the sheet alignment share one frame.
func WarpTemplate(imageBytes []byte) (*image.Gray, error) {
	decoded, err := vision.Decode(imageBytes)
	if err != nil {
		return nil, err
	}
	gray := vision.ToGray(decoded)

	corners, err := FindAnchors(gray)
	if err != nil {
		return nil, err
	}
	warped, err := vision.WarpToCorners(gray, corners, TargetWidth, TargetHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to warp template: %w", err)
	}
	return warped, nil
}

// Configure runs the full template-configuration pipeline on raw image
// bytes: anchor detection, perspective normalization onto the target
// canvas, then bubble detection for the requested strategy. The debug
// overlay marks every detected bubble center on the warped image.
func Configure(imageBytes []byte, params Params) (*Result, error) {
	decoded, err := vision.Decode(imageBytes)
	if err != nil {
		return nil, err
	}
	gray := vision.ToGray(decoded)

	corners, err := FindAnchors(gray)
	if err != nil {
		return nil, err
	}

	warped, err := vision.WarpToCorners(gray, corners, TargetWidth, TargetHeight)
	if err != nil {
		return nil, fmt.Errorf("failed to warp template: %w", err)
	}

	var cfg *Config
	var centers []vision.Point
	switch params.ConfigType {
	case models.ConfigTypeGrid:
		cfg, centers, err = DetectGrid(warped)
	case models.ConfigTypeClustering:
		cfg, centers, err = DetectClustering(warped, params.NumOfColumns, params.NumOfRowsPerColumn, params.NumOfOptionsPerQuestion)
	default:
		return nil, fmt.Errorf("unknown config type: %s", params.ConfigType)
	}
	if err != nil {
		return nil, err
	}

	debug := vision.OverlayDots(warped, centers, 4, color.RGBA{R: 220, A: 255})

	return &Result{
		Config: cfg,
		Warped: warped,
		Debug:  debug,
		Dimensions: models.ImageDimensions{
			OriginalWidth:   gray.Bounds().Dx(),
			OriginalHeight:  gray.Bounds().Dy(),
			ProcessedWidth:  TargetWidth,
			ProcessedHeight: TargetHeight,
		},
	}, nil
}

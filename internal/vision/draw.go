package vision

import (
	"image"
	"image/color"
	"image/draw"
)

// OverlayDots renders src in color with a filled dot at each point.
// Configuration jobs save this as the operator-facing verification
// image.
func OverlayDots(src *image.Gray, points []Point, radius int, c color.Color) *image.RGBA {
	out := ToRGBA(src)
	DrawDots(out, points, radius, c)
	return out
}

// ToRGBA copies a gray image onto a color canvas for annotation.
func ToRGBA(src *image.Gray) *image.RGBA {
	bounds := src.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, src, bounds.Min, draw.Src)
	return out
}

// DrawDots paints filled dots onto an existing canvas. Callers that
// annotate with several colors convert once and draw per group.
func DrawDots(img *image.RGBA, points []Point, radius int, c color.Color) {
	for _, p := range points {
		drawDot(img, int(p.X), int(p.Y), radius, c)
	}
}

func drawDot(img *image.RGBA, cx, cy, radius int, c color.Color) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			x, y := cx+dx, cy+dy
			if image.Pt(x, y).In(img.Bounds()) {
				img.Set(x, y, c)
			}
		}
	}
}

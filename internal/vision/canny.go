package vision

import (
	"image"
	"math"
)

// Canny runs the classic edge detector: Sobel gradients, non-maximum
// suppression, then double-threshold hysteresis. Output is a binary
// edge map with white edges.
func Canny(src *image.Gray, low, high float64) *image.Gray {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	magnitude := make([]float64, w*h)
	direction := make([]float64, w*h)

	at := func(x, y int) float64 {
		return float64(src.Pix[clampInt(y, 0, h-1)*src.Stride+clampInt(x, 0, w-1)])
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) +
				-2*at(x-1, y) + 2*at(x+1, y) +
				-at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)
			magnitude[y*w+x] = math.Hypot(gx, gy)
			direction[y*w+x] = math.Atan2(gy, gx)
		}
	}

	// Non-maximum suppression along the gradient direction.
	suppressed := make([]float64, w*h)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			m := magnitude[y*w+x]
			angle := direction[y*w+x] * 180 / math.Pi
			if angle < 0 {
				angle += 180
			}
			var a, b float64
			switch {
			case angle < 22.5 || angle >= 157.5:
				a, b = magnitude[y*w+x-1], magnitude[y*w+x+1]
			case angle < 67.5:
				a, b = magnitude[(y-1)*w+x+1], magnitude[(y+1)*w+x-1]
			case angle < 112.5:
				a, b = magnitude[(y-1)*w+x], magnitude[(y+1)*w+x]
			default:
				a, b = magnitude[(y-1)*w+x-1], magnitude[(y+1)*w+x+1]
			}
			if m >= a && m >= b {
				suppressed[y*w+x] = m
			}
		}
	}

	// Hysteresis: strong edges seed, weak edges survive only when
	// connected to a strong edge.
	const (
		weak   = 1
		strong = 2
	)
	marks := make([]uint8, w*h)
	var stack []int
	for i, m := range suppressed {
		switch {
		case m >= high:
			marks[i] = strong
			stack = append(stack, i)
		case m >= low:
			marks[i] = weak
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if dst.Pix[i] == 255 {
			continue
		}
		dst.Pix[i] = 255

		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				xx, yy := x+dx, y+dy
				if xx < 0 || xx >= w || yy < 0 || yy >= h {
					continue
				}
				j := yy*w + xx
				if marks[j] != 0 && dst.Pix[j] == 0 {
					stack = append(stack, j)
				}
			}
		}
	}
	return dst
}

package vision

import (
	"image"
	"math"
)

// GaussianBlur smooths src with a separable kernel. spread is the
// kernel radius; sigma is derived from it.
func GaussianBlur(src *image.Gray, spread int) *image.Gray {
	if spread <= 0 {
		return src
	}
	sigma := float64(spread)/2 + 0.5
	kernel := make([]float64, 2*spread+1)
	var sum float64
	for i := range kernel {
		d := float64(i - spread)
		kernel[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	horizontal := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -spread; k <= spread; k++ {
				xx := clampInt(x+k, 0, w-1)
				acc += kernel[k+spread] * float64(src.Pix[y*src.Stride+xx])
			}
			horizontal[y*w+x] = acc
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for k := -spread; k <= spread; k++ {
				yy := clampInt(y+k, 0, h-1)
				acc += kernel[k+spread] * horizontal[yy*w+x]
			}
			dst.Pix[y*dst.Stride+x] = uint8(clampFloat(acc, 0, 255))
		}
	}
	return dst
}

// Erode shrinks white regions with a size x size square element.
func Erode(src *image.Gray, size int) *image.Gray {
	return morph(src, size, true)
}

// Dilate grows white regions with a size x size square element.
func Dilate(src *image.Gray, size int) *image.Gray {
	return morph(src, size, false)
}

// MorphOpen erodes then dilates, removing white speckle smaller than
// the element.
func MorphOpen(src *image.Gray, size int) *image.Gray {
	return Dilate(Erode(src, size), size)
}

// MorphClose dilates then erodes, filling small gaps in white regions.
func MorphClose(src *image.Gray, size int) *image.Gray {
	return Erode(Dilate(src, size), size)
}

func morph(src *image.Gray, size int, erode bool) *image.Gray {
	if size <= 1 {
		return src
	}
	radius := size / 2
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var out uint8
			if erode {
				out = 255
			}
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					xx := clampInt(x+dx, 0, w-1)
					yy := clampInt(y+dy, 0, h-1)
					v := src.Pix[yy*src.Stride+xx]
					if erode {
						if v < out {
							out = v
						}
					} else if v > out {
						out = v
					}
				}
			}
			dst.Pix[y*dst.Stride+x] = out
		}
	}
	return dst
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

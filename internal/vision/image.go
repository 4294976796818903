// Package vision holds the image-processing primitives behind template
// configuration, marking, and index-box detection. Everything operates
// on grayscale rasters; callers decode once and thread *image.Gray
// through the stages.
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"strings"

	xdraw "golang.org/x/image/draw"
)

// Decode parses PNG or JPEG bytes.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Encode serializes img by file extension. PNG is the default; results
// destined for .jpg artifacts use quality 90.
func Encode(img image.Image, ext string) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// ToGray converts any image to 8-bit grayscale.
func ToGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// Resize scales img to width x height with bilinear interpolation.
func Resize(img image.Image, width, height int) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

// Invert flips every gray level, turning dark marks into bright blobs.
func Invert(src *image.Gray) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i := range src.Pix {
		dst.Pix[i] = 255 - src.Pix[i]
	}
	return dst
}

// Threshold binarizes src: pixels strictly above thr become white,
// everything else black.
func Threshold(src *image.Gray, thr uint8) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		if v > thr {
			dst.Pix[i] = 255
		}
	}
	return dst
}

// ThresholdInv binarizes src the other way: pixels at or below thr
// become white. Dark ink on a light page turns into white foreground.
func ThresholdInv(src *image.Gray, thr uint8) *image.Gray {
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		if v <= thr {
			dst.Pix[i] = 255
		}
	}
	return dst
}

// OtsuThreshold picks the global threshold that minimizes intra-class
// variance over the histogram.
func OtsuThreshold(src *image.Gray) uint8 {
	var hist [256]int
	for _, v := range src.Pix {
		hist[v]++
	}
	total := len(src.Pix)

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var sumB, wB float64
	var best float64
	var thr uint8
	for i := 0; i < 256; i++ {
		wB += float64(hist[i])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(i) * float64(hist[i])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			thr = uint8(i)
		}
	}
	return thr
}

// StretchContrast linearly rescales gray levels so the darkest pixel
// maps to 0 and the brightest to 255. Scans and photographs of sheets
// arrive with uneven exposure; stretching stabilizes the fixed
// binarize threshold downstream.
func StretchContrast(src *image.Gray) *image.Gray {
	minV, maxV := uint8(255), uint8(0)
	for _, v := range src.Pix {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if maxV <= minV {
		return src
	}
	scale := 255.0 / float64(maxV-minV)
	dst := image.NewGray(src.Bounds())
	for i, v := range src.Pix {
		dst.Pix[i] = uint8(float64(v-minV) * scale)
	}
	return dst
}

// CountWhite returns the number of foreground pixels in a binary image.
func CountWhite(src *image.Gray) int {
	n := 0
	for _, v := range src.Pix {
		if v > 0 {
			n++
		}
	}
	return n
}

// CropRect extracts a copy of the given region, clipped to bounds.
func CropRect(src *image.Gray, r image.Rectangle) *image.Gray {
	r = r.Intersect(src.Bounds())
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		srcRow := src.Pix[(r.Min.Y+y-src.Rect.Min.Y)*src.Stride+(r.Min.X-src.Rect.Min.X):]
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+r.Dx()], srcRow[:r.Dx()])
	}
	return dst
}

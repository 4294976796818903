package vision

import (
	"fmt"
	"image"
	"math"
	"math/rand"
	"sort"
)

// Feature is a corner keypoint with a normalized patch descriptor.
type Feature struct {
	At         Point
	Descriptor []float64
}

const (
	descriptorPatch = 16 // sampled window around the corner
	descriptorSize  = 64 // 8x8 averaged cells

	// LoweRatio rejects ambiguous matches: best distance must beat the
	// second best by this factor.
	LoweRatio = 0.75

	// MinAlignMatches is the fewest surviving matches accepted before
	// estimating an alignment homography.
	MinAlignMatches = 15

	ransacIterations = 500
	ransacInlierDist = 3.0
)

// DetectFeatures finds up to maxFeatures Harris corners and attaches
// patch descriptors. Corners too close to the border are skipped.
func DetectFeatures(src *image.Gray, maxFeatures int) []Feature {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 2*descriptorPatch || h < 2*descriptorPatch {
		return nil
	}

	response := harrisResponse(src)

	// Non-maximum suppression over a 5x5 window.
	type candidate struct {
		x, y int
		r    float64
	}
	var candidates []candidate
	margin := descriptorPatch
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			r := response[y*w+x]
			if r <= 0 {
				continue
			}
			peak := true
			for dy := -2; dy <= 2 && peak; dy++ {
				for dx := -2; dx <= 2; dx++ {
					if response[(y+dy)*w+x+dx] > r {
						peak = false
						break
					}
				}
			}
			if peak {
				candidates = append(candidates, candidate{x, y, r})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].r > candidates[j].r })
	if len(candidates) > maxFeatures {
		candidates = candidates[:maxFeatures]
	}

	features := make([]Feature, 0, len(candidates))
	for _, c := range candidates {
		features = append(features, Feature{
			At:         Point{X: float64(c.x), Y: float64(c.y)},
			Descriptor: patchDescriptor(src, c.x, c.y),
		})
	}
	return features
}

func harrisResponse(src *image.Gray) []float64 {
	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	at := func(x, y int) float64 {
		return float64(src.Pix[clampInt(y, 0, h-1)*src.Stride+clampInt(x, 0, w-1)])
	}

	ixx := make([]float64, w*h)
	iyy := make([]float64, w*h)
	ixy := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := at(x+1, y) - at(x-1, y)
			gy := at(x, y+1) - at(x, y-1)
			ixx[y*w+x] = gx * gx
			iyy[y*w+x] = gy * gy
			ixy[y*w+x] = gx * gy
		}
	}

	const k = 0.04
	response := make([]float64, w*h)
	for y := 2; y < h-2; y++ {
		for x := 2; x < w-2; x++ {
			var sxx, syy, sxy float64
			for dy := -2; dy <= 2; dy++ {
				for dx := -2; dx <= 2; dx++ {
					i := (y+dy)*w + x + dx
					sxx += ixx[i]
					syy += iyy[i]
					sxy += ixy[i]
				}
			}
			det := sxx*syy - sxy*sxy
			trace := sxx + syy
			response[y*w+x] = det - k*trace*trace
		}
	}
	return response
}

// patchDescriptor averages a 16x16 window into 8x8 cells and
// normalizes to zero mean, unit length, giving tolerance to lighting.
func patchDescriptor(src *image.Gray, cx, cy int) []float64 {
	desc := make([]float64, descriptorSize)
	half := descriptorPatch / 2
	cell := descriptorPatch / 8
	for gy := 0; gy < 8; gy++ {
		for gx := 0; gx < 8; gx++ {
			var sum float64
			for py := 0; py < cell; py++ {
				for px := 0; px < cell; px++ {
					x := cx - half + gx*cell + px
					y := cy - half + gy*cell + py
					sum += float64(src.Pix[y*src.Stride+x])
				}
			}
			desc[gy*8+gx] = sum / float64(cell*cell)
		}
	}

	var mean float64
	for _, v := range desc {
		mean += v
	}
	mean /= float64(len(desc))
	var norm float64
	for i := range desc {
		desc[i] -= mean
		norm += desc[i] * desc[i]
	}
	norm = math.Sqrt(norm)
	if norm > 1e-9 {
		for i := range desc {
			desc[i] /= norm
		}
	}
	return desc
}

// Match pairs a feature index in the first set with one in the second.
type Match struct {
	From, To int
}

// MatchFeatures brute-forces nearest descriptors with the Lowe ratio
// test.
func MatchFeatures(a, b []Feature) []Match {
	var matches []Match
	for i := range a {
		best, second := math.Inf(1), math.Inf(1)
		bestJ := -1
		for j := range b {
			d := descriptorDist(a[i].Descriptor, b[j].Descriptor)
			if d < best {
				second = best
				best = d
				bestJ = j
			} else if d < second {
				second = d
			}
		}
		if bestJ >= 0 && best < LoweRatio*second {
			matches = append(matches, Match{From: i, To: bestJ})
		}
	}
	return matches
}

func descriptorDist(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// EstimateHomographyRANSAC fits a homography from src to dst point
// pairs, tolerating outlier matches. The final model is refit on all
// inliers of the best sample.
func EstimateHomographyRANSAC(src, dst []Point) (Homography, int, error) {
	if len(src) < 4 || len(src) != len(dst) {
		return Homography{}, 0, fmt.Errorf("need at least 4 point pairs, got %d", len(src))
	}

	rng := rand.New(rand.NewSource(1))
	bestInliers := []int(nil)

	for iter := 0; iter < ransacIterations; iter++ {
		idx := rng.Perm(len(src))[:4]
		sample := func(pts []Point) []Point {
			out := make([]Point, 4)
			for i, j := range idx {
				out[i] = pts[j]
			}
			return out
		}
		h, err := SolveHomography(sample(src), sample(dst))
		if err != nil {
			continue
		}

		var inliers []int
		for i := range src {
			if h.Apply(src[i]).Dist(dst[i]) <= ransacInlierDist {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
		}
	}

	if len(bestInliers) < 4 {
		return Homography{}, 0, fmt.Errorf("no consistent homography among %d matches", len(src))
	}

	srcIn := make([]Point, len(bestInliers))
	dstIn := make([]Point, len(bestInliers))
	for i, j := range bestInliers {
		srcIn[i] = src[j]
		dstIn[i] = dst[j]
	}
	h, err := SolveHomography(srcIn, dstIn)
	if err != nil {
		return Homography{}, 0, err
	}
	return h, len(bestInliers), nil
}

// AlignToTemplate estimates the homography warping sheet onto the
// template's coordinate frame via feature matching. It fails when too
// few matches survive the ratio test.
func AlignToTemplate(sheet, template *image.Gray) (Homography, error) {
	const maxFeatures = 800

	sheetFeatures := DetectFeatures(sheet, maxFeatures)
	templateFeatures := DetectFeatures(template, maxFeatures)

	matches := MatchFeatures(sheetFeatures, templateFeatures)
	if len(matches) < MinAlignMatches {
		return Homography{}, fmt.Errorf("not enough feature matches to align sheet: %d < %d", len(matches), MinAlignMatches)
	}

	src := make([]Point, len(matches))
	dst := make([]Point, len(matches))
	for i, m := range matches {
		src[i] = sheetFeatures[m.From].At
		dst[i] = templateFeatures[m.To].At
	}

	h, _, err := EstimateHomographyRANSAC(src, dst)
	if err != nil {
		return Homography{}, fmt.Errorf("sheet alignment failed: %w", err)
	}
	return h, nil
}

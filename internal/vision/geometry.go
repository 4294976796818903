package vision

import (
	"fmt"
	"image"
	"math"
)

// Point is a 2-D point in image coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Dist returns the euclidean distance between two points.
func (p Point) Dist(q Point) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// OrderCorners arranges four points as top-left, top-right,
// bottom-right, bottom-left using the coordinate sum and difference:
// the top-left corner minimizes x+y, the bottom-right maximizes it,
// the top-right minimizes y-x and the bottom-left maximizes it.
func OrderCorners(pts [4]Point) [4]Point {
	var ordered [4]Point
	minSum, maxSum := math.Inf(1), math.Inf(-1)
	minDiff, maxDiff := math.Inf(1), math.Inf(-1)
	for _, p := range pts {
		sum := p.X + p.Y
		diff := p.Y - p.X
		if sum < minSum {
			minSum = sum
			ordered[0] = p
		}
		if sum > maxSum {
			maxSum = sum
			ordered[2] = p
		}
		if diff < minDiff {
			minDiff = diff
			ordered[1] = p
		}
		if diff > maxDiff {
			maxDiff = diff
			ordered[3] = p
		}
	}
	return ordered
}

// Homography is a 3x3 projective transform in row-major order.
type Homography [9]float64

// Apply maps a point through the transform.
func (h Homography) Apply(p Point) Point {
	w := h[6]*p.X + h[7]*p.Y + h[8]
	if w == 0 {
		return Point{}
	}
	return Point{
		X: (h[0]*p.X + h[1]*p.Y + h[2]) / w,
		Y: (h[3]*p.X + h[4]*p.Y + h[5]) / w,
	}
}

// Invert returns the inverse transform.
func (h Homography) Invert() (Homography, error) {
	a, b, c := h[0], h[1], h[2]
	d, e, f := h[3], h[4], h[5]
	g, i, j := h[6], h[7], h[8]

	det := a*(e*j-f*i) - b*(d*j-f*g) + c*(d*i-e*g)
	if math.Abs(det) < 1e-12 {
		return Homography{}, fmt.Errorf("homography is singular")
	}
	inv := Homography{
		(e*j - f*i) / det, (c*i - b*j) / det, (b*f - c*e) / det,
		(f*g - d*j) / det, (a*j - c*g) / det, (c*d - a*f) / det,
		(d*i - e*g) / det, (b*g - a*i) / det, (a*e - b*d) / det,
	}
	return inv, nil
}

// SolveHomography computes the transform mapping each src[i] onto
// dst[i]. It needs at least 4 correspondences and solves the standard
// direct linear system with least squares when overdetermined.
func SolveHomography(src, dst []Point) (Homography, error) {
	if len(src) != len(dst) || len(src) < 4 {
		return Homography{}, fmt.Errorf("need at least 4 point pairs, got %d/%d", len(src), len(dst))
	}

	// Build the 2n x 8 system A*h = b with h33 fixed at 1.
	n := len(src)
	a := make([][]float64, 2*n)
	b := make([]float64, 2*n)
	for i := 0; i < n; i++ {
		sx, sy := src[i].X, src[i].Y
		dx, dy := dst[i].X, dst[i].Y
		a[2*i] = []float64{sx, sy, 1, 0, 0, 0, -sx * dx, -sy * dx}
		b[2*i] = dx
		a[2*i+1] = []float64{0, 0, 0, sx, sy, 1, -sx * dy, -sy * dy}
		b[2*i+1] = dy
	}

	h, err := solveLeastSquares(a, b, 8)
	if err != nil {
		return Homography{}, err
	}
	return Homography{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], 1}, nil
}

// solveLeastSquares solves (AtA)x = Atb by gaussian elimination with
// partial pivoting.
func solveLeastSquares(a [][]float64, b []float64, cols int) ([]float64, error) {
	ata := make([][]float64, cols)
	atb := make([]float64, cols)
	for i := 0; i < cols; i++ {
		ata[i] = make([]float64, cols)
	}
	for r := range a {
		for i := 0; i < cols; i++ {
			atb[i] += a[r][i] * b[r]
			for j := 0; j < cols; j++ {
				ata[i][j] += a[r][i] * a[r][j]
			}
		}
	}

	for col := 0; col < cols; col++ {
		pivot := col
		for r := col + 1; r < cols; r++ {
			if math.Abs(ata[r][col]) > math.Abs(ata[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(ata[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("degenerate point configuration")
		}
		ata[col], ata[pivot] = ata[pivot], ata[col]
		atb[col], atb[pivot] = atb[pivot], atb[col]

		for r := 0; r < cols; r++ {
			if r == col {
				continue
			}
			factor := ata[r][col] / ata[col][col]
			for c := col; c < cols; c++ {
				ata[r][c] -= factor * ata[col][c]
			}
			atb[r] -= factor * atb[col]
		}
	}

	x := make([]float64, cols)
	for i := 0; i < cols; i++ {
		x[i] = atb[i] / ata[i][i]
	}
	return x, nil
}

// WarpPerspective maps src through h into a width x height canvas by
// inverse mapping with bilinear sampling. Pixels that fall outside the
// source are white, matching paper background.
func WarpPerspective(src *image.Gray, h Homography, width, height int) (*image.Gray, error) {
	inv, err := h.Invert()
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	dst := image.NewGray(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			p := inv.Apply(Point{X: float64(x), Y: float64(y)})
			if p.X < 0 || p.Y < 0 || p.X > float64(sw-1) || p.Y > float64(sh-1) {
				dst.Pix[y*dst.Stride+x] = 255
				continue
			}
			dst.Pix[y*dst.Stride+x] = bilinearSample(src, p.X, p.Y)
		}
	}
	return dst, nil
}

func bilinearSample(src *image.Gray, x, y float64) uint8 {
	x0, y0 := int(x), int(y)
	x1 := clampInt(x0+1, 0, src.Bounds().Dx()-1)
	y1 := clampInt(y0+1, 0, src.Bounds().Dy()-1)
	fx, fy := x-float64(x0), y-float64(y0)

	v00 := float64(src.Pix[y0*src.Stride+x0])
	v10 := float64(src.Pix[y0*src.Stride+x1])
	v01 := float64(src.Pix[y1*src.Stride+x0])
	v11 := float64(src.Pix[y1*src.Stride+x1])

	top := v00*(1-fx) + v10*fx
	bottom := v01*(1-fx) + v11*fx
	return uint8(clampFloat(top*(1-fy)+bottom*fy, 0, 255))
}

// WarpToCorners maps the quad given by corners (ordered TL, TR, BR,
// BL) onto an upright width x height canvas.
func WarpToCorners(src *image.Gray, corners [4]Point, width, height int) (*image.Gray, error) {
	dst := []Point{
		{0, 0},
		{float64(width - 1), 0},
		{float64(width - 1), float64(height - 1)},
		{0, float64(height - 1)},
	}
	h, err := SolveHomography(corners[:], dst)
	if err != nil {
		return nil, err
	}
	return WarpPerspective(src, h, width, height)
}

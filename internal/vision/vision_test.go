package vision

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// white canvas helpers

func blankGray(w, h int, value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = value
	}
	return img
}

func fillDisc(img *image.Gray, cx, cy, r int, value uint8) {
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if dx*dx+dy*dy <= r*r {
				x, y := cx+dx, cy+dy
				if image.Pt(x, y).In(img.Bounds()) {
					img.Pix[y*img.Stride+x] = value
				}
			}
		}
	}
}

func fillRect(img *image.Gray, r image.Rectangle, value uint8) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.Pix[y*img.Stride+x] = value
		}
	}
}

func TestThresholdInvTurnsInkIntoForeground(t *testing.T) {
	img := blankGray(10, 10, 250)
	img.Pix[5*img.Stride+5] = 10 // one dark pixel

	bin := ThresholdInv(img, 200)
	assert.Equal(t, 1, CountWhite(bin))
	assert.Equal(t, uint8(255), bin.Pix[5*bin.Stride+5])
}

func TestOtsuSeparatesBimodalHistogram(t *testing.T) {
	img := blankGray(20, 20, 230)
	fillRect(img, image.Rect(0, 0, 10, 20), 30)

	thr := OtsuThreshold(img)
	assert.Greater(t, thr, uint8(30))
	assert.Less(t, thr, uint8(230))
}

func TestFindContoursMeasuresDisc(t *testing.T) {
	img := blankGray(100, 100, 0)
	fillDisc(img, 50, 50, 20, 255)

	contours := FindContours(img)
	require.Len(t, contours, 1)

	disc := contours[0]
	expected := math.Pi * 20 * 20
	assert.InEpsilon(t, expected, disc.Area, 0.1)
	assert.Greater(t, disc.Circularity(), 0.85)
	assert.InDelta(t, 50, disc.Centroid.X, 1)
	assert.InDelta(t, 50, disc.Centroid.Y, 1)
	assert.Equal(t, -1, disc.Parent)
}

func TestFindContoursElongatedBlobIsNotCircular(t *testing.T) {
	img := blankGray(100, 100, 0)
	fillRect(img, image.Rect(10, 45, 90, 55), 255)

	contours := FindContours(img)
	require.Len(t, contours, 1)
	assert.Less(t, contours[0].Circularity(), 0.85)
	assert.Greater(t, contours[0].AspectRatio(), 3.0)
}

func TestContourNesting(t *testing.T) {
	img := blankGray(200, 200, 0)
	// Outer ring, inner ring, and a blob inside the inner ring.
	fillRect(img, image.Rect(10, 10, 190, 190), 255)
	fillRect(img, image.Rect(20, 20, 180, 180), 0)
	fillRect(img, image.Rect(40, 40, 160, 160), 255)
	fillRect(img, image.Rect(50, 50, 150, 150), 0)
	fillDisc(img, 100, 100, 10, 255)

	contours := FindContours(img)
	require.Len(t, contours, 3)

	// Find the blob: smallest area.
	blob, inner, outer := -1, -1, -1
	for i, c := range contours {
		switch {
		case c.BBox.Dx() > 150:
			outer = i
		case c.BBox.Dx() > 100:
			inner = i
		default:
			blob = i
		}
	}
	require.NotEqual(t, -1, blob)
	require.NotEqual(t, -1, inner)
	require.NotEqual(t, -1, outer)

	assert.Equal(t, -1, contours[outer].Parent)
	assert.Equal(t, outer, contours[inner].Parent)
	assert.Equal(t, inner, contours[blob].Parent)

	kids := Children(contours, outer)
	require.Len(t, kids, 1)
	assert.Equal(t, inner, kids[0])
}

func TestMinAreaRectOnAxisAlignedRect(t *testing.T) {
	img := blankGray(100, 100, 0)
	fillRect(img, image.Rect(20, 30, 80, 70), 255)

	contours := FindContours(img)
	require.Len(t, contours, 1)

	rect := MinAreaRect(contours[0].Border)
	width := rect[0].Dist(rect[1])
	height := rect[1].Dist(rect[2])
	long, short := math.Max(width, height), math.Min(width, height)
	assert.InDelta(t, 59, long, 2)
	assert.InDelta(t, 39, short, 2)
}

func TestOrderCorners(t *testing.T) {
	pts := [4]Point{{90, 10}, {10, 12}, {12, 88}, {88, 90}}
	ordered := OrderCorners(pts)

	assert.Equal(t, Point{10, 12}, ordered[0]) // top-left
	assert.Equal(t, Point{90, 10}, ordered[1]) // top-right
	assert.Equal(t, Point{88, 90}, ordered[2]) // bottom-right
	assert.Equal(t, Point{12, 88}, ordered[3]) // bottom-left
}

func TestSolveHomographyIdentity(t *testing.T) {
	pts := []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}
	h, err := SolveHomography(pts, pts)
	require.NoError(t, err)

	p := h.Apply(Point{37, 61})
	assert.InDelta(t, 37, p.X, 1e-6)
	assert.InDelta(t, 61, p.Y, 1e-6)
}

func TestSolveHomographyMapsQuad(t *testing.T) {
	src := []Point{{10, 20}, {200, 30}, {190, 210}, {15, 200}}
	dst := []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}

	h, err := SolveHomography(src, dst)
	require.NoError(t, err)
	for i := range src {
		mapped := h.Apply(src[i])
		assert.InDelta(t, dst[i].X, mapped.X, 1e-6)
		assert.InDelta(t, dst[i].Y, mapped.Y, 1e-6)
	}
}

func TestWarpToCornersStraightensQuad(t *testing.T) {
	// Dark disc at a known spot inside a tilted quad.
	img := blankGray(300, 300, 255)
	fillDisc(img, 150, 150, 8, 0)

	corners := OrderCorners([4]Point{{50, 60}, {250, 50}, {260, 250}, {40, 260}})
	warped, err := WarpToCorners(img, corners, 200, 200)
	require.NoError(t, err)

	// The disc sits near the middle of the source quad, so it should
	// land near the middle of the warped canvas.
	center := warped.Pix[100*warped.Stride+100]
	assert.Less(t, center, uint8(128))
}

func TestEstimateHomographyRANSACToleratesOutliers(t *testing.T) {
	truth := Homography{1.02, 0.01, 5, -0.015, 0.99, -3, 0, 0, 1}

	var src, dst []Point
	for y := 0; y < 10; y++ {
		for x := 0; x < 10; x++ {
			p := Point{float64(20 * x), float64(20 * y)}
			src = append(src, p)
			dst = append(dst, truth.Apply(p))
		}
	}
	// Poison a fifth of the matches.
	for i := 0; i < len(src); i += 5 {
		dst[i] = Point{dst[i].X + 50, dst[i].Y - 80}
	}

	h, inliers, err := EstimateHomographyRANSAC(src, dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, inliers, 70)

	probe := Point{55, 133}
	assert.InDelta(t, truth.Apply(probe).X, h.Apply(probe).X, 1.0)
	assert.InDelta(t, truth.Apply(probe).Y, h.Apply(probe).Y, 1.0)
}

func TestKMeans1DSeparatesColumns(t *testing.T) {
	values := []float64{10, 12, 11, 210, 215, 212, 405, 402, 408}
	got := KMeans1D(values, 3)
	assert.Equal(t, []int{0, 0, 0, 1, 1, 1, 2, 2, 2}, got)
}

func TestKMeans1DClusterOrderFollowsValueOrder(t *testing.T) {
	values := []float64{400, 10, 200, 12, 410, 205}
	got := KMeans1D(values, 3)
	assert.Equal(t, []int{2, 0, 1, 0, 2, 1}, got)
}

func TestMorphOpenRemovesSpeckle(t *testing.T) {
	img := blankGray(60, 60, 0)
	fillDisc(img, 30, 30, 10, 255) // real mark
	img.Pix[5*img.Stride+5] = 255  // speckle

	opened := MorphOpen(img, 5)
	assert.Equal(t, uint8(0), opened.Pix[5*opened.Stride+5])
	assert.Equal(t, uint8(255), opened.Pix[30*opened.Stride+30])
}

func TestCannyFindsRectangleEdges(t *testing.T) {
	img := blankGray(120, 120, 255)
	fillRect(img, image.Rect(30, 30, 90, 90), 0)

	edges := Canny(GaussianBlur(img, 2), 10, 50)
	assert.Greater(t, CountWhite(edges), 100)

	// Interior of the rectangle is not an edge.
	assert.Equal(t, uint8(0), edges.Pix[60*edges.Stride+60])
}

func TestResizePreservesContent(t *testing.T) {
	img := blankGray(200, 300, 255)
	fillRect(img, image.Rect(0, 0, 100, 300), 0)

	small := Resize(img, 100, 150)
	assert.Equal(t, 100, small.Bounds().Dx())
	assert.Equal(t, 150, small.Bounds().Dy())
	assert.Less(t, small.Pix[75*small.Stride+10], uint8(50))
	assert.Greater(t, small.Pix[75*small.Stride+90], uint8(200))
}

package templateconfig

import (
	"fmt"
	"image"
	"math"

	"github.com/ternarybob/sheetmark/internal/vision"
)

// anchor is one calibration rectangle found on the form.
type anchor struct {
	bbox   image.Rectangle
	center vision.Point
}

// Anchor detection bounds, relative to the page area: calibration
// rectangles are small solid squares printed near the page corners.
const (
	anchorMinAreaFrac = 0.00002
	anchorMaxAreaFrac = 0.005
	anchorMinFill     = 0.75
	anchorMinAspect   = 0.5
	anchorMaxAspect   = 2.0

	// An index-number box is much wider than tall; it stands in for a
	// missing fourth anchor on some forms.
	indexBoxMinAspect = 2.5
)

// FindAnchors locates the four calibration rectangles and returns the
// page quad ordered TL, TR, BR, BL, using each anchor's outermost
// corner. When only three anchors print but an index-number box is
// present, the missing corner is synthesized by completing the
// parallelogram.
func FindAnchors(gray *image.Gray) ([4]vision.Point, error) {
	bounds := gray.Bounds()
	pageArea := float64(bounds.Dx() * bounds.Dy())

	bin := vision.ThresholdInv(gray, vision.OtsuThreshold(gray))
	contours := vision.FindContours(bin)

	var anchors []anchor
	var sawIndexBox bool
	for i := range contours {
		c := &contours[i]
		fill := c.Area / float64(c.BBox.Dx()*c.BBox.Dy())
		if fill < anchorMinFill {
			continue
		}
		aspect := c.AspectRatio()
		areaFrac := c.Area / pageArea

		if aspect >= indexBoxMinAspect && areaFrac > anchorMinAreaFrac {
			sawIndexBox = true
			continue
		}
		if areaFrac < anchorMinAreaFrac || areaFrac > anchorMaxAreaFrac {
			continue
		}
		if aspect < anchorMinAspect || aspect > anchorMaxAspect {
			continue
		}
		anchors = append(anchors, anchor{bbox: c.BBox, center: c.Centroid})
	}

	switch {
	case len(anchors) >= 4:
		return orderAnchorCorners(pickCornerAnchors(anchors)), nil
	case len(anchors) == 3 && sawIndexBox:
		return synthesizeFourth(anchors), nil
	default:
		return [4]vision.Point{}, fmt.Errorf("found %d calibration rectangles, need 4", len(anchors))
	}
}

// pickCornerAnchors keeps the four anchors closest to the page
// corners when the form prints extra rectangles.
func pickCornerAnchors(anchors []anchor) [4]anchor {
	if len(anchors) == 4 {
		return [4]anchor{anchors[0], anchors[1], anchors[2], anchors[3]}
	}

	var out [4]anchor
	best := [4]float64{math.Inf(1), math.Inf(1), math.Inf(1), math.Inf(1)}

	var maxX, maxY float64
	for _, a := range anchors {
		maxX = math.Max(maxX, a.center.X)
		maxY = math.Max(maxY, a.center.Y)
	}
	corners := [4]vision.Point{{X: 0, Y: 0}, {X: maxX, Y: 0}, {X: maxX, Y: maxY}, {X: 0, Y: maxY}}

	for _, a := range anchors {
		for i, corner := range corners {
			if d := a.center.Dist(corner); d < best[i] {
				best[i] = d
				out[i] = a
			}
		}
	}
	return out
}

// orderAnchorCorners classifies anchors by the sum/diff heuristic and
// returns the outer corner of each: the TL anchor contributes its
// top-left bbox corner, and so on around the page.
func orderAnchorCorners(anchors [4]anchor) [4]vision.Point {
	var centers [4]vision.Point
	for i, a := range anchors {
		centers[i] = a.center
	}
	ordered := vision.OrderCorners(centers)

	byCenter := func(p vision.Point) anchor {
		for _, a := range anchors {
			if a.center == p {
				return a
			}
		}
		return anchors[0]
	}

	tl := byCenter(ordered[0]).bbox
	tr := byCenter(ordered[1]).bbox
	br := byCenter(ordered[2]).bbox
	bl := byCenter(ordered[3]).bbox

	return [4]vision.Point{
		{X: float64(tl.Min.X), Y: float64(tl.Min.Y)},
		{X: float64(tr.Max.X), Y: float64(tr.Min.Y)},
		{X: float64(br.Max.X), Y: float64(br.Max.Y)},
		{X: float64(bl.Min.X), Y: float64(bl.Max.Y)},
	}
}

// synthesizeFourth completes the quad when the top-right anchor is
// replaced by the index-number box on the form. The three detected
// anchors classify unambiguously by sum/diff; the missing corner is
// the parallelogram completion of the other three.
func synthesizeFourth(anchors []anchor) [4]vision.Point {
	// Classify the three centers: TL has the minimum x+y, BR the
	// maximum, the remaining one is TR or BL by its y-x sign.
	pts := []vision.Point{anchors[0].center, anchors[1].center, anchors[2].center}

	tlIdx, brIdx := 0, 0
	for i, p := range pts {
		if p.X+p.Y < pts[tlIdx].X+pts[tlIdx].Y {
			tlIdx = i
		}
		if p.X+p.Y > pts[brIdx].X+pts[brIdx].Y {
			brIdx = i
		}
	}
	restIdx := 3 - tlIdx - brIdx
	rest := pts[restIdx]

	tlBox := anchors[tlIdx].bbox
	brBox := anchors[brIdx].bbox
	restBox := anchors[restIdx].bbox

	tl := vision.Point{X: float64(tlBox.Min.X), Y: float64(tlBox.Min.Y)}
	br := vision.Point{X: float64(brBox.Max.X), Y: float64(brBox.Max.Y)}

	if rest.Y-rest.X > pts[tlIdx].Y-pts[tlIdx].X {
		// rest is bottom-left; synthesize top-right.
		bl := vision.Point{X: float64(restBox.Min.X), Y: float64(restBox.Max.Y)}
		tr := vision.Point{X: tl.X + br.X - bl.X, Y: tl.Y + br.Y - bl.Y}
		return [4]vision.Point{tl, tr, br, bl}
	}
	// rest is top-right; synthesize bottom-left.
	tr := vision.Point{X: float64(restBox.Max.X), Y: float64(restBox.Min.Y)}
	bl := vision.Point{X: tl.X + br.X - tr.X, Y: tl.Y + br.Y - tr.Y}
	return [4]vision.Point{tl, tr, br, bl}
}

package vision

import (
	"image"
	"math"
	"sort"
)

// Contour is one connected white region of a binary image.
type Contour struct {
	// Border holds the traced outer boundary in order.
	Border []image.Point
	// Area is the filled pixel count of the region.
	Area float64
	// Perimeter is the length of the traced boundary.
	Perimeter float64
	BBox      image.Rectangle
	Centroid  Point
	// Parent indexes the enclosing contour, -1 at top level.
	Parent int
}

// Circularity is 4*pi*A/P^2 over the enclosed area: 1.0 for a perfect
// disc, lower for elongated or ragged shapes. Using the enclosed area
// means a thin circle outline scores like a disc, which is what bubble
// detection wants.
func (c *Contour) Circularity() float64 {
	if c.Perimeter == 0 {
		return 0
	}
	return 4 * math.Pi * c.EnclosedArea() / (c.Perimeter * c.Perimeter)
}

// EnclosedArea is the shoelace area of the traced border. For a thin
// edge ring this is the area the ring encloses, where Area only counts
// the stroke pixels themselves.
func (c *Contour) EnclosedArea() float64 {
	if len(c.Border) < 3 {
		return c.Area
	}
	var sum float64
	for i := range c.Border {
		p := c.Border[i]
		q := c.Border[(i+1)%len(c.Border)]
		sum += float64(p.X)*float64(q.Y) - float64(q.X)*float64(p.Y)
	}
	return math.Abs(sum) / 2
}

// AspectRatio is bounding-box width over height.
func (c *Contour) AspectRatio() float64 {
	if c.BBox.Dy() == 0 {
		return 0
	}
	return float64(c.BBox.Dx()) / float64(c.BBox.Dy())
}

// FindContours labels the 8-connected white regions of a binary image
// and nests them: a contour's parent is the smallest other contour
// whose bounding box strictly contains its own.
func FindContours(bin *image.Gray) []Contour {
	bounds := bin.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	labels := make([]int32, w*h)

	var contours []Contour
	next := int32(0)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			idx := y*w + x
			if bin.Pix[y*bin.Stride+x] == 0 || labels[idx] != 0 {
				continue
			}
			next++
			contour := traceComponent(bin, labels, w, h, x, y, next)
			contours = append(contours, contour)
		}
	}

	assignParents(contours)
	return contours
}

// traceComponent flood-fills one component and measures it.
func traceComponent(bin *image.Gray, labels []int32, w, h, sx, sy int, label int32) Contour {
	stack := []image.Point{{X: sx, Y: sy}}
	labels[sy*w+sx] = label

	minX, minY, maxX, maxY := sx, sy, sx, sy
	area := 0
	var sumX, sumY float64

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		area++
		sumX += float64(p.X)
		sumY += float64(p.Y)
		if p.X < minX {
			minX = p.X
		}
		if p.X > maxX {
			maxX = p.X
		}
		if p.Y < minY {
			minY = p.Y
		}
		if p.Y > maxY {
			maxY = p.Y
		}

		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				xx, yy := p.X+dx, p.Y+dy
				if xx < 0 || xx >= w || yy < 0 || yy >= h {
					continue
				}
				idx := yy*w + xx
				if labels[idx] == 0 && bin.Pix[yy*bin.Stride+xx] != 0 {
					labels[idx] = label
					stack = append(stack, image.Point{X: xx, Y: yy})
				}
			}
		}
	}

	border := traceBorder(labels, w, h, label, image.Point{X: sx, Y: sy})
	perimeter := borderLength(border)

	return Contour{
		Border:    border,
		Area:      float64(area),
		Perimeter: perimeter,
		BBox:      image.Rect(minX, minY, maxX+1, maxY+1),
		Centroid:  Point{X: sumX / float64(area), Y: sumY / float64(area)},
		Parent:    -1,
	}
}

// moore neighborhood in clockwise order starting east
var mooreOffsets = [8]image.Point{
	{1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1}, {0, -1}, {1, -1},
}

// traceBorder walks the outer boundary clockwise from the top-left
// component pixel (Moore neighbor tracing).
func traceBorder(labels []int32, w, h int, label int32, start image.Point) []image.Point {
	inside := func(p image.Point) bool {
		return p.X >= 0 && p.X < w && p.Y >= 0 && p.Y < h && labels[p.Y*w+p.X] == label
	}

	border := []image.Point{start}
	current := start
	prevDir := 6 // came from above

	for {
		found := false
		for i := 0; i < 8; i++ {
			dir := (prevDir + 6 + i) % 8 // backtrack then sweep clockwise
			neighbor := current.Add(mooreOffsets[dir])
			if inside(neighbor) {
				if neighbor == start && len(border) > 2 {
					return border
				}
				border = append(border, neighbor)
				current = neighbor
				prevDir = dir
				found = true
				break
			}
		}
		if !found {
			return border // isolated pixel
		}
		if len(border) > 4*(w+h) {
			return border // safety bound
		}
	}
}

func borderLength(border []image.Point) float64 {
	if len(border) < 2 {
		return float64(len(border))
	}
	var length float64
	for i := 1; i < len(border); i++ {
		d := border[i].Sub(border[i-1])
		if d.X != 0 && d.Y != 0 {
			length += math.Sqrt2
		} else {
			length++
		}
	}
	return length
}

func assignParents(contours []Contour) {
	for i := range contours {
		bestArea := math.Inf(1)
		for j := range contours {
			if i == j {
				continue
			}
			if contours[j].Area <= contours[i].Area || !contours[i].BBox.In(contours[j].BBox) {
				continue
			}
			if contours[j].Area < bestArea {
				bestArea = contours[j].Area
				contours[i].Parent = j
			}
		}
	}
}

// Children returns the indexes of the direct children of contour i,
// largest area first.
func Children(contours []Contour, i int) []int {
	var kids []int
	for j := range contours {
		if contours[j].Parent == i {
			kids = append(kids, j)
		}
	}
	sort.Slice(kids, func(a, b int) bool {
		return contours[kids[a]].Area > contours[kids[b]].Area
	})
	return kids
}

// MinAreaRect returns the corners of the minimum-area rotated
// rectangle around the border points, via rotating calipers over the
// convex hull.
func MinAreaRect(border []image.Point) [4]Point {
	hull := convexHull(border)
	if len(hull) == 1 {
		p := Point{X: float64(hull[0].X), Y: float64(hull[0].Y)}
		return [4]Point{p, p, p, p}
	}
	if len(hull) == 2 {
		a := Point{X: float64(hull[0].X), Y: float64(hull[0].Y)}
		b := Point{X: float64(hull[1].X), Y: float64(hull[1].Y)}
		return [4]Point{a, b, b, a}
	}

	best := math.Inf(1)
	var bestRect [4]Point

	for i := 0; i < len(hull); i++ {
		p0 := hull[i]
		p1 := hull[(i+1)%len(hull)]
		ex, ey := float64(p1.X-p0.X), float64(p1.Y-p0.Y)
		length := math.Hypot(ex, ey)
		if length == 0 {
			continue
		}
		ex, ey = ex/length, ey/length
		// normal
		nx, ny := -ey, ex

		minU, maxU := math.Inf(1), math.Inf(-1)
		minV, maxV := math.Inf(1), math.Inf(-1)
		for _, p := range hull {
			dx, dy := float64(p.X-p0.X), float64(p.Y-p0.Y)
			u := dx*ex + dy*ey
			v := dx*nx + dy*ny
			minU, maxU = math.Min(minU, u), math.Max(maxU, u)
			minV, maxV = math.Min(minV, v), math.Max(maxV, v)
		}

		area := (maxU - minU) * (maxV - minV)
		if area < best {
			best = area
			corner := func(u, v float64) Point {
				return Point{
					X: float64(p0.X) + u*ex + v*nx,
					Y: float64(p0.Y) + u*ey + v*ny,
				}
			}
			bestRect = [4]Point{
				corner(minU, minV),
				corner(maxU, minV),
				corner(maxU, maxV),
				corner(minU, maxV),
			}
		}
	}
	return bestRect
}

// convexHull computes the hull with the monotone chain algorithm.
func convexHull(points []image.Point) []image.Point {
	pts := make([]image.Point, len(points))
	copy(pts, points)
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].X != pts[j].X {
			return pts[i].X < pts[j].X
		}
		return pts[i].Y < pts[j].Y
	})
	// dedupe
	uniq := pts[:0]
	for i, p := range pts {
		if i == 0 || p != pts[i-1] {
			uniq = append(uniq, p)
		}
	}
	pts = uniq
	if len(pts) <= 2 {
		return pts
	}

	cross := func(o, a, b image.Point) int {
		return (a.X-o.X)*(b.Y-o.Y) - (a.Y-o.Y)*(b.X-o.X)
	}

	var hull []image.Point
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

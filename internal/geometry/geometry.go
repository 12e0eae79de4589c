// Package geometry holds the pixel-space primitives shared by every stage of
// the tiled pipeline. Coordinates are float64 pixels with the origin at the
// top-left corner; X grows right and Y grows down.
package geometry

import "math"

// Point is a pixel position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned box given by its top-left (X1,Y1) and bottom-right
// (X2,Y2) corners.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Rect builds a box from origin and size.
func Rect(x, y, w, h float64) BBox {
	return BBox{X1: x, Y1: y, X2: x + w, Y2: y + h}
}

func (b BBox) Width() float64  { return math.Max(0, b.X2-b.X1) }
func (b BBox) Height() float64 { return math.Max(0, b.Y2-b.Y1) }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

// Valid reports whether the box has positive area and finite corners.
func (b BBox) Valid() bool {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.X2 > b.X1 && b.Y2 > b.Y1
}

func (b BBox) Center() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Normalize swaps corners so that X1<=X2 and Y1<=Y2.
func (b BBox) Normalize() BBox {
	if b.X1 > b.X2 {
		b.X1, b.X2 = b.X2, b.X1
	}
	if b.Y1 > b.Y2 {
		b.Y1, b.Y2 = b.Y2, b.Y1
	}
	return b
}

func (b BBox) Translate(dx, dy float64) BBox {
	return BBox{X1: b.X1 + dx, Y1: b.Y1 + dy, X2: b.X2 + dx, Y2: b.Y2 + dy}
}

func (b BBox) Scale(f float64) BBox {
	return BBox{X1: b.X1 * f, Y1: b.Y1 * f, X2: b.X2 * f, Y2: b.Y2 * f}
}

// Expand grows the box by d on every side.
func (b BBox) Expand(d float64) BBox {
	return BBox{X1: b.X1 - d, Y1: b.Y1 - d, X2: b.X2 + d, Y2: b.Y2 + d}
}

// Clip limits the box to [0,w]x[0,h].
func (b BBox) Clip(w, h float64) BBox {
	return BBox{
		X1: Clamp(b.X1, 0, w),
		Y1: Clamp(b.Y1, 0, h),
		X2: Clamp(b.X2, 0, w),
		Y2: Clamp(b.Y2, 0, h),
	}
}

func (b BBox) Intersect(o BBox) BBox {
	r := BBox{
		X1: math.Max(b.X1, o.X1),
		Y1: math.Max(b.Y1, o.Y1),
		X2: math.Min(b.X2, o.X2),
		Y2: math.Min(b.Y2, o.Y2),
	}
	if r.X2 < r.X1 {
		r.X2 = r.X1
	}
	if r.Y2 < r.Y1 {
		r.Y2 = r.Y1
	}
	return r
}

func (b BBox) Union(o BBox) BBox {
	return BBox{
		X1: math.Min(b.X1, o.X1),
		Y1: math.Min(b.Y1, o.Y1),
		X2: math.Max(b.X2, o.X2),
		Y2: math.Max(b.Y2, o.Y2),
	}
}

// Contains reports whether p lies inside the box grown by tol.
func (b BBox) Contains(p Point, tol float64) bool {
	return p.X >= b.X1-tol && p.X <= b.X2+tol && p.Y >= b.Y1-tol && p.Y <= b.Y2+tol
}

// IoU is intersection over union; zero for disjoint or empty boxes.
func IoU(a, b BBox) float64 {
	inter := a.Intersect(b).Area()
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Containment is the intersection area over the smaller box's area.
func Containment(a, b BBox) float64 {
	inter := a.Intersect(b).Area()
	smaller := math.Min(a.Area(), b.Area())
	if inter == 0 || smaller <= 0 {
		return 0
	}
	return inter / smaller
}

// Distance between two points.
func Distance(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

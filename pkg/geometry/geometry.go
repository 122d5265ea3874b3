// Package geometry provides the point and rectangle primitives used by the
// smile pipeline, and the width signal derived from landmark points.
package geometry

import "math"

// Point represents a 2D point. Landmark points are normalized to the face
// bounding box, detection points to the frame.
type Point struct {
	X, Y float64
}

// Rect represents a normalized (0-1) bounding region.
// X, Y is the top-left corner.
type Rect struct {
	X, Y float64
	W, H float64
}

// Width returns the Euclidean distance between two points.
func Width(p1, p2 Point) float64 {
	dx := p2.X - p1.X
	dy := p2.Y - p1.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Span returns the distance between the first and last point of a region.
// Regions with fewer than 2 points produce no signal.
func Span(points []Point) (float64, bool) {
	if len(points) < 2 {
		return 0, false
	}
	return Width(points[0], points[len(points)-1]), true
}

// Center returns the center point of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.W/2, Y: r.Y + r.H/2}
}

// Area returns the area of the rectangle.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.Area() == 0
}

// Intersect returns the overlapping region of r and o.
func (r Rect) Intersect(o Rect) Rect {
	x0 := math.Max(r.X, o.X)
	y0 := math.Max(r.Y, o.Y)
	x1 := math.Min(r.X+r.W, o.X+o.W)
	y1 := math.Min(r.Y+r.H, o.Y+o.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// IoU returns the intersection over union of two rectangles.
func (r Rect) IoU(o Rect) float64 {
	inter := r.Intersect(o).Area()
	if inter == 0 {
		return 0
	}
	union := r.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Expand grows the rectangle by margin (a fraction of its size) on every side.
func (r Rect) Expand(margin float64) Rect {
	dx := r.W * margin
	dy := r.H * margin
	return Rect{X: r.X - dx, Y: r.Y - dy, W: r.W + 2*dx, H: r.H + 2*dy}
}

// Clamp restricts the rectangle to the unit square.
func (r Rect) Clamp() Rect {
	return r.Intersect(Rect{W: 1, H: 1})
}

// Relative maps a frame-normalized point into coordinates relative to r,
// where (0,0) is the top-left and (1,1) the bottom-right corner of r.
func (r Rect) Relative(p Point) Point {
	if r.W == 0 || r.H == 0 {
		return Point{}
	}
	return Point{X: (p.X - r.X) / r.W, Y: (p.Y - r.Y) / r.H}
}

// Absolute is the inverse of Relative.
func (r Rect) Absolute(p Point) Point {
	return Point{X: r.X + p.X*r.W, Y: r.Y + p.Y*r.H}
}

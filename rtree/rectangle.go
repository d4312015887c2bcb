// Package rtree implements the Hilbert-packed R-tree of spec §4.3
// (component C3): a spatial index over clients living inside one
// LocalOwner's NodeID range. Grounded on original_source/lib/rtree/*
// (node.hpp/.cpp for arena structure, rtree-helper.hpp for overflow
// redistribution, rectangle.hpp for MBR algebra), adapted from the
// original's shared_ptr graph to arena-indexed nodes per spec §9's
// design note ("arena-allocated nodes identified by indices... the arena
// is dropped en masse when the LocalOwner is destroyed").
package rtree

// Point is a 2D grid coordinate (the x,y pair a GeoPoint projects to at
// some resolution), mirroring original_source's rtree::Point typedef.
type Point struct {
	X, Y uint64
}

// Rectangle is an axis-aligned minimum bounding rectangle.
type Rectangle struct {
	Lower, Upper Point
}

// RectFromPoint returns the degenerate rectangle containing exactly pt.
func RectFromPoint(pt Point) Rectangle {
	return Rectangle{Lower: pt, Upper: pt}
}

// Contains reports whether r wholly contains other.
func (r Rectangle) Contains(other Rectangle) bool {
	return r.Lower.X <= other.Lower.X && r.Lower.Y <= other.Lower.Y &&
		r.Upper.X >= other.Upper.X && r.Upper.Y >= other.Upper.Y
}

// ContainsPoint reports whether pt lies within r.
func (r Rectangle) ContainsPoint(pt Point) bool {
	return pt.X >= r.Lower.X && pt.X <= r.Upper.X && pt.Y >= r.Lower.Y && pt.Y <= r.Upper.Y
}

// Intersects reports whether r and other overlap (including touching at
// an edge).
func (r Rectangle) Intersects(other Rectangle) bool {
	if r.Upper.X < other.Lower.X || other.Upper.X < r.Lower.X {
		return false
	}
	if r.Upper.Y < other.Lower.Y || other.Upper.Y < r.Lower.Y {
		return false
	}
	return true
}

// Union returns the smallest rectangle containing both r and other.
func Union(r, other Rectangle) Rectangle {
	return Rectangle{
		Lower: Point{X: minU64(r.Lower.X, other.Lower.X), Y: minU64(r.Lower.Y, other.Lower.Y)},
		Upper: Point{X: maxU64(r.Upper.X, other.Upper.X), Y: maxU64(r.Upper.Y, other.Upper.Y)},
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

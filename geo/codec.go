package geo

import (
	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/nodeid"
)

// MaxResolution is the upper bound on R (0 < R <= 64). Spec §3 frames the
// curve index d as a 64-bit word and nodeid.HighBits/FromHighBits carry it
// as a uint64, so d must stay losslessly representable in 64 bits; since d
// interleaves two order=R/2-bit grid coordinates, that caps order at 32 and
// R at 64, below the nominal 104 a wider curve-index type would allow.
const MaxResolution = 64

// ValidateResolution enforces spec §4.1's failure mode: "resolution out of
// range -> InvalidArgument".
func ValidateResolution(r int) error {
	if r <= 0 || r > MaxResolution || r%2 != 0 {
		return errs.New(errs.InvalidArgument, "geo: resolution %d must be even and in (0,%d]", r, MaxResolution)
	}
	return nil
}

// GridXY projects p onto the order=R/2 Hilbert grid, the (x, y) pair the
// curve index is computed from.
func GridXY(p Point, resolution int) (x, y uint32) {
	order := resolution / 2
	fxLat, fxLon := EncodePoint(p)
	return uint32(fxLon >> uint(64-order)), uint32(fxLat >> uint(64-order))
}

// hilbertFromFixedPoint runs the high R/2 bits of a fixed-point (lat, lon)
// pair through the Hilbert xy<->d mapping at order R/2, yielding the
// curve index d used to build a NodeID.
func hilbertFromFixedPoint(fxLat, fxLon uint64, resolution int) uint64 {
	order := resolution / 2
	x := uint32(fxLon >> uint(64-order))
	y := uint32(fxLat >> uint(64-order))
	return XY2D(order, x, y)
}

// NodeIDFromPoint implements spec §4.1's nodeid_from_point: encode to
// fixed point, take the high R/2 bits of each coordinate, run them
// through the Hilbert mapping, and place the resulting index in the high
// R bits of a fresh NodeID (with the validity flag set).
func NodeIDFromPoint(p Point, resolution int) (nodeid.ID, error) {
	if err := ValidateResolution(resolution); err != nil {
		return nodeid.Zero, err
	}
	fxLat, fxLon := EncodePoint(p)
	d := hilbertFromFixedPoint(fxLat, fxLon, resolution)
	return nodeid.FromHighBits(d, resolution), nil
}

// HilbertFromNodeID implements spec §4.1's hilbert_from_nodeid: extract
// the Hilbert index that was placed in the high R bits of id.
func HilbertFromNodeID(id nodeid.ID, resolution int) (uint64, error) {
	if err := ValidateResolution(resolution); err != nil {
		return 0, err
	}
	return nodeid.HighBits(id, resolution), nil
}

// NodeIDFromHilbert implements spec §4.1's nodeid_from_hilbert: place d
// directly into the high R bits of a fresh NodeID (with the validity
// flag set). This is the exact inverse of HilbertFromNodeID, giving the
// round-trip property of P1/§4.1: nodeid_from_hilbert(hilbert_from_nodeid(n,R),R) = n
// for any n built by NodeIDFromPoint at resolution R.
func NodeIDFromHilbert(d uint64, resolution int) (nodeid.ID, error) {
	if err := ValidateResolution(resolution); err != nil {
		return nodeid.Zero, err
	}
	return nodeid.FromHighBits(d, resolution), nil
}

// PointFromNodeID implements spec §4.1's point_from_nodeid: invert the
// Hilbert mapping to recover grid coordinates, then decode those back
// into an approximate GeoPoint (lossy beyond the R/2 bits of precision
// actually stored).
func PointFromNodeID(id nodeid.ID, resolution int) (Point, error) {
	if err := ValidateResolution(resolution); err != nil {
		return Point{}, err
	}
	order := resolution / 2
	d := nodeid.HighBits(id, resolution)
	x, y := D2XY(order, d)

	fxLon := uint64(x) << uint(64-order)
	fxLat := uint64(y) << uint(64-order)
	return DecodePoint(fxLat, fxLon), nil
}

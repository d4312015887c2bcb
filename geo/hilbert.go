package geo

// XY2D converts (x, y) grid coordinates on an n×n grid (n = 2^order) to
// their distance d along the Hilbert curve. The classic iterative
// rotation algorithm, bit-exact with the routine in
// original_source/lib/dht.cpp (the nodeid_from_point helper there).
//
// order is half the resolution R (grid side n = 2^order); x and y must
// each fit in `order` bits.
func XY2D(order int, x, y uint32) uint64 {
	var d uint64
	for s := uint32(1) << uint(order-1); s > 0; s >>= 1 {
		var rx, ry uint32
		if x&s > 0 {
			rx = 1
		}
		if y&s > 0 {
			ry = 1
		}
		d += uint64(s) * uint64(s) * uint64((3*rx)^ry)
		x, y = rotate(s, x, y, rx, ry)
	}
	return d
}

// D2XY is the inverse of XY2D.
func D2XY(order int, d uint64) (x, y uint32) {
	t := d
	for s := uint32(1); s < (uint32(1) << uint(order)); s <<= 1 {
		rx := uint32((t / 2) & 1)
		ry := uint32((t ^ uint64(rx)) & 1)
		x, y = rotate(s, x, y, rx, ry)
		x += s * rx
		y += s * ry
		t /= 4
	}
	return x, y
}

// rotate applies the standard Hilbert quadrant rotation/reflection used by
// both XY2D and D2XY.
func rotate(s, x, y, rx, ry uint32) (uint32, uint32) {
	if ry == 0 {
		if rx == 1 {
			x = s - 1 - x
			y = s - 1 - y
		}
		x, y = y, x
	}
	return x, y
}

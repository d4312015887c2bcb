package nodeid

import (
	"fmt"

	"github.com/gcampax/hDHT/errs"
)

// Range is a NodeIDRange: (from, mask) where mask is the number of
// leading bits defining the prefix (spec §3/§4.2). It contains every
// NodeID sharing those leading bits with `From`.
type Range struct {
	From ID
	Mask int // 0..Bits
}

// Universal returns the range covering every NodeID (mask=0).
func Universal() Range {
	return Range{From: Zero, Mask: 0}
}

// Validate checks the NodeIDRange invariant: From has mask low bits zero.
func (r Range) Validate() error {
	if r.Mask < 0 || r.Mask > Bits {
		return errs.New(errs.InvalidArgument, "nodeid: mask %d out of range [0,%d]", r.Mask, Bits)
	}
	for i := r.Mask; i < Bits; i++ {
		if bitAt(r.From, i) != 0 {
			return errs.New(errs.InvalidArgument, "nodeid: range %s has nonzero bits below mask %d", r.From, r.Mask)
		}
	}
	return nil
}

// ContainsID reports whether id's leading Mask bits equal From's.
func (r Range) ContainsID(id ID) bool {
	for i := 0; i < r.Mask; i++ {
		if bitAt(id, i) != bitAt(r.From, i) {
			return false
		}
	}
	return true
}

// Contains reports whether r wholly contains other: other must be at
// least as specific (mask >= r.Mask) and other.From must fall in r.
func (r Range) Contains(other Range) bool {
	return r.Mask <= other.Mask && r.ContainsID(other.From)
}

// Equal reports structural equality of from+mask.
func (r Range) Equal(other Range) bool {
	return r.Mask == other.Mask && r.From == other.From
}

// Split yields the two children obtained by appending 0 and 1 at bit
// position Mask (spec §4.2). Panics if Mask == Bits (cannot split further);
// callers are expected to check via CanSplit first.
func (r Range) Split() (left, right Range) {
	left = r
	left.Mask = r.Mask + 1
	right = r
	right.Mask = r.Mask + 1
	setBit(&right.From, r.Mask, 1)
	return left, right
}

// CanSplit reports whether the range has at least one more bit to split on.
func (r Range) CanSplit() bool { return r.Mask < Bits }

// Sibling returns the other half of the immediate parent range that r
// belongs to, or ok=false if r is the universal range.
func (r Range) Sibling() (Range, bool) {
	if r.Mask == 0 {
		return Range{}, false
	}
	sib := r
	sib.From = r.From
	bit := bitAt(r.From, r.Mask-1)
	setBit(&sib.From, r.Mask-1, 1-bit)
	return sib, true
}

// Parent returns the range one bit less specific than r, or ok=false for
// the universal range.
func (r Range) Parent() (Range, bool) {
	if r.Mask == 0 {
		return Range{}, false
	}
	p := r
	p.Mask = r.Mask - 1
	setBit(&p.From, p.Mask, 0)
	return p, true
}

// DiscriminatingBit returns the value (0 or 1) of id's bit at position
// Mask, the bit that distinguishes r's left child from its right child.
// It is undefined (but harmless) to call this when id is not contained
// in r.
func (r Range) DiscriminatingBit(id ID) int {
	return bitAt(id, r.Mask)
}

// IsLeftHalf reports whether r is the "0" child of its parent (i.e. its
// lowest significant prefix bit is 0). Meaningless for the universal range.
func (r Range) IsLeftHalf() bool {
	if r.Mask == 0 {
		return true
	}
	return bitAt(r.From, r.Mask-1) == 0
}

// Span returns the number of distinct NodeID high-bit-values (at the
// resolution implied by 2*mask bits of curve index) this range covers,
// i.e. 2^(Bits-Mask). Saturates at ^uint64(0) when that would overflow.
func (r Range) Span() uint64 {
	shift := Bits - r.Mask
	if shift >= 64 {
		return ^uint64(0)
	}
	return uint64(1) << uint(shift)
}

func (r Range) String() string {
	return fmt.Sprintf("%s/%d", r.From.String(), r.Mask)
}

// RangeLess orders ranges by From ascending, the ordering the partition
// table keeps its entries in (spec §4.2).
func RangeLess(a, b Range) bool {
	return Compare(a.From, b.From) < 0
}

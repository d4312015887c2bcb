package rtree

// noIndex marks the absence of a node/arena link (root's parent, a leaf's
// children, a node with no sibling on that side).
const noIndex = -1

// entry is either a leaf entry (Data set, pointing at caller-owned data
// via LeafEntry) or an internal entry (Child set, pointing at a child
// node in the arena). Both carry the Hilbert value and MBR the parent
// uses to maintain its own LHV/MBR invariants (spec §4.3).
type entry struct {
	hilbert uint64
	mbr     Rectangle
	child   int        // index into RTree.arena, or noIndex for leaf entries
	leaf    *LeafEntry // non-nil for leaf entries
}

// LeafEntry is a leaf's payload: a Hilbert value, the point it was
// computed from, and an opaque back-pointer to caller data (spec §3:
// "a back-pointer to a ClientEntry").
type LeafEntry struct {
	Hilbert uint64
	Point   Point
	Data    interface{}
}

// node is one arena slot. Parent/sibling links are indices, never
// pointers, so the whole arena can be dropped at once with no cycles to
// break (spec §9's design note).
type node struct {
	isLeaf      bool
	parent      int
	prevSibling int
	nextSibling int
	mbr         Rectangle
	lhv         uint64
	entries     []entry
}

func newNode(isLeaf bool) *node {
	return &node{
		isLeaf:      isLeaf,
		parent:      noIndex,
		prevSibling: noIndex,
		nextSibling: noIndex,
	}
}

// hasCapacity reports whether the node can accept one more entry without
// overflowing the tree's fan-out M.
func (n *node) hasCapacity(m int) bool {
	return len(n.entries) < m
}

// insertSorted inserts e into n.entries keeping Hilbert order ascending,
// as spec §4.3 requires ("if the leaf has capacity insert in Hilbert
// order").
func (n *node) insertSorted(e entry) {
	i := 0
	for i < len(n.entries) && n.entries[i].hilbert <= e.hilbert {
		i++
	}
	n.entries = append(n.entries, entry{})
	copy(n.entries[i+1:], n.entries[i:])
	n.entries[i] = e
}

// adjustMBR recomputes n's MBR as the union of its entries' MBRs.
func (n *node) adjustMBR() {
	if len(n.entries) == 0 {
		n.mbr = Rectangle{}
		return
	}
	mbr := n.entries[0].mbr
	for _, e := range n.entries[1:] {
		mbr = Union(mbr, e.mbr)
	}
	n.mbr = mbr
}

// adjustLHV recomputes n's Largest Hilbert Value as the max of its
// entries'.
func (n *node) adjustLHV() {
	var lhv uint64
	for _, e := range n.entries {
		if e.hilbert > lhv {
			lhv = e.hilbert
		}
	}
	n.lhv = lhv
}

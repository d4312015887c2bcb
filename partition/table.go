package partition

import (
	"sort"
	"sync"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/nodeid"
)

// Table is the partition table of spec §4.4: an ordered mapping from
// NodeID prefixes to PartitionEntries, with total coverage and no holes
// (spec §3 invariant 1).
type Table struct {
	mu      sync.RWMutex
	entries []*PartitionEntry
}

// New constructs a table whose universal range is owned locally, the
// starting state of a fresh server (spec §8 scenario 3: "Server A owns
// the universal range").
func New(resolution int) *Table {
	return &Table{
		entries: []*PartitionEntry{
			{Range: nodeid.Universal(), Authority: NewLocalOwner(resolution)},
		},
	}
}

// NewRemote constructs a table whose universal range starts owned by
// peer at addr: the starting state for any server beyond the first one
// in a deployment, which must say server_hello to an existing member
// and be rebalanced with before it owns anything itself.
func NewRemote(peer Peer, addr string) *Table {
	return &Table{
		entries: []*PartitionEntry{
			{Range: nodeid.Universal(), Authority: &RemoteOwner{Peer: peer, Addr: addr}},
		},
	}
}

// Entries returns a snapshot slice of the table's current entries, in
// ascending From order. Callers must not mutate the returned slice's
// element pointers' Authority concurrently with table mutations.
func (t *Table) Entries() []*PartitionEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*PartitionEntry, len(t.entries))
	copy(out, t.entries)
	return out
}

// indexOf returns the index of the entry whose range contains id, found
// as "the largest from <= id" (spec §4.4), or -1 if the table is empty.
// Callers must hold t.mu.
func (t *Table) indexOf(id nodeid.ID) int {
	i := sort.Search(len(t.entries), func(i int) bool {
		return nodeid.Compare(t.entries[i].Range.From, id) > 0
	})
	return i - 1
}

// FindAuthority implements spec §4.4's find_authority: the unique
// PartitionEntry whose range contains id, found by largest-from-<=-id
// followed by a containment assert (spec P5).
func (t *Table) FindAuthority(id nodeid.ID) (*PartitionEntry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.findLocked(id)
}

func (t *Table) findLocked(id nodeid.ID) (*PartitionEntry, error) {
	idx := t.indexOf(id)
	if idx < 0 {
		return nil, errs.New(errs.Unavailable, "partition: no entry covers %s", id)
	}
	e := t.entries[idx]
	if !e.Range.ContainsID(id) {
		return nil, errs.New(errs.Unavailable, "partition: table has a gap at %s", id)
	}
	return e, nil
}

// Validate checks spec §3 invariant 1 (total coverage, no gaps or
// overlaps) and invariant 2 (power-of-two alignment via Range.Validate).
func (t *Table) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return errs.New(errs.Unavailable, "partition: table is empty")
	}
	if t.entries[0].Range.From != nodeid.Zero {
		return errs.New(errs.Unavailable, "partition: table does not start at the zero NodeID")
	}
	var next nodeid.ID // where the next entry must start
	for i, e := range t.entries {
		if err := e.Range.Validate(); err != nil {
			return err
		}
		if e.Range.From != next {
			return errs.New(errs.Unavailable, "partition: gap or overlap before %s", e.Range)
		}
		carry := true // advance next past e: add one at bit Mask-1
		for pos := e.Range.Mask - 1; pos >= 0 && carry; pos-- {
			next[pos/8] ^= 1 << uint(7-pos%8)
			carry = next[pos/8]&(1<<uint(7-pos%8)) == 0
		}
		if carry != (i == len(t.entries)-1) {
			return errs.New(errs.Unavailable, "partition: gap or overlap after %s", e.Range)
		}
	}
	return nil
}

func sortEntriesByFrom(entries []*PartitionEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return nodeid.RangeLess(entries[i].Range, entries[j].Range)
	})
}

package partition

import (
	"sort"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/rtree"
)

// AddRemote implements spec §4.4's add_remote: register that peer at addr
// is now authoritative for rng, reconciling the three overlap cases with
// the table's existing entries.
func (t *Table) AddRemote(rng nodeid.Range, peer Peer, addr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(rng.From)
	if idx < 0 {
		return errs.New(errs.Unavailable, "partition: no entry covers %s", rng.From)
	}
	cur := t.entries[idx]

	switch {
	case cur.Range.Equal(rng):
		if _, ok := cur.Authority.(*LocalOwner); ok {
			return errs.New(errs.AccessDenied, "partition: range %s is locally owned", rng)
		}
		cur.Authority = &RemoteOwner{Peer: peer, Addr: addr}
		return nil

	case cur.Range.Mask < rng.Mask:
		// case (ii): rng is wholly contained in cur's larger range.
		return t.splitDownToRemote(idx, rng, peer, addr)

	default:
		// case (iii): rng wholly contains one or more existing entries.
		return t.absorbRemote(rng, peer, addr)
	}
}

// splitDownToRemote handles add_remote case (ii): split cur repeatedly,
// bit by bit, until one child equals rng; the non-matching half at each
// level keeps the previous authority, and the matching leaf becomes the
// new RemoteOwner. Rejects if cur (and therefore every intermediate
// authority, since Remote splits stay Remote) is local.
func (t *Table) splitDownToRemote(idx int, target nodeid.Range, peer Peer, addr string) error {
	cur := t.entries[idx]
	if _, ok := cur.Authority.(*LocalOwner); ok {
		return errs.New(errs.AccessDenied, "partition: range %s overlaps a local entry", target)
	}

	var produced []*PartitionEntry
	rng, authority := cur.Range, cur.Authority
	for {
		leftRange, rightRange := rng.Split()
		leftAuth, rightAuth := splitAuthority(authority, rng)

		matchRange, matchAuth, keepRange, keepAuth := leftRange, leftAuth, rightRange, rightAuth
		if !leftRange.Contains(target) {
			matchRange, matchAuth, keepRange, keepAuth = rightRange, rightAuth, leftRange, leftAuth
		}

		produced = append(produced, &PartitionEntry{Range: keepRange, Authority: keepAuth})
		if matchRange.Equal(target) {
			produced = append(produced, &PartitionEntry{Range: matchRange, Authority: &RemoteOwner{Peer: peer, Addr: addr}})
			break
		}
		rng, authority = matchRange, matchAuth
	}

	sortEntriesByFrom(produced)
	t.replaceAt(idx, idx+1, produced)
	return nil
}

// absorbRemote handles add_remote case (iii): rng wholly contains one or
// more existing entries; reject if any is local, otherwise collapse them
// into a single RemoteOwner.
func (t *Table) absorbRemote(rng nodeid.Range, peer Peer, addr string) error {
	start, end, err := t.containedRun(rng)
	if err != nil {
		return err
	}
	for _, e := range t.entries[start:end] {
		if _, ok := e.Authority.(*LocalOwner); ok {
			return errs.New(errs.AccessDenied, "partition: range %s overlaps a local entry", rng)
		}
	}
	t.replaceAt(start, end, []*PartitionEntry{{Range: rng, Authority: &RemoteOwner{Peer: peer, Addr: addr}}})
	return nil
}

// AddLocal implements spec §4.4's add_local: same shape as AddRemote, but
// any local entries absorbed along the way hand their clients to the new
// owner instead of being rejected, and this server becomes authoritative.
//
// When rng already names a local entry exactly, the table takes
// ownership of existing, folding the previous owner's clients into it,
// rather than rejecting the call as a no-op or an error.
func (t *Table) AddLocal(rng nodeid.Range, existing *LocalOwner, resolution int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.indexOf(rng.From)
	if idx < 0 {
		return errs.New(errs.Unavailable, "partition: no entry covers %s", rng.From)
	}
	cur := t.entries[idx]

	switch {
	case cur.Range.Equal(rng):
		owner := installLocal(cur.Authority, existing, resolution)
		cur.Authority = owner
		return nil

	case cur.Range.Mask < rng.Mask:
		return t.splitDownToLocal(idx, rng, existing, resolution)

	default:
		return t.absorbLocal(rng, existing, resolution)
	}
}

// installLocal returns the LocalOwner that should take over prev's range:
// existing if the caller supplied one (created, perhaps, by an earlier
// call to LocalOwner.split()), otherwise a fresh LocalOwner; prev's
// clients (if prev was itself a LocalOwner) are folded in first.
func installLocal(prev Authority, existing *LocalOwner, resolution int) *LocalOwner {
	owner := existing
	if owner == nil {
		owner = NewLocalOwner(resolution)
	}
	if prevOwner, ok := prev.(*LocalOwner); ok && prevOwner != owner {
		prevOwner.Tree.ForeachEntry(func(e *rtree.LeafEntry) {
			owner.Tree.Insert(e.Point, e.Hilbert, e.Data)
			owner.Load++
		})
	}
	return owner
}

// splitDownToLocal handles add_local case (ii): mirrors
// splitDownToRemote, but the matching leaf becomes local (merging in any
// clients the split chain produced for that exact sub-range) rather than
// being rejected when an intermediate authority turns out to be local.
func (t *Table) splitDownToLocal(idx int, target nodeid.Range, existing *LocalOwner, resolution int) error {
	cur := t.entries[idx]

	var produced []*PartitionEntry
	rng, authority := cur.Range, cur.Authority
	for {
		leftRange, rightRange := rng.Split()
		leftAuth, rightAuth := splitAuthority(authority, rng)

		matchRange, matchAuth, keepRange, keepAuth := leftRange, leftAuth, rightRange, rightAuth
		if !leftRange.Contains(target) {
			matchRange, matchAuth, keepRange, keepAuth = rightRange, rightAuth, leftRange, leftAuth
		}

		produced = append(produced, &PartitionEntry{Range: keepRange, Authority: keepAuth})
		if matchRange.Equal(target) {
			owner := installLocal(matchAuth, existing, resolution)
			produced = append(produced, &PartitionEntry{Range: matchRange, Authority: owner})
			break
		}
		rng, authority = matchRange, matchAuth
	}

	sortEntriesByFrom(produced)
	t.replaceAt(idx, idx+1, produced)
	return nil
}

// absorbLocal handles add_local case (iii): rng wholly contains one or
// more existing entries; any local entries among them hand their clients
// to the new local owner, remote entries are simply superseded.
func (t *Table) absorbLocal(rng nodeid.Range, existing *LocalOwner, resolution int) error {
	start, end, err := t.containedRun(rng)
	if err != nil {
		return err
	}

	owner := existing
	if owner == nil {
		owner = NewLocalOwner(resolution)
	}
	for _, e := range t.entries[start:end] {
		if prevOwner, ok := e.Authority.(*LocalOwner); ok && prevOwner != owner {
			prevOwner.Tree.ForeachEntry(func(le *rtree.LeafEntry) {
				owner.Tree.Insert(le.Point, le.Hilbert, le.Data)
				owner.Load++
			})
		}
	}

	t.replaceAt(start, end, []*PartitionEntry{{Range: rng, Authority: owner}})
	return nil
}

// InstallRelinquished completes the caller side of a RelinquishRange
// Action from LoadBalanceWith: that call already dropped rng from the
// table entirely (it is in neither the kept entries nor a split/absorb
// target AddRemote could match against), so once peer has actually taken
// control of rng, this inserts it fresh as a RemoteOwner rather than
// going through AddRemote's split/absorb cases.
func (t *Table) InstallRelinquished(rng nodeid.Range, peer Peer, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.entries), func(i int) bool {
		return nodeid.Less(rng.From, t.entries[i].Range.From)
	})
	entries := append([]*PartitionEntry(nil), t.entries[:idx]...)
	entries = append(entries, &PartitionEntry{Range: rng, Authority: &RemoteOwner{Peer: peer, Addr: addr}})
	t.entries = append(entries, t.entries[idx:]...)
}

// containedRun finds the contiguous run of existing entries wholly
// contained in rng, starting at the entry covering rng.From. Callers
// must hold t.mu.
func (t *Table) containedRun(rng nodeid.Range) (start, end int, err error) {
	start = t.indexOf(rng.From)
	if start < 0 {
		return 0, 0, errs.New(errs.Unavailable, "partition: no entry covers %s", rng.From)
	}
	end = start
	for end < len(t.entries) && rng.Contains(t.entries[end].Range) {
		end++
	}
	if end == start {
		return 0, 0, errs.New(errs.InvalidArgument, "partition: range %s does not align with the table", rng)
	}
	return start, end, nil
}

// replaceAt splices replacement in place of entries[start:end].
func (t *Table) replaceAt(start, end int, replacement []*PartitionEntry) {
	tail := append([]*PartitionEntry(nil), t.entries[end:]...)
	t.entries = append(t.entries[:start], append(replacement, tail...)...)
}

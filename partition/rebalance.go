package partition

import (
	"github.com/google/uuid"

	"github.com/gcampax/hDHT/nodeid"
)

// LoadThreshold is the default load_balance_with split threshold from
// spec §4.4 ("load(L) > LOAD_THRESHOLD (default 5000)").
const LoadThreshold = 5000

// ActionKind tags the two outcomes load_balance_with can produce for a
// table entry (spec §4.4).
type ActionKind int

const (
	// InformPeer means the caller should tell peer about Range's current
	// authority (its own address if the entry stayed local, or RemoteAddr
	// if the entry was already a RemoteOwner) without relinquishing it.
	InformPeer ActionKind = iota
	// RelinquishRange means the caller should hand Range, populated with
	// Owner's clients, over to peer via add_remote_range/control_range/
	// adopt_client, then drop Owner locally.
	RelinquishRange
)

// Action is one instruction load_balance_with emits (spec §4.4: "a
// sequence of (action, node) pairs").
type Action struct {
	Kind  ActionKind
	Range nodeid.Range

	// Owner is set for RelinquishRange: the populated LocalOwner the
	// caller must migrate to peer before dropping it.
	Owner *LocalOwner

	// RemoteAddr is set for InformPeer actions produced from a
	// RemoteOwner entry: that remote's current address.
	RemoteAddr string

	// RequestID correlates the (possibly several) RPCs a single Action
	// produces at the caller, the same role uuid.New() plays for a
	// PREPARE message's correlation id.
	RequestID string
}

// LoadBalanceWith implements spec §4.4's load_balance_with: walk the
// table, splitting and relinquishing ranges to peer per the rules for
// under-resolved, overloaded, and ordinary LocalOwners, and simply
// informing peer of existing RemoteOwner entries.
func (t *Table) LoadBalanceWith(peer Peer, addr string, resolution int) []Action {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := append([]*PartitionEntry(nil), t.entries...)
	var produced []*PartitionEntry
	var actions []Action

	for _, e := range snapshot {
		switch a := e.Authority.(type) {
		case *LocalOwner:
			kept, acts := rebalanceLocal(e.Range, a, peer, addr, resolution)
			produced = append(produced, kept...)
			actions = append(actions, acts...)
		case *RemoteOwner:
			produced = append(produced, e)
			actions = append(actions, Action{Kind: InformPeer, Range: e.Range, RemoteAddr: a.Addr, RequestID: uuid.New().String()})
		}
	}

	sortEntriesByFrom(produced)
	t.entries = produced
	return actions
}

// rebalanceLocal applies spec §4.4's per-LocalOwner rule to a single
// entry, returning the entries it should be replaced by in the table
// plus the actions the caller must carry out.
func rebalanceLocal(rng nodeid.Range, l *LocalOwner, peer Peer, addr string, resolution int) ([]*PartitionEntry, []Action) {
	half := resolution / 2

	if rng.Mask < half {
		left, right := l.split(rng)
		leftRange, rightRange := rng.Split()
		return []*PartitionEntry{{Range: leftRange, Authority: left}},
			[]Action{{Kind: RelinquishRange, Range: rightRange, Owner: right, RequestID: uuid.New().String()}}
	}

	if l.Load <= LoadThreshold {
		return []*PartitionEntry{{Range: rng, Authority: l}},
			[]Action{{Kind: InformPeer, Range: rng, RequestID: uuid.New().String()}}
	}

	curRange, curOwner := rng, l
	var kept []*PartitionEntry
	var actions []Action
	for {
		if !curRange.CanSplit() {
			kept = append(kept, &PartitionEntry{Range: curRange, Authority: curOwner})
			break
		}

		left, right := curOwner.split(curRange)
		leftRange, rightRange := curRange.Split()

		smallerRange, smaller, biggerRange, bigger := leftRange, left, rightRange, right
		if left.Load > right.Load {
			smallerRange, smaller, biggerRange, bigger = rightRange, right, leftRange, left
		}

		actions = append(actions, Action{Kind: RelinquishRange, Range: smallerRange, Owner: smaller, RequestID: uuid.New().String()})

		if bigger.Load <= 2*smaller.Load || bigger.Load <= LoadThreshold {
			kept = append(kept, &PartitionEntry{Range: biggerRange, Authority: bigger})
			break
		}
		curRange, curOwner = biggerRange, bigger
	}
	return kept, actions
}

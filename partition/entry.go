// Package partition implements the partition table of spec §4.4
// (component C4): the ordered mapping from NodeID prefixes to the
// authority responsible for them, grounded on original_source/lib/dht.cpp
// (Table::add_local_range/add_remote_range) and lib/node.hpp's
// ServerNode -> {LocalServerNode, RemoteServerNode} hierarchy, adapted
// per spec §9's design note into a tagged-union Authority selected by
// type switch rather than dynamic dispatch.
package partition

import (
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/rtree"
)

// Peer is the subset of the RPC peer-handle contract the partition table
// needs: an address to hand to protocol callers building add_remote_range
// and control_range requests. Satisfied by *rpcconn.Peer.
type Peer interface {
	Addr() string
}

// Identified is implemented by whatever a LocalOwner's R-tree stores as
// leaf data (a *registry.ClientEntry in practice), so that splitting an
// owner can discriminate clients by NodeID without the partition package
// needing to know the registry's concrete type.
type Identified interface {
	NodeID() nodeid.ID
}

// Authority is the tagged union of spec §3's PartitionEntry authority:
// either this server owns the range's R-tree directly, or a remote peer
// does.
type Authority interface {
	isAuthority()
}

// LocalOwner is spec §3's LocalOwner: an R-tree over the clients whose
// NodeID falls in the entry's range, a resolution (needed to interpret
// Hilbert values when splitting), and a load counter used by
// load_balance_with.
type LocalOwner struct {
	Tree       *rtree.Tree
	Resolution int
	Load       int
}

func (*LocalOwner) isAuthority() {}

// NewLocalOwner constructs an empty LocalOwner with the default fan-out.
func NewLocalOwner(resolution int) *LocalOwner {
	return &LocalOwner{Tree: rtree.New(rtree.DefaultFanout), Resolution: resolution}
}

// split implements spec §4.4's structural split for a LocalOwner: the
// range's mask increases by one and client entries partition by the
// discriminating bit into two fresh R-trees.
func (l *LocalOwner) split(rng nodeid.Range) (left, right *LocalOwner) {
	left = &LocalOwner{Tree: rtree.New(l.Tree.M), Resolution: l.Resolution}
	right = &LocalOwner{Tree: rtree.New(l.Tree.M), Resolution: l.Resolution}
	l.Tree.ForeachEntry(func(e *rtree.LeafEntry) {
		id := e.Data.(Identified).NodeID()
		if rng.DiscriminatingBit(id) == 0 {
			left.Tree.Insert(e.Point, e.Hilbert, e.Data)
			left.Load++
		} else {
			right.Tree.Insert(e.Point, e.Hilbert, e.Data)
			right.Load++
		}
	})
	return left, right
}

// RemoteOwner is spec §3's RemoteOwner: a handle to the authoritative
// peer and its listening address.
type RemoteOwner struct {
	Peer Peer
	Addr string
}

func (*RemoteOwner) isAuthority() {}

// split clones a RemoteOwner for both halves of a structural split (spec
// §4.4: "a RemoteOwner split() likewise clones the owner entry (same
// peer) with the sibling prefix").
func (r *RemoteOwner) split() (left, right *RemoteOwner) {
	left = &RemoteOwner{Peer: r.Peer, Addr: r.Addr}
	right = &RemoteOwner{Peer: r.Peer, Addr: r.Addr}
	return left, right
}

// splitAuthority dispatches a structural split to the concrete authority
// type, given the range being split (needed only by LocalOwner, to find
// the discriminating bit).
func splitAuthority(a Authority, rng nodeid.Range) (left, right Authority) {
	switch v := a.(type) {
	case *LocalOwner:
		l, r := v.split(rng)
		return l, r
	case *RemoteOwner:
		l, r := v.split()
		return l, r
	default:
		panic("partition: unknown authority type")
	}
}

// PartitionEntry is spec §3's (range, authority) pair.
type PartitionEntry struct {
	Range     nodeid.Range
	Authority Authority
}

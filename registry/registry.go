// Package registry implements the client registry of spec §4.5
// (component C5): the global NodeID -> ClientEntry map, shared with
// each owning LocalOwner's R-tree per spec §3's ownership note ("the
// ClientEntry is shared between the global client index... and exactly
// one LocalOwner's R-tree"). Grounded on original_source/lib/node.hpp's
// ClientNode and lib/dht.cpp's Table::get_or_create_client_node.
package registry

import (
	"sync"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/rtree"
)

// PeerHandle is the minimal view the registry needs of a client's
// connection, satisfied by *rpcconn.Peer.
type PeerHandle interface {
	Addr() string
}

// ClientEntry is spec §3's ClientEntry: a NodeID, its current GeoPoint,
// a peer-handle, ordered metadata, and a registered flag.
type ClientEntry struct {
	mu sync.RWMutex

	id         nodeid.ID
	point      geo.Point
	peer       PeerHandle
	metadata   []metadataPair
	registered bool
}

type metadataPair struct {
	Key, Value string
}

// NodeID implements partition.Identified so a ClientEntry can live as
// R-tree leaf data and be discriminated on split.
func (c *ClientEntry) NodeID() nodeid.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Point returns the client's current location.
func (c *ClientEntry) Point() geo.Point {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.point
}

// Peer returns the client's connection handle.
func (c *ClientEntry) Peer() PeerHandle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// Registered reports whether client_hello completed for this entry.
func (c *ClientEntry) Registered() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registered
}

// SetMetadata implements spec §4.6's set_metadata: upsert a key, keeping
// the ordered-map semantics of spec §3.
func (c *ClientEntry) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.metadata {
		if c.metadata[i].Key == key {
			c.metadata[i].Value = value
			return
		}
	}
	c.metadata = append(c.metadata, metadataPair{Key: key, Value: value})
}

// GetMetadata implements spec §4.6's get_metadata: NotFound if key is
// unknown on this authority.
func (c *ClientEntry) GetMetadata(key string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.metadata {
		if p.Key == key {
			return p.Value, nil
		}
	}
	return "", errs.New(errs.NotFound, "registry: no metadata key %q for %s", key, c.id)
}

// Metadata returns a snapshot copy of every key/value pair as a map, which
// carries no order; MetadataOrder gives the insertion order of the keys.
func (c *ClientEntry) Metadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.metadata))
	for _, p := range c.metadata {
		out[p.Key] = p.Value
	}
	return out
}

// MetadataOrder returns the insertion order of metadata keys, matching
// wire.AdoptClientRequest's Order field for a subsequent adopt_client
// forwarding call.
func (c *ClientEntry) MetadataOrder() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.metadata))
	for i, p := range c.metadata {
		out[i] = p.Key
	}
	return out
}

// Registry is the global NodeID -> ClientEntry map of spec §4.5.
type Registry struct {
	mu      sync.RWMutex
	clients map[nodeid.ID]*ClientEntry
	table   *partition.Table
}

// New constructs an empty registry backed by table, the server's
// partition table.
func New(table *partition.Table) *Registry {
	return &Registry{clients: make(map[nodeid.ID]*ClientEntry), table: table}
}

// Len reports how many clients this server currently tracks, surfaced
// over ping as a crude load signal.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Get returns the entry for id, if registered.
func (r *Registry) Get(id nodeid.ID) (*ClientEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[id]
	return e, ok
}

// GetOrCreate implements spec §4.5's get_or_create: derive id from point
// if unset; return an existing entry; otherwise, if this server is not
// the authority for id, report so; else create and register it in the
// owning R-tree.
//
// created reports whether a new entry was made (used by client_hello to
// choose between ClientCreated and ClientAlreadyExists).
func (r *Registry) GetOrCreate(id nodeid.ID, point geo.Point, peer PeerHandle, resolution int) (entry *ClientEntry, created bool, err error) {
	if id.IsZero() {
		id, err = geo.NodeIDFromPoint(point, resolution)
		if err != nil {
			return nil, false, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[id]; ok {
		return existing, false, nil
	}

	partEntry, err := r.table.FindAuthority(id)
	if err != nil {
		return nil, false, err
	}
	owner, ok := partEntry.Authority.(*partition.LocalOwner)
	if !ok {
		return nil, false, errs.New(errs.NoSuchDevice, "registry: %s is not locally owned", id)
	}

	entry = &ClientEntry{id: id, point: point, peer: peer, registered: true}
	hv, err := geo.HilbertFromNodeID(id, resolution)
	if err != nil {
		return nil, false, err
	}
	gridPt := gridPointFromHilbert(hv, resolution)
	owner.Tree.Insert(gridPt, hv, entry)
	owner.Load++

	r.clients[id] = entry
	return entry, true, nil
}

// Move implements spec §4.5's move: update the entry's coordinates,
// recompute its NodeID, and rebind it in the R-tree. If the new NodeID
// falls outside the current owner's range, the entry is detached (but
// not yet re-attached — the caller is expected to adopt_client it to the
// authority newAuthority reports, per spec §4.6's set_location handler).
func (r *Registry) Move(entry *ClientEntry, newPoint geo.Point, resolution int) (newID nodeid.ID, sameOwner bool, newAuthority *partition.PartitionEntry, err error) {
	newID, err = geo.NodeIDFromPoint(newPoint, resolution)
	if err != nil {
		return nodeid.Zero, false, nil, err
	}

	entry.mu.Lock()
	oldID := entry.id
	entry.mu.Unlock()

	if newID == oldID {
		entry.mu.Lock()
		entry.point = newPoint
		entry.mu.Unlock()
		return newID, true, nil, nil
	}

	oldPartEntry, err := r.table.FindAuthority(oldID)
	if err != nil {
		return nodeid.Zero, false, nil, err
	}
	newPartEntry, err := r.table.FindAuthority(newID)
	if err != nil {
		return nodeid.Zero, false, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	oldOwner, isLocalOld := oldPartEntry.Authority.(*partition.LocalOwner)
	if isLocalOld {
		oldOwner.Tree.Remove(func(e *rtree.LeafEntry) bool { return e.Data.(*ClientEntry) == entry })
		oldOwner.Load--
	}

	entry.mu.Lock()
	entry.id = newID
	entry.point = newPoint
	entry.mu.Unlock()

	if newOwner, isLocalNew := newPartEntry.Authority.(*partition.LocalOwner); isLocalNew && oldPartEntry.Range.Equal(newPartEntry.Range) {
		hv, hErr := geo.HilbertFromNodeID(newID, resolution)
		if hErr != nil {
			return nodeid.Zero, false, nil, hErr
		}
		newOwner.Tree.Insert(gridPointFromHilbert(hv, resolution), hv, entry)
		newOwner.Load++
		delete(r.clients, oldID)
		r.clients[newID] = entry
		return newID, true, nil, nil
	}

	// Different owner (possibly remote): the caller must adopt_client the
	// entry to newPartEntry's authority and then Forget it here. Until
	// then, entry is orphaned: removed from this map, but a connection's
	// connState.entry (server/role.go) may still be bound to it.
	delete(r.clients, oldID)
	return newID, false, newPartEntry, nil
}

// Forget implements spec §4.5's forget: remove entry from the map and
// from its owning R-tree.
func (r *Registry) Forget(entry *ClientEntry) {
	entry.mu.RLock()
	id := entry.id
	entry.mu.RUnlock()

	partEntry, err := r.table.FindAuthority(id)
	if err == nil {
		if owner, ok := partEntry.Authority.(*partition.LocalOwner); ok {
			owner.Tree.Remove(func(e *rtree.LeafEntry) bool { return e.Data.(*ClientEntry) == entry })
			owner.Load--
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// gridPointFromHilbert inverts the Hilbert curve mapping to recover the
// grid (x, y) coordinates an R-tree MBR needs, mirroring geo.PointFromNodeID
// without the lossy fixed-point round trip back to lat/lon.
func gridPointFromHilbert(hv uint64, resolution int) rtree.Point {
	order := resolution / 2
	x, y := geo.D2XY(order, hv)
	return rtree.Point{X: uint64(x), Y: uint64(y)}
}

package server

import (
	"context"
	"sync"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/logging"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/rtree"
	"github.com/gcampax/hDHT/search"
	"github.com/gcampax/hDHT/wire"
)

// addrPeer is a PeerHandle/partition.Peer that only remembers an
// address, for bookkeeping a client's or remote server's location
// without holding a live rpcconn.Peer reference.
type addrPeer string

func (a addrPeer) Addr() string { return string(a) }

// Master is spec §4.6's master object: the object id 1 collaborator that
// every connection talks to first, owning the dispatch table over the
// shared partition.Table and registry.Registry.
type Master struct {
	Table      *partition.Table
	Registry   *registry.Registry
	Resolution int
	SelfAddr   string
	Manager    *rpcconn.Manager

	mu    sync.Mutex
	conns map[*rpcconn.Peer]*connState

	search *search.Coordinator
}

// NewMaster builds a Master bound to table/reg, advertising selfAddr as
// this server's own listening address and using mgr to dial peers when a
// handler needs to forward a request.
func NewMaster(table *partition.Table, reg *registry.Registry, resolution int, selfAddr string, mgr *rpcconn.Manager) *Master {
	m := &Master{
		Table:      table,
		Registry:   reg,
		Resolution: resolution,
		SelfAddr:   selfAddr,
		Manager:    mgr,
		conns:      make(map[*rpcconn.Peer]*connState),
		search:     &search.Coordinator{Table: table, Resolution: resolution, Manager: mgr},
	}
	mgr.SetOnClose(m.Forget)
	return m
}

func (m *Master) connStateFor(peer *rpcconn.Peer) *connState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.conns[peer]
	if !ok {
		cs = &connState{}
		m.conns[peer] = cs
	}
	return cs
}

// Forget drops a disconnected peer's connection state. NewMaster wires
// this into the Manager's OnClose hook, so it runs automatically once a
// peer's connection tears down.
func (m *Master) Forget(peer *rpcconn.Peer) {
	m.mu.Lock()
	delete(m.conns, peer)
	m.mu.Unlock()
}

// Handle implements rpcconn.Handler, dispatching on opcode per spec
// §4.6's request surface table.
func (m *Master) Handle(ctx context.Context, peer *rpcconn.Peer, objectID uint64, opcode wire.Opcode, payload []byte) ([]byte, error) {
	cs := m.connStateFor(peer)

	switch opcode {
	case wire.OpServerHello:
		return m.handleServerHello(ctx, peer, cs, payload)
	case wire.OpClientHello:
		return m.handleClientHello(peer, cs, payload)
	case wire.OpAddRemoteRange:
		return m.handleAddRemoteRange(cs, payload)
	case wire.OpControlRange:
		return m.handleControlRange(cs, payload)
	case wire.OpAdoptClient:
		return m.handleAdoptClient(cs, payload)
	case wire.OpFindControllingServer:
		return m.handleFindControllingServer(ctx, payload)
	case wire.OpFindServerForPoint:
		return m.handleFindServerForPoint(ctx, payload)
	case wire.OpSetLocation:
		return m.handleSetLocation(ctx, cs, payload)
	case wire.OpSetMetadata:
		return m.handleSetMetadata(cs, payload)
	case wire.OpGetMetadata:
		return m.handleGetMetadata(cs, payload)
	case wire.OpSearchClients:
		return m.handleSearchClients(ctx, payload)
	case wire.OpPing:
		return m.handlePing(ctx)
	default:
		return nil, errs.New(errs.NotImplemented, "server: unrecognized opcode %d", opcode)
	}
}

// handleServerHello implements "Record peer's listening address; run
// load_balance_with(peer)" (spec §4.6): once a peer is known, rebalance
// against it immediately and carry out whatever Actions that produces
// before replying, rather than deferring the handoff to some later pass.
func (m *Master) handleServerHello(ctx context.Context, peer *rpcconn.Peer, cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleServer); err != nil {
		return nil, err
	}
	req, err := wire.DecodeServerHelloRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Addr == m.SelfAddr {
		return nil, errs.New(errs.LoopDetected, "server: peer announced our own address %s", req.Addr)
	}
	logging.Infof("server: peer %s said hello", req.Addr)

	actions := m.Table.LoadBalanceWith(addrPeer(req.Addr), req.Addr, m.Resolution)
	if err := m.applyRebalanceActions(ctx, req.Addr, actions); err != nil {
		return nil, err
	}
	return nil, nil
}

// applyRebalanceActions carries out load_balance_with's instructions
// against peerAddr (spec §4.4): InformPeer just announces an existing
// range over add_remote_range, RelinquishRange hands the range and its
// clients over via control_range/adopt_client and then registers peer as
// that range's RemoteOwner in our own table.
func (m *Master) applyRebalanceActions(ctx context.Context, peerAddr string, actions []partition.Action) error {
	for _, act := range actions {
		remote, err := m.Manager.Dial(ctx, peerAddr)
		if err != nil {
			return err
		}

		switch act.Kind {
		case partition.InformPeer:
			informAddr := act.RemoteAddr
			if informAddr == "" {
				informAddr = m.SelfAddr
			}
			_, err = remote.Invoke(ctx, wire.OpAddRemoteRange, wire.MasterObjectID,
				wire.AddRemoteRangeRequest{Range: act.Range, Addr: informAddr}.Encode())
		case partition.RelinquishRange:
			err = m.relinquish(ctx, remote, peerAddr, act.Range, act.Owner)
		}
		remote.Release()
		if err != nil {
			logging.Errorf("server: rebalance action %s (request %s) against %s failed: %v", act.Range, act.RequestID, peerAddr, err)
			return err
		}
	}
	return nil
}

// relinquish hands rng and owner's clients to remote via control_range
// and one adopt_client per client, drops those clients from our own
// registry, then registers remote as rng's authority so future lookups
// here still resolve correctly (spec §4.4's add_remote, completing the
// RelinquishRange Action LoadBalanceWith already dropped rng for).
func (m *Master) relinquish(ctx context.Context, remote *rpcconn.Peer, peerAddr string, rng nodeid.Range, owner *partition.LocalOwner) error {
	if _, err := remote.Invoke(ctx, wire.OpControlRange, wire.MasterObjectID,
		wire.ControlRangeRequest{Range: rng}.Encode()); err != nil {
		return err
	}

	var migrated []*registry.ClientEntry
	owner.Tree.ForeachEntry(func(e *rtree.LeafEntry) {
		entry, ok := e.Data.(*registry.ClientEntry)
		if ok {
			migrated = append(migrated, entry)
		}
	})

	for _, entry := range migrated {
		_, err := remote.Invoke(ctx, wire.OpAdoptClient, wire.MasterObjectID, wire.AdoptClientRequest{
			ID:       entry.NodeID(),
			Point:    entry.Point(),
			Addr:     entry.Peer().Addr(),
			Metadata: entry.Metadata(),
			Order:    entry.MetadataOrder(),
		}.Encode())
		if err != nil {
			return err
		}
		m.Registry.Forget(entry)
	}

	m.Table.InstallRelinquished(rng, addrPeer(peerAddr), peerAddr)
	return nil
}

// handlePing answers a liveness check with this server's current load,
// sampled through gopsutil. No request payload; ctx bounds the sampling
// calls.
func (m *Master) handlePing(ctx context.Context) ([]byte, error) {
	cpuPercent := 0.0
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	} else if err != nil {
		logging.Errorf("server: ping cpu sample failed: %v", err)
	}

	memPercent := 0.0
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memPercent = vm.UsedPercent
	} else {
		logging.Errorf("server: ping mem sample failed: %v", err)
	}

	reply := wire.PingReply{
		CPUPercent:     cpuPercent,
		MemUsedPercent: memPercent,
		ClientCount:    uint64(m.Registry.Len()),
	}
	return reply.Encode(), nil
}

// handleClientHello implements spec §4.6's client_hello row.
func (m *Master) handleClientHello(peer *rpcconn.Peer, cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleClient); err != nil {
		return nil, err
	}
	req, err := wire.DecodeClientHelloRequest(payload)
	if err != nil {
		return nil, err
	}
	point := req.Point.Canonicalize()

	entry, created, err := m.Registry.GetOrCreate(req.PriorID, point, addrPeer(req.Addr), m.Resolution)
	if errs.Is(err, errs.NoSuchDevice) {
		return wire.ClientHelloReply{Result: wire.ClientHelloWrongServer}.Encode(), nil
	}
	if err != nil {
		return nil, err
	}

	if created {
		cs.bind(entry)
		return wire.ClientHelloReply{Result: wire.ClientHelloCreated, ID: entry.NodeID()}.Encode(), nil
	}

	// Already registered: if the entry's NodeID is no longer in a locally
	// owned range, detach and tell the client to re-resolve. The point in
	// the request is not checked against our range here.
	authority, err := m.Table.FindAuthority(entry.NodeID())
	if err != nil {
		return nil, err
	}
	if _, ok := authority.Authority.(*partition.LocalOwner); !ok {
		m.Registry.Forget(entry)
		return wire.ClientHelloReply{Result: wire.ClientHelloWrongServer}.Encode(), nil
	}
	cs.bind(entry)
	return wire.ClientHelloReply{Result: wire.ClientHelloAlreadyExists, ID: entry.NodeID()}.Encode(), nil
}

// handleAddRemoteRange implements spec §4.6's add_remote_range row.
func (m *Master) handleAddRemoteRange(cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleServer); err != nil {
		return nil, err
	}
	req, err := wire.DecodeAddRemoteRangeRequest(payload)
	if err != nil {
		return nil, err
	}
	if err := m.Table.AddRemote(req.Range, addrPeer(req.Addr), req.Addr); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleControlRange implements spec §4.6's control_range row.
func (m *Master) handleControlRange(cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleServer); err != nil {
		return nil, err
	}
	req, err := wire.DecodeControlRangeRequest(payload)
	if err != nil {
		return nil, err
	}
	if err := m.Table.AddLocal(req.Range, nil, m.Resolution); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleAdoptClient implements spec §4.6's adopt_client row.
func (m *Master) handleAdoptClient(cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleServer); err != nil {
		return nil, err
	}
	req, err := wire.DecodeAdoptClientRequest(payload)
	if err != nil {
		return nil, err
	}
	entry, _, err := m.Registry.GetOrCreate(req.ID, req.Point, addrPeer(req.Addr), m.Resolution)
	if err != nil {
		return nil, err
	}
	for _, k := range req.Order {
		entry.SetMetadata(k, req.Metadata[k])
	}
	return nil, nil
}

// handleFindControllingServer implements spec §4.6's
// find_controlling_server row, forwarding to the RemoteOwner and
// narrowing this table's knowledge with the reply.
func (m *Master) handleFindControllingServer(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := wire.DecodeFindControllingServerRequest(payload)
	if err != nil {
		return nil, err
	}
	return m.resolveAuthority(ctx, req.ID)
}

// handleFindServerForPoint implements spec §4.6's find_server_for_point
// row: identical to find_controlling_server once the point is turned
// into a NodeID.
func (m *Master) handleFindServerForPoint(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := wire.DecodeFindServerForPointRequest(payload)
	if err != nil {
		return nil, err
	}
	id, err := geo.NodeIDFromPoint(req.Point.Canonicalize(), m.Resolution)
	if err != nil {
		return nil, err
	}
	return m.resolveAuthority(ctx, id)
}

// resolveAuthority answers (addr, range) for id, forwarding to the
// remote owner and absorbing its answer into our own table when the
// authority we know of isn't local.
func (m *Master) resolveAuthority(ctx context.Context, id nodeid.ID) ([]byte, error) {
	entry, err := m.Table.FindAuthority(id)
	if err != nil {
		return nil, err
	}

	switch a := entry.Authority.(type) {
	case *partition.LocalOwner:
		return wire.FindServerReply{Addr: m.SelfAddr, Range: entry.Range}.Encode(), nil
	case *partition.RemoteOwner:
		remote, err := m.Manager.Dial(ctx, a.Addr)
		if err != nil {
			return nil, err
		}
		defer remote.Release()

		reply, err := remote.Invoke(ctx, wire.OpFindControllingServer, wire.MasterObjectID,
			wire.FindControllingServerRequest{ID: id}.Encode())
		if err != nil {
			return nil, err
		}
		decoded, err := wire.DecodeFindServerReply(reply)
		if err != nil {
			return nil, err
		}
		if err := m.Table.AddRemote(decoded.Range, addrPeer(decoded.Addr), decoded.Addr); err != nil {
			logging.Warnf("server: failed to narrow table from %s's answer: %v", a.Addr, err)
		}
		return reply, nil
	default:
		return nil, errs.New(errs.Unavailable, "server: authority of unknown kind for %s", id)
	}
}

// handleSetLocation implements spec §4.6's set_location row: the client
// names no NodeID of its own, so the entry to move is the one this
// connection established with client_hello.
func (m *Master) handleSetLocation(ctx context.Context, cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleClient); err != nil {
		return nil, err
	}
	req, err := wire.DecodeSetLocationRequest(payload)
	if err != nil {
		return nil, err
	}
	entry, err := cs.boundEntry()
	if err != nil {
		return nil, err
	}

	oldAddr := entry.Peer().Addr()
	metadata, order := entry.Metadata(), entry.MetadataOrder()

	newID, sameOwner, newAuthority, err := m.Registry.Move(entry, req.Point.Canonicalize(), m.Resolution)
	if err != nil {
		return nil, err
	}
	if sameOwner {
		return wire.SetLocationReply{Result: wire.SetLocationSameServer, ID: newID}.Encode(), nil
	}

	remote, ok := newAuthority.Authority.(*partition.RemoteOwner)
	if !ok {
		return nil, errs.New(errs.Unavailable, "server: client migrated to a non-remote authority")
	}

	peer, err := m.Manager.Dial(ctx, remote.Addr)
	if err != nil {
		return nil, err
	}
	defer peer.Release()
	adopt := wire.AdoptClientRequest{ID: newID, Point: entry.Point(), Addr: oldAddr, Metadata: metadata, Order: order}
	if _, err := peer.Invoke(ctx, wire.OpAdoptClient, wire.MasterObjectID, adopt.Encode()); err != nil {
		return nil, err
	}
	return wire.SetLocationReply{Result: wire.SetLocationDifferentServer, ID: newID, Addr: remote.Addr}.Encode(), nil
}

// handleSetMetadata implements spec §4.6's set_metadata row: like
// set_location, this names no NodeID of its own and updates the
// connection's own registration.
func (m *Master) handleSetMetadata(cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleClient); err != nil {
		return nil, err
	}
	req, err := wire.DecodeSetMetadataRequest(payload)
	if err != nil {
		return nil, err
	}
	entry, err := cs.boundEntry()
	if err != nil {
		return nil, err
	}
	entry.SetMetadata(req.Key, req.Value)
	return nil, nil
}

// handleSearchClients implements spec §4.6's search_clients row: any
// role may call it. A HasBounds request is a forward from another
// server's coordinator, already narrowed to one owner's Hilbert
// sub-interval; otherwise this is a self-originated query and the whole
// universe is in scope.
func (m *Master) handleSearchClients(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := wire.DecodeSearchClientsRequest(payload)
	if err != nil {
		return nil, err
	}
	var ids []nodeid.ID
	if req.HasBounds {
		ids, err = m.search.SearchBounded(ctx, req.Lower, req.Upper, req.HMin, req.HMax)
	} else {
		ids, err = m.search.Search(ctx, req.Lower, req.Upper)
	}
	if err != nil {
		return nil, err
	}
	return wire.SearchClientsReply{IDs: ids}.Encode(), nil
}

// handleGetMetadata implements spec §4.6's get_metadata row.
func (m *Master) handleGetMetadata(cs *connState, payload []byte) ([]byte, error) {
	if err := cs.requireRole(RoleClient); err != nil {
		return nil, err
	}
	req, err := wire.DecodeGetMetadataRequest(payload)
	if err != nil {
		return nil, err
	}
	entry, ok := m.Registry.Get(req.ID)
	if !ok {
		return nil, errs.New(errs.NotFound, "server: unknown client id %s", req.ID)
	}
	value, err := entry.GetMetadata(req.Key)
	if err != nil {
		return nil, err
	}
	return wire.GetMetadataReply{Value: value}.Encode(), nil
}

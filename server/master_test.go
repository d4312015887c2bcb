package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/wire"
)

const testResolution = 40

func newTestMaster(t *testing.T) *Master {
	t.Helper()
	table := partition.New(testResolution)
	reg := registry.New(table)
	mgr := rpcconn.NewManager(nil)
	m := NewMaster(table, reg, testResolution, "self:7777", mgr)
	mgr.SetHandler(m.Handle)
	return m
}

func TestClientHelloCreatesEntryAndFixesRole(t *testing.T) {
	m := newTestMaster(t)
	ctx := context.Background()

	req := wire.ClientHelloRequest{Addr: "client:1", PriorID: nodeid.Zero, Point: geo.Point{Latitude: 12, Longitude: 34}}
	reply, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpClientHello, req.Encode())
	require.NoError(t, err)

	decoded, err := wire.DecodeClientHelloReply(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.ClientHelloCreated, decoded.Result)
	assert.False(t, decoded.ID.IsZero())

	// A server-only opcode on the now-client-fixed connection is rejected.
	_, err = m.Handle(ctx, nil, wire.MasterObjectID, wire.OpServerHello, wire.ServerHelloRequest{Addr: "x"}.Encode())
	require.Error(t, err)
	assert.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestClientHelloReuseIsAlreadyExists(t *testing.T) {
	m := newTestMaster(t)
	ctx := context.Background()

	req := wire.ClientHelloRequest{Addr: "client:1", Point: geo.Point{Latitude: 1, Longitude: 1}}
	first, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpClientHello, req.Encode())
	require.NoError(t, err)
	firstDecoded, _ := wire.DecodeClientHelloReply(first)

	req2 := wire.ClientHelloRequest{Addr: "client:1", PriorID: firstDecoded.ID, Point: geo.Point{Latitude: 1, Longitude: 1}}
	second, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpClientHello, req2.Encode())
	require.NoError(t, err)
	secondDecoded, err := wire.DecodeClientHelloReply(second)
	require.NoError(t, err)
	assert.Equal(t, wire.ClientHelloAlreadyExists, secondDecoded.Result)
	assert.Equal(t, firstDecoded.ID, secondDecoded.ID)
}

func TestSetMetadataAndGetMetadataRoundTrip(t *testing.T) {
	m := newTestMaster(t)
	ctx := context.Background()

	req := wire.ClientHelloRequest{Addr: "client:1", Point: geo.Point{Latitude: 5, Longitude: 5}}
	reply, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpClientHello, req.Encode())
	require.NoError(t, err)
	hello, _ := wire.DecodeClientHelloReply(reply)

	_, err = m.Handle(ctx, nil, wire.MasterObjectID, wire.OpSetMetadata, wire.SetMetadataRequest{Key: "name", Value: "rover"}.Encode())
	require.NoError(t, err)

	getReply, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpGetMetadata, wire.GetMetadataRequest{ID: hello.ID, Key: "name"}.Encode())
	require.NoError(t, err)
	decoded, err := wire.DecodeGetMetadataReply(getReply)
	require.NoError(t, err)
	assert.Equal(t, "rover", decoded.Value)
}

func TestServerHelloRejectsSelfAddressAsLoop(t *testing.T) {
	m := newTestMaster(t)
	_, err := m.Handle(context.Background(), nil, wire.MasterObjectID, wire.OpServerHello, wire.ServerHelloRequest{Addr: "self:7777"}.Encode())
	require.Error(t, err)
	assert.Equal(t, errs.LoopDetected, errs.KindOf(err))
}

func TestAddRemoteRangeThenControlRangeRoundTrip(t *testing.T) {
	// Start remote-owned: add_remote_range refuses to overwrite a local range.
	table := partition.NewRemote(addrPeer("orig:7777"), "orig:7777")
	m := NewMaster(table, registry.New(table), testResolution, "self:7777", rpcconn.NewManager(nil))
	ctx := context.Background()

	left, right := nodeid.Universal().Split()
	_, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpAddRemoteRange,
		wire.AddRemoteRangeRequest{Range: right, Addr: "peer:7777"}.Encode())
	require.NoError(t, err)
	require.NoError(t, m.Table.Validate())

	entry, err := m.Table.FindAuthority(right.From)
	require.NoError(t, err)
	remote, ok := entry.Authority.(*partition.RemoteOwner)
	require.True(t, ok)
	assert.Equal(t, "peer:7777", remote.Addr)

	_, err = m.Handle(ctx, nil, wire.MasterObjectID, wire.OpControlRange,
		wire.ControlRangeRequest{Range: left}.Encode())
	require.NoError(t, err)
	require.NoError(t, m.Table.Validate())
	leftEntry, err := m.Table.FindAuthority(left.From)
	require.NoError(t, err)
	_, ok = leftEntry.Authority.(*partition.LocalOwner)
	assert.True(t, ok)
}

// serverPair spins up two real Masters listening on loopback, wiring
// each Manager to the other's handler, for tests that exercise
// server-to-server forwarding.
func serverPair(t *testing.T) (a, b *Master) {
	t.Helper()
	newListening := func() (*Master, string) {
		table := partition.New(testResolution)
		reg := registry.New(table)
		mgr := rpcconn.NewManager(nil)
		require.NoError(t, mgr.Listen("127.0.0.1:0"))
		addr := mgr.ListenAddr()
		m := NewMaster(table, reg, testResolution, addr, mgr)
		mgr.SetHandler(m.Handle)
		go mgr.Serve()
		t.Cleanup(func() { mgr.Close() })
		return m, addr
	}

	a, addrA := newListening()
	b, addrB := newListening()
	a.SelfAddr = addrA
	b.SelfAddr = addrB
	return a, b
}

func TestServerHelloRebalancesRangeAndClientsToNewPeer(t *testing.T) {
	a, b := serverPair(t)

	// a owns the universe; insert a client, then have b say hello. a's
	// under-resolved table always relinquishes its right half on the
	// first rebalance, carrying that client along if it lands there.
	left, right := nodeid.Universal().Split()
	pointInRight, err := geo.PointFromNodeID(right.From, testResolution)
	require.NoError(t, err)
	entry, _, err := a.Registry.GetOrCreate(nodeid.Zero, pointInRight, addrPeer("client:1"), testResolution)
	require.NoError(t, err)
	clientID := entry.NodeID()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = a.Handle(ctx, nil, wire.MasterObjectID, wire.OpServerHello, wire.ServerHelloRequest{Addr: b.SelfAddr}.Encode())
	require.NoError(t, err)

	// a no longer owns right locally...
	rightEntry, err := a.Table.FindAuthority(right.From)
	require.NoError(t, err)
	remote, ok := rightEntry.Authority.(*partition.RemoteOwner)
	require.True(t, ok)
	assert.Equal(t, b.SelfAddr, remote.Addr)

	// ...left is untouched...
	leftEntry, err := a.Table.FindAuthority(left.From)
	require.NoError(t, err)
	_, ok = leftEntry.Authority.(*partition.LocalOwner)
	require.True(t, ok)

	// ...and the client moved to b, along with its NodeID.
	_, stillOnA := a.Registry.Get(clientID)
	assert.False(t, stillOnA)
	movedEntry, onB := b.Registry.Get(clientID)
	require.True(t, onB)
	assert.Equal(t, pointInRight, movedEntry.Point())
}

func TestPingReportsClientCount(t *testing.T) {
	m := newTestMaster(t)
	ctx := context.Background()

	req := wire.ClientHelloRequest{Addr: "client:1", Point: geo.Point{Latitude: 1, Longitude: 1}}
	_, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpClientHello, req.Encode())
	require.NoError(t, err)

	reply, err := m.Handle(ctx, nil, wire.MasterObjectID, wire.OpPing, nil)
	require.NoError(t, err)
	decoded, err := wire.DecodePingReply(reply)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), decoded.ClientCount)
}

func TestFindControllingServerForwardsToRemoteOwner(t *testing.T) {
	a, b := serverPair(t)

	// Give the whole universe to b, so any lookup on a forwards. a's table
	// starts remote-owned, since AddRemote refuses to overwrite a local range.
	a.Table = partition.NewRemote(addrPeer(b.SelfAddr), b.SelfAddr)
	left, right := nodeid.Universal().Split()
	require.NoError(t, a.Table.AddRemote(right, addrPeer(b.SelfAddr), b.SelfAddr))
	require.NoError(t, a.Table.AddRemote(left, addrPeer(b.SelfAddr), b.SelfAddr))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := a.Handle(ctx, nil, wire.MasterObjectID, wire.OpFindControllingServer,
		wire.FindControllingServerRequest{ID: nodeid.FromHighBits(1, testResolution)}.Encode())
	require.NoError(t, err)
	decoded, err := wire.DecodeFindServerReply(reply)
	require.NoError(t, err)
	assert.Equal(t, b.SelfAddr, decoded.Addr)
}

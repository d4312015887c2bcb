// Package integrationtest drives real servers and clients over TCP
// loopback, covering spec §8's end-to-end scenarios that a single
// package's unit tests can't reach (they need an actual client.Client
// talking to an actual server.Master over the wire, sometimes with two
// servers rebalancing against each other).
package integrationtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/client"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/server"
	"github.com/gcampax/hDHT/wire"
)

const testResolution = 40

func newServer(t *testing.T) *server.Master {
	t.Helper()
	table := partition.New(testResolution)
	reg := registry.New(table)
	mgr := rpcconn.NewManager(nil)
	require.NoError(t, mgr.Listen("127.0.0.1:0"))
	m := server.NewMaster(table, reg, testResolution, mgr.ListenAddr(), mgr)
	mgr.SetHandler(m.Handle)
	go mgr.Serve()
	t.Cleanup(func() { mgr.Close() })
	return m
}

func newClient(t *testing.T, serverAddr string) *client.Client {
	t.Helper()
	mgr := rpcconn.NewManager(nil)
	c, err := client.New(withTimeout(t), mgr, "client:"+serverAddr, serverAddr)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// Scenario 1: single-server create. A client registers, sets metadata,
// reads it back; a second client reads the same key by id.
func TestSingleServerCreateAndReadMetadata(t *testing.T) {
	m := newServer(t)
	ctx := withTimeout(t)

	a := newClient(t, m.SelfAddr)
	require.NoError(t, a.SetLocation(ctx, geo.Point{Latitude: 37.4, Longitude: -122.1}))
	require.NoError(t, a.SetMetadata(ctx, "foo", "bar"))
	v, ok := a.GetMetadata("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)

	b := newClient(t, m.SelfAddr)
	got, err := b.GetRemoteMetadata(ctx, a.NodeID(), "foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", got)
}

// Scenario 3: split propagation. Server A owns the universe; B joins
// and says hello; A's rebalance leaves A and B each owning one half,
// one local, one pointing at the other.
func TestSplitPropagationOnServerHello(t *testing.T) {
	a := newServer(t)
	b := newServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	peer, err := mgr.Dial(ctx, a.SelfAddr)
	require.NoError(t, err)
	_, err = peer.Invoke(ctx, wire.OpServerHello, wire.MasterObjectID, wire.ServerHelloRequest{Addr: b.SelfAddr}.Encode())
	require.NoError(t, err)
	peer.Release()

	left, right := nodeid.Universal().Split()
	leftEntry, err := a.Table.FindAuthority(left.From)
	require.NoError(t, err)
	rightEntry, err := a.Table.FindAuthority(right.From)
	require.NoError(t, err)

	_, leftLocal := leftEntry.Authority.(*partition.LocalOwner)
	remote, rightRemote := rightEntry.Authority.(*partition.RemoteOwner)
	require.True(t, leftLocal)
	require.True(t, rightRemote)
	assert.Equal(t, b.SelfAddr, remote.Addr)
}

// Scenario 5: rectangle search across two owners. With A and B each
// owning a half (scenario 3's post-condition), inserting clients in
// each half and searching the whole grid from either server finds both.
func TestRectangleSearchAcrossTwoOwners(t *testing.T) {
	a := newServer(t)
	b := newServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	peer, err := mgr.Dial(ctx, a.SelfAddr)
	require.NoError(t, err)
	_, err = peer.Invoke(ctx, wire.OpServerHello, wire.MasterObjectID, wire.ServerHelloRequest{Addr: b.SelfAddr}.Encode())
	require.NoError(t, err)
	peer.Release()

	left, right := nodeid.Universal().Split()
	pointInLeft, err := geo.PointFromNodeID(left.From, testResolution)
	require.NoError(t, err)
	pointInRight, err := geo.PointFromNodeID(right.From, testResolution)
	require.NoError(t, err)

	onA := newClient(t, a.SelfAddr)
	require.NoError(t, onA.SetLocation(ctx, pointInLeft))
	onB := newClient(t, b.SelfAddr)
	require.NoError(t, onB.SetLocation(ctx, pointInRight))

	fromA := newClient(t, a.SelfAddr)
	ids, err := fromA.SearchClients(ctx, geo.Point{Latitude: -90, Longitude: -180}, geo.Point{Latitude: 90, Longitude: 180})
	require.NoError(t, err)
	assert.Contains(t, ids, onA.NodeID())
	assert.Contains(t, ids, onB.NodeID())
}

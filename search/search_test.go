// External test package: exercising the search coordinator across a
// real server pair needs the server package's dispatcher, which itself
// imports search, so this file lives in search_test to avoid tangling
// the two at compile time.
package search_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/search"
	"github.com/gcampax/hDHT/server"
)

const testResolution = 40

type fakePeer string

func (f fakePeer) Addr() string { return string(f) }

func newLocalServer(t *testing.T) *server.Master {
	t.Helper()
	table := partition.New(testResolution)
	reg := registry.New(table)
	mgr := rpcconn.NewManager(nil)
	require.NoError(t, mgr.Listen("127.0.0.1:0"))
	addr := mgr.ListenAddr()
	m := server.NewMaster(table, reg, testResolution, addr, mgr)
	mgr.SetHandler(m.Handle)
	go mgr.Serve()
	t.Cleanup(func() { mgr.Close() })
	return m
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// insertClient seeds m's registry directly, the way client_hello would
// end up populating it, without a full RPC round trip.
func insertClient(t *testing.T, m *server.Master, point geo.Point) nodeid.ID {
	t.Helper()
	entry, _, err := m.Registry.GetOrCreate(nodeid.Zero, point, fakePeer(m.SelfAddr), testResolution)
	require.NoError(t, err)
	return entry.NodeID()
}

func TestSearchOnASingleOwnerReturnsAllInsertedClients(t *testing.T) {
	m := newLocalServer(t)
	idA := insertClient(t, m, geo.Point{Latitude: 10, Longitude: 10})
	idB := insertClient(t, m, geo.Point{Latitude: -10, Longitude: -10})

	coord := &search.Coordinator{Table: m.Table, Resolution: testResolution, Manager: m.Manager}
	ids, err := coord.Search(withTimeout(t), geo.Point{Latitude: -90, Longitude: -180}, geo.Point{Latitude: 90, Longitude: 180})
	require.NoError(t, err)
	assert.Contains(t, ids, idA)
	assert.Contains(t, ids, idB)
}

func TestSearchWithRectangleAwayFromAnyClientReturnsNothing(t *testing.T) {
	m := newLocalServer(t)
	insertClient(t, m, geo.Point{Latitude: 45, Longitude: 45})

	coord := &search.Coordinator{Table: m.Table, Resolution: testResolution, Manager: m.Manager}
	ids, err := coord.Search(withTimeout(t), geo.Point{Latitude: -2, Longitude: -2}, geo.Point{Latitude: -1, Longitude: -1})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSearchAcrossTwoOwnersFindsBoth(t *testing.T) {
	a := newLocalServer(t)
	b := newLocalServer(t)

	// Hand a's right half to b the way server_hello does: AddRemote alone
	// refuses to overwrite a's local right half.
	left, right := nodeid.Universal().Split()
	a.Table.LoadBalanceWith(fakePeer(b.SelfAddr), b.SelfAddr, testResolution)
	a.Table.InstallRelinquished(right, fakePeer(b.SelfAddr), b.SelfAddr)
	require.NoError(t, a.Table.AddRemote(right, fakePeer(b.SelfAddr), b.SelfAddr))
	require.NoError(t, b.Table.AddLocal(right, nil, testResolution))

	// Derive a point from each half's boundary NodeID, rather than a
	// guessed lat/lon, so each one is guaranteed (by the hilbert mapping's
	// round trip) to fall on the side of the split its insert targets.
	pointInLeft, err := geo.PointFromNodeID(left.From, testResolution)
	require.NoError(t, err)
	pointInRight, err := geo.PointFromNodeID(right.From, testResolution)
	require.NoError(t, err)

	idLow := insertClient(t, a, pointInLeft)
	idHigh := insertClient(t, b, pointInRight)

	coord := &search.Coordinator{Table: a.Table, Resolution: testResolution, Manager: a.Manager}
	ids, err := coord.Search(withTimeout(t), geo.Point{Latitude: -90, Longitude: -180}, geo.Point{Latitude: 90, Longitude: 180})
	require.NoError(t, err)
	assert.Contains(t, ids, idLow)
	assert.Contains(t, ids, idHigh)
}

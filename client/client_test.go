package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/partition"
	"github.com/gcampax/hDHT/registry"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/server"
)

const testResolution = 40

// newTestServer spins up a real Master listening on loopback, owning
// the whole universe, for tests that drive a Client against it.
func newTestServer(t *testing.T) string {
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
	return addr
}

func withTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSetLocationRegistersFreshClient(t *testing.T) {
	addr := newTestServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	c, err := New(ctx, mgr, "client:1", addr)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.SetLocation(ctx, geo.Point{Latitude: 10, Longitude: 20}))
	assert.False(t, c.NodeID().IsZero())
}

func TestSetMetadataFlushesAfterRegistration(t *testing.T) {
	addr := newTestServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	c, err := New(ctx, mgr, "client:1", addr)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.SetMetadata(ctx, "name", "rover"))
	require.NoError(t, c.SetLocation(ctx, geo.Point{Latitude: 1, Longitude: 1}))

	id := c.NodeID()
	require.False(t, id.IsZero())

	value, err := c.GetRemoteMetadata(ctx, id, "name")
	require.NoError(t, err)
	assert.Equal(t, "rover", value)
}

func TestSetMetadataBeforeLocationIsPendingUntilRegistered(t *testing.T) {
	addr := newTestServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	c, err := New(ctx, mgr, "client:1", addr)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	// Setting metadata before ever registering only updates the local
	// cache; nothing is sent until SetLocation drives registration.
	require.NoError(t, c.SetMetadata(ctx, "color", "red"))
	v, ok := c.GetMetadata("color")
	require.True(t, ok)
	assert.Equal(t, "red", v)

	require.NoError(t, c.SetLocation(ctx, geo.Point{Latitude: 5, Longitude: 5}))

	got, err := c.GetRemoteMetadata(ctx, c.NodeID(), "color")
	require.NoError(t, err)
	assert.Equal(t, "red", got)
}

func TestSearchClientsForwardsToCurrentServer(t *testing.T) {
	addr := newTestServer(t)
	ctx := withTimeout(t)

	mgr := rpcconn.NewManager(nil)
	c, err := New(ctx, mgr, "client:1", addr)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.NoError(t, c.SetLocation(ctx, geo.Point{Latitude: 2, Longitude: 2}))

	ids, err := c.SearchClients(ctx, geo.Point{Latitude: -90, Longitude: -180}, geo.Point{Latitude: 90, Longitude: 180})
	require.NoError(t, err)
	assert.Contains(t, ids, c.NodeID())
}

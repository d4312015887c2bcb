package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/partition"
)

type fakePeer struct{ addr string }

func (f *fakePeer) Addr() string { return f.addr }

const testResolution = 40

func TestGetOrCreateDerivesNodeIDFromPoint(t *testing.T) {
	table := partition.New(testResolution)
	reg := New(table)

	entry, created, err := reg.GetOrCreate(nodeid.Zero, geo.Point{Latitude: 37.4, Longitude: -122.1}, &fakePeer{"c1"}, testResolution)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, entry.NodeID().IsZero())

	again, created, err := reg.GetOrCreate(entry.NodeID(), geo.Point{}, &fakePeer{"c1"}, testResolution)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, entry, again)
}

func TestGetOrCreateRejectsNonLocalAuthority(t *testing.T) {
	// Start remote-owned: AddRemote refuses to overwrite a local range.
	table := partition.NewRemote(&fakePeer{"orig"}, "orig:7777")
	left, right := nodeid.Universal().Split()
	require.NoError(t, table.AddLocal(left, nil, testResolution))
	require.NoError(t, table.AddRemote(right, &fakePeer{"peer"}, "peer:7777"))

	reg := New(table)

	// Any id whose top bit is 1 lands in the remote half.
	remoteID := nodeid.FromHighBits(1<<uint(testResolution-1), testResolution)
	_, _, err := reg.GetOrCreate(remoteID, geo.Point{}, &fakePeer{"c1"}, testResolution)
	require.Error(t, err)
}

func TestMoveWithinSameOwnerRebindsInPlace(t *testing.T) {
	table := partition.New(testResolution)
	reg := New(table)

	entry, _, err := reg.GetOrCreate(nodeid.Zero, geo.Point{Latitude: 1, Longitude: 1}, &fakePeer{"c1"}, testResolution)
	require.NoError(t, err)

	newID, sameOwner, newAuthority, err := reg.Move(entry, geo.Point{Latitude: 1.001, Longitude: 1.001}, testResolution)
	require.NoError(t, err)
	assert.True(t, sameOwner)
	assert.Nil(t, newAuthority)
	assert.Equal(t, newID, entry.NodeID())

	got, ok := reg.Get(newID)
	require.True(t, ok)
	assert.Same(t, entry, got)
}

func TestForgetRemovesFromMapAndTree(t *testing.T) {
	table := partition.New(testResolution)
	reg := New(table)

	entry, _, err := reg.GetOrCreate(nodeid.Zero, geo.Point{Latitude: 5, Longitude: 5}, &fakePeer{"c1"}, testResolution)
	require.NoError(t, err)

	reg.Forget(entry)
	_, ok := reg.Get(entry.NodeID())
	assert.False(t, ok)

	owner, err := table.FindAuthority(entry.NodeID())
	require.NoError(t, err)
	assert.Equal(t, 0, owner.Authority.(*partition.LocalOwner).Tree.Size())
}

func TestSetAndGetMetadata(t *testing.T) {
	entry := &ClientEntry{}
	entry.SetMetadata("foo", "bar")
	v, err := entry.GetMetadata("foo")
	require.NoError(t, err)
	assert.Equal(t, "bar", v)

	_, err = entry.GetMetadata("missing")
	assert.Error(t, err)

	entry.SetMetadata("foo", "baz")
	v, err = entry.GetMetadata("foo")
	require.NoError(t, err)
	assert.Equal(t, "baz", v)
}

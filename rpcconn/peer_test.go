package rpcconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/wire"
)

func echoHandler(ctx context.Context, peer *Peer, objectID uint64, opcode wire.Opcode, payload []byte) ([]byte, error) {
	if opcode == wire.OpGetMetadata {
		return nil, errs.New(errs.NotFound, "no such key")
	}
	return payload, nil
}

func pipePeers(t *testing.T, handler Handler) (*Peer, *Peer) {
	t.Helper()
	client, server := net.Pipe()
	a := newPeer(client, "client-side", handler)
	b := newPeer(server, "server-side", handler)
	t.Cleanup(func() {
		a.Release()
		b.Release()
	})
	return a, b
}

func TestInvokeRoundTripsPayload(t *testing.T) {
	a, _ := pipePeers(t, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	reply, err := a.Invoke(ctx, wire.OpSetMetadata, wire.MasterObjectID, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), reply)
}

func TestInvokePropagatesRemoteError(t *testing.T) {
	a, _ := pipePeers(t, echoHandler)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := a.Invoke(ctx, wire.OpGetMetadata, wire.MasterObjectID, nil)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestReleaseDrainsPendingRequestsWithError(t *testing.T) {
	blockingHandler := func(ctx context.Context, peer *Peer, objectID uint64, opcode wire.Opcode, payload []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a, b := pipePeers(t, blockingHandler)

	done := make(chan error, 1)
	go func() {
		_, err := a.Invoke(context.Background(), wire.OpServerHello, wire.MasterObjectID, nil)
		done <- err
	}()

	// Give the request time to land in the pending map before the
	// connection closes out from under it.
	time.Sleep(20 * time.Millisecond)
	b.Release()
	a.Release()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, errs.Unreachable, errs.KindOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("Invoke never completed after peer was released")
	}
}

func TestRetainKeepsConnectionAliveAcrossOneRelease(t *testing.T) {
	a, b := pipePeers(t, echoHandler)

	a.Retain()
	a.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := a.Invoke(ctx, wire.OpSetMetadata, wire.MasterObjectID, []byte("still alive"))
	require.NoError(t, err)

	_ = b
}

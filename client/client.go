// Package client implements spec §4.7's client state machine (C7): a
// single logical client that registers with a server, keeps its
// location and metadata in sync across server migrations, and forwards
// remote metadata lookups and searches through whichever server it is
// currently registered with.
//
// Grounded on original_source/lib/client.cpp's ClientContext (do_register,
// do_set_location, update_current_server, flush_metadata_changes,
// do_get_remote_metadata) and include/libhdht/client.hpp's state fields,
// adapted from async uv callbacks to blocking calls serialized by a
// single mutex, since rpcconn.Peer.Invoke is already synchronous.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/geo"
	"github.com/gcampax/hDHT/logging"
	"github.com/gcampax/hDHT/nodeid"
	"github.com/gcampax/hDHT/rpcconn"
	"github.com/gcampax/hDHT/wire"
)

// MaxRegistrationRetries is spec §4.7's "capped exponential retry
// (default 5)" for client_hello failures.
const MaxRegistrationRetries = 5

// Client is a single registered (or registering) participant in the
// directory, as seen by one application using this package.
type Client struct {
	mgr     *rpcconn.Manager
	ownAddr string

	mu sync.Mutex

	currentServer *rpcconn.Peer

	coordinates   geo.Point
	metadata      map[string]string
	pendingChange map[string]string
	nodeID        nodeid.ID

	wasRegistered      bool
	isRegistered       bool
	isUpdatingLocation bool
	mustSetLocation    bool
	retryCounter       int

	otherServers map[nodeid.ID]*rpcconn.Peer
}

// New dials initialAddr as the first server to contact. ownAddr is what
// this client reports in client_hello/adopt_client for the server's own
// bookkeeping (spec §4.6's addr field); it need not be dialable if this
// client never accepts inbound connections.
func New(ctx context.Context, mgr *rpcconn.Manager, ownAddr, initialAddr string) (*Client, error) {
	peer, err := mgr.Dial(ctx, initialAddr)
	if err != nil {
		return nil, err
	}
	return &Client{
		mgr:           mgr,
		ownAddr:       ownAddr,
		currentServer: peer,
		metadata:      make(map[string]string),
		pendingChange: make(map[string]string),
		otherServers:  make(map[nodeid.ID]*rpcconn.Peer),
	}, nil
}

// Close releases this client's held peer references.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentServer != nil {
		c.currentServer.Release()
		c.currentServer = nil
	}
	for id, p := range c.otherServers {
		p.Release()
		delete(c.otherServers, id)
	}
}

// NodeID returns this client's currently assigned id, zero if never
// registered.
func (c *Client) NodeID() nodeid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

// CurrentServerAddr returns the address of the server this client
// currently considers its own.
func (c *Client) CurrentServerAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentServer.Addr()
}

// SetLocation implements spec §4.7's set_location(p) transitions: if
// unregistered and never registered, begin registration; if registered,
// push the new location immediately; otherwise (mid-migration) just
// remember it, since update_current_server will flush it once the new
// server answers.
func (c *Client) SetLocation(ctx context.Context, point geo.Point) error {
	c.mu.Lock()
	c.coordinates = point
	c.mustSetLocation = true
	registered := c.isRegistered
	wasRegistered := c.wasRegistered
	c.mu.Unlock()

	if registered {
		return c.doSetLocation(ctx)
	}
	if !wasRegistered {
		return c.doRegister(ctx)
	}
	return nil
}

// doSetLocation issues set_location against the current server and
// applies its reply, mirroring ClientContext::do_set_location.
func (c *Client) doSetLocation(ctx context.Context) error {
	c.mu.Lock()
	peer := c.currentServer
	point := c.coordinates
	c.mu.Unlock()

	reply, err := peer.Invoke(ctx, wire.OpSetLocation, wire.MasterObjectID, wire.SetLocationRequest{Point: point}.Encode())
	if err != nil {
		return c.handleRegisteredRPCError(ctx, err)
	}
	decoded, err := wire.DecodeSetLocationReply(reply)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.mustSetLocation = false
	c.nodeID = decoded.ID
	switchServer := decoded.Result == wire.SetLocationDifferentServer
	c.isRegistered = !switchServer
	c.mu.Unlock()

	if switchServer {
		return c.updateCurrentServer(ctx)
	}
	return nil
}

// handleRegisteredRPCError implements the shared "if err: reset
// everything and re-register, unless it's NoSuchDevice (ENXIO) in which
// case re-resolve the controlling server" branch shared by
// do_set_location and do_set_one_metadata.
func (c *Client) handleRegisteredRPCError(ctx context.Context, err error) error {
	if errs.Is(err, errs.NoSuchDevice) {
		c.mu.Lock()
		c.isRegistered = false
		c.mu.Unlock()
		return c.updateCurrentServer(ctx)
	}

	logging.Warnf("client: request to %s failed: %v", c.CurrentServerAddr(), err)
	c.mu.Lock()
	c.isRegistered = false
	c.wasRegistered = false
	c.mu.Unlock()
	return c.doRegister(ctx)
}

// updateCurrentServer implements find_controlling_server-driven server
// discovery: ask the current server who really owns our id, switch to
// it, and re-register (the new server may not know us as a client yet).
func (c *Client) updateCurrentServer(ctx context.Context) error {
	c.mu.Lock()
	if c.isUpdatingLocation {
		c.mu.Unlock()
		return nil
	}
	c.isUpdatingLocation = true
	peer := c.currentServer
	id := c.nodeID
	c.mu.Unlock()

	reply, err := peer.Invoke(ctx, wire.OpFindControllingServer, wire.MasterObjectID, wire.FindControllingServerRequest{ID: id}.Encode())
	if err != nil {
		logging.Warnf("client: failed to find own controlling server: %v", err)
		c.mu.Lock()
		c.isRegistered = false
		c.wasRegistered = false
		c.isUpdatingLocation = false
		c.mu.Unlock()
		return c.doRegister(ctx)
	}
	decoded, err := wire.DecodeFindServerReply(reply)
	if err != nil {
		return err
	}

	newPeer, err := c.mgr.Dial(ctx, decoded.Addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.currentServer
	c.currentServer = newPeer
	c.isUpdatingLocation = false
	c.mu.Unlock()
	old.Release()

	return c.doRegister(ctx)
}

// doRegister implements ClientContext::do_register: issue client_hello
// and drive the three possible outcomes.
func (c *Client) doRegister(ctx context.Context) error {
	c.mu.Lock()
	point := c.coordinates
	peer := c.currentServer
	priorID := c.nodeID
	c.mu.Unlock()

	req := wire.ClientHelloRequest{Addr: c.ownAddr, PriorID: priorID, Point: point}
	reply, err := peer.Invoke(ctx, wire.OpClientHello, wire.MasterObjectID, req.Encode())
	if err != nil {
		logging.Warnf("client: failed to register with server: %v", err)
		c.mu.Lock()
		c.isRegistered = false
		c.wasRegistered = false
		c.retryCounter++
		retries := c.retryCounter
		c.mu.Unlock()
		if retries <= MaxRegistrationRetries {
			// Back off 100ms, 200ms, 400ms, ... before each retry.
			select {
			case <-time.After((100 * time.Millisecond) << uint(retries-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			return c.doRegister(ctx)
		}
		logging.Fatalf("client: too many registration failures, giving up")
		return err
	}

	decoded, err := wire.DecodeClientHelloReply(reply)
	if err != nil {
		return err
	}

	if decoded.Result == wire.ClientHelloWrongServer {
		return c.updateCurrentServer(ctx)
	}

	c.mu.Lock()
	c.nodeID = decoded.ID
	c.isRegistered = true
	c.retryCounter = 0
	firstTime := !c.wasRegistered || decoded.Result == wire.ClientHelloCreated
	if firstTime {
		c.wasRegistered = true
		c.mustSetLocation = false
	}
	mustSetLocation := c.mustSetLocation
	c.mu.Unlock()

	if firstTime {
		return c.flushMetadata(ctx, true)
	}

	if mustSetLocation {
		if err := c.doSetLocation(ctx); err != nil {
			return err
		}
	}
	return c.flushMetadata(ctx, false)
}

// flushMetadata implements flush_metadata_changes: push every key
// (everything=true, after a fresh registration) or only pending changes
// (everything=false, after reconnecting to a server that already knew
// us).
func (c *Client) flushMetadata(ctx context.Context, everything bool) error {
	c.mu.Lock()
	var pending map[string]string
	if everything {
		c.pendingChange = make(map[string]string, len(c.metadata))
		for k, v := range c.metadata {
			c.pendingChange[k] = v
		}
	}
	pending = make(map[string]string, len(c.pendingChange))
	for k, v := range c.pendingChange {
		pending[k] = v
	}
	c.mu.Unlock()

	for key, value := range pending {
		if err := c.doSetOneMetadata(ctx, key, value); err != nil {
			return err
		}
	}
	return nil
}

// SetMetadata implements spec §4.7's set_local_metadata: remember the
// value locally, mark it pending, and push it now if registered.
func (c *Client) SetMetadata(ctx context.Context, key, value string) error {
	c.mu.Lock()
	c.metadata[key] = value
	if c.wasRegistered {
		c.pendingChange[key] = value
	}
	registered := c.isRegistered
	c.mu.Unlock()

	if registered {
		return c.doSetOneMetadata(ctx, key, value)
	}
	return nil
}

// GetMetadata returns this client's own locally-held value for key,
// without a round trip (matches ClientContext::get_local_metadata).
func (c *Client) GetMetadata(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.metadata[key]
	return v, ok
}

func (c *Client) doSetOneMetadata(ctx context.Context, key, value string) error {
	c.mu.Lock()
	peer := c.currentServer
	c.mu.Unlock()

	_, err := peer.Invoke(ctx, wire.OpSetMetadata, wire.MasterObjectID, wire.SetMetadataRequest{Key: key, Value: value}.Encode())
	if err != nil {
		return c.handleRegisteredRPCError(ctx, err)
	}

	c.mu.Lock()
	delete(c.pendingChange, key)
	c.mu.Unlock()
	return nil
}

// GetRemoteMetadata implements spec §4.7's get_remote_metadata(id, key):
// ask the current server to forward, caching which server answers for
// future lookups of the same id, and retrying once if the cache turns
// out stale.
func (c *Client) GetRemoteMetadata(ctx context.Context, id nodeid.ID, key string) (string, error) {
	return c.doGetRemoteMetadata(ctx, id, key, true)
}

func (c *Client) doGetRemoteMetadata(ctx context.Context, id nodeid.ID, key string, retryOnStaleCache bool) (string, error) {
	c.mu.Lock()
	cached, ok := c.otherServers[id]
	c.mu.Unlock()

	if ok {
		reply, err := cached.Invoke(ctx, wire.OpGetMetadata, wire.MasterObjectID, wire.GetMetadataRequest{ID: id, Key: key}.Encode())
		if err != nil {
			if errs.Is(err, errs.NotFound) && retryOnStaleCache {
				c.mu.Lock()
				delete(c.otherServers, id)
				c.mu.Unlock()
				cached.Release()
				return c.doGetRemoteMetadata(ctx, id, key, false)
			}
			return "", err
		}
		decoded, err := wire.DecodeGetMetadataReply(reply)
		if err != nil {
			return "", err
		}
		return decoded.Value, nil
	}

	c.mu.Lock()
	peer := c.currentServer
	c.mu.Unlock()

	reply, err := peer.Invoke(ctx, wire.OpFindControllingServer, wire.MasterObjectID, wire.FindControllingServerRequest{ID: id}.Encode())
	if err != nil {
		return "", err
	}
	decoded, err := wire.DecodeFindServerReply(reply)
	if err != nil {
		return "", err
	}
	owner, err := c.mgr.Dial(ctx, decoded.Addr)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.otherServers[id] = owner
	c.mu.Unlock()

	return c.doGetRemoteMetadata(ctx, id, key, false)
}

// SearchClients implements spec §4.6's search_clients forwarding: any
// connected server answers it, so the current server is asked directly
// and fans the query out across the cluster on our behalf.
func (c *Client) SearchClients(ctx context.Context, lower, upper geo.Point) ([]nodeid.ID, error) {
	c.mu.Lock()
	peer := c.currentServer
	c.mu.Unlock()

	// Sent as given: the server canonicalizes, and needs to see a longitude
	// of exactly +180 to treat it as the grid's eastern edge.
	req := wire.SearchClientsRequest{Lower: lower, Upper: upper}
	reply, err := peer.Invoke(ctx, wire.OpSearchClients, wire.MasterObjectID, req.Encode())
	if err != nil {
		return nil, err
	}
	decoded, err := wire.DecodeSearchClientsReply(reply)
	if err != nil {
		return nil, err
	}
	return decoded.IDs, nil
}

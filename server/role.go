// Package server implements spec §4.6's request handler (C6): per
// connection, a "master" object that authenticates the peer as server or
// client and dispatches inbound requests onto the partition table and
// client registry.
//
// Grounded on original_source/lib/node.hpp's server-side RPC stubs
// (master object, role checks before dispatch), with state protected by
// a plain mutex rather than the uv event loop's single-thread guarantee.
package server

import (
	"sync"
	"sync/atomic"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/registry"
)

// Role is the exclusive peer role a connection's master object settles
// on: the first role-carrying RPC fixes it for the life of the
// connection (spec §4.6).
type Role int32

const (
	roleUnset Role = iota
	RoleServer
	RoleClient
)

// connState is the master object's per-connection state: the role fixed
// by the first role-carrying RPC, and (for client connections) the
// ClientEntry that client_hello established, since set_location and
// set_metadata name no NodeID of their own and act on the connection's
// own registration.
type connState struct {
	role atomic.Int32

	mu    sync.Mutex
	entry *registry.ClientEntry
}

// requireRole checks the connection's fixed role against want, fixing it
// on first use. A mismatch is PermissionDenied (spec §4.6: "every
// handler checks the role and returns PermissionDenied on mismatch").
func (cs *connState) requireRole(want Role) error {
	for {
		cur := Role(cs.role.Load())
		if cur == want {
			return nil
		}
		if cur == roleUnset {
			if cs.role.CompareAndSwap(int32(roleUnset), int32(want)) {
				return nil
			}
			continue
		}
		return errs.New(errs.PermissionDenied, "server: connection role already fixed, rejecting mismatched request")
	}
}

// bind remembers entry as this connection's own registration.
func (cs *connState) bind(entry *registry.ClientEntry) {
	cs.mu.Lock()
	cs.entry = entry
	cs.mu.Unlock()
}

// boundEntry returns the connection's own registration, if any.
func (cs *connState) boundEntry() (*registry.ClientEntry, error) {
	cs.mu.Lock()
	entry := cs.entry
	cs.mu.Unlock()
	if entry == nil {
		return nil, errs.New(errs.NoSuchDevice, "server: connection has not completed client_hello")
	}
	return entry, nil
}

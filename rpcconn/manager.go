package rpcconn

import (
	"context"
	"net"
	"sync"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/logging"
)

// Manager is libhdht's Context: it owns the listening socket and the
// table of known peers by address, so a second Dial to an address
// already connected reuses the existing Peer instead of opening a
// second TCP connection.
type Manager struct {
	handler Handler
	onClose func(*Peer)

	mu    sync.Mutex
	peers map[string]*Peer

	listener net.Listener
}

// NewManager creates a peer manager that dispatches incoming requests to
// handler.
func NewManager(handler Handler) *Manager {
	return &Manager{
		handler: handler,
		peers:   make(map[string]*Peer),
	}
}

// Listen starts accepting connections on addr; call Serve to run the
// accept loop, typically from its own goroutine.
func (m *Manager) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return errs.Wrap(errs.Unreachable, err, "rpcconn: listen")
	}
	m.listener = lis
	return nil
}

// Serve runs the accept loop until the listener is closed.
func (m *Manager) Serve() error {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return errs.Wrap(errs.Unreachable, err, "rpcconn: accept")
		}
		m.adopt(conn, conn.RemoteAddr().String())
	}
}

// Close stops accepting new connections.
func (m *Manager) Close() error {
	if m.listener == nil {
		return nil
	}
	return m.listener.Close()
}

// ListenAddr returns the actual address Listen bound to, resolving
// ":0"-style ephemeral ports to the port the kernel picked.
func (m *Manager) ListenAddr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// SetHandler installs the request handler used for connections adopted
// from now on. Servers construct their Master after the Manager (Master
// needs a Manager to dial peers), so this breaks that construction
// cycle; call it before Listen/Dial creates any Peer.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// SetOnClose installs a callback run once for every peer this Manager
// adopted, right after it is dropped from the peers map, so a caller
// like server.Master can forget the per-connection state it keeps
// alongside the Peer (its role, its bound client entry).
func (m *Manager) SetOnClose(f func(*Peer)) {
	m.mu.Lock()
	m.onClose = f
	m.mu.Unlock()
}

// Dial returns the Peer for addr, connecting if no live connection
// exists yet. The returned Peer is retained for the caller; callers must
// Release it when done.
func (m *Manager) Dial(ctx context.Context, addr string) (*Peer, error) {
	m.mu.Lock()
	if p, ok := m.peers[addr]; ok {
		m.mu.Unlock()
		return p.Retain(), nil
	}
	m.mu.Unlock()

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Wrap(errs.Unreachable, err, "rpcconn: dial "+addr)
	}
	return m.adopt(conn, addr).Retain(), nil
}

// adopt registers a connection (inbound or outbound) under addr,
// replacing any prior Peer at that address the way libhdht's
// Context::new_connection folds new connections into the known peer.
func (m *Manager) adopt(conn net.Conn, addr string) *Peer {
	p := newPeer(conn, addr, m.handler)

	m.mu.Lock()
	m.peers[addr] = p
	m.mu.Unlock()

	go func() {
		<-p.closedSignal()
		m.mu.Lock()
		if m.peers[addr] == p {
			delete(m.peers, addr)
		}
		onClose := m.onClose
		m.mu.Unlock()
		logging.Debugf("rpcconn: peer %s disconnected", addr)
		if onClose != nil {
			onClose(p)
		}
	}()

	return p
}

// Peers returns the addresses of every currently connected peer.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

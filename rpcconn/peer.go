// Package rpcconn implements spec §5's shared-resource contract over
// wire's framing: a Peer is a reference-counted handle to a TCP
// connection, a per-peer map from request id to pending callback, and
// the read loop that completes replies or drains the map with an error
// on disconnect.
//
// Grounded on original_source/lib/rpc.hpp's Peer (m_requests,
// queue_request, reply_received, write_failed), adapted from a
// line-oriented text protocol's net.Conn-per-goroutine accept loop to
// wire's binary request/reply frames with per-request correlation.
package rpcconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gcampax/hDHT/errs"
	"github.com/gcampax/hDHT/logging"
	"github.com/gcampax/hDHT/wire"
)

// Handler dispatches an incoming request and returns the payload and
// error to reply with. A nil error with nil payload is a success reply
// carrying no body.
type Handler func(ctx context.Context, peer *Peer, objectID uint64, opcode wire.Opcode, payload []byte) ([]byte, error)

// pendingRequest is libhdht's OutstandingRequest: the continuation a
// reply (or a disconnect) eventually completes exactly once.
type pendingRequest struct {
	opcode wire.Opcode
	result chan requestResult
}

type requestResult struct {
	payload []byte
	err     error
}

// Peer is a reference-counted handle to one TCP connection to a remote
// server or client. The last Release closes the underlying connection.
type Peer struct {
	addr    string
	conn    net.Conn
	r       *bufio.Reader
	handler Handler

	refs int32

	mu       sync.Mutex
	pending  map[uint64]*pendingRequest
	nextReq  uint64
	closed   bool
	closeErr error
	done     chan struct{}

	writeMu sync.Mutex
}

// newPeer wraps an established connection. The caller's reference is
// accounted for by the initial refs value of 1.
func newPeer(conn net.Conn, addr string, handler Handler) *Peer {
	p := &Peer{
		addr:    addr,
		conn:    conn,
		r:       bufio.NewReader(conn),
		handler: handler,
		refs:    1,
		pending: make(map[uint64]*pendingRequest),
		done:    make(chan struct{}),
	}
	go p.readLoop()
	return p
}

// Addr is the peer's address in spec §6's textual form: the dialed address
// for outbound peers, the remote socket address for accepted ones.
// Satisfies partition.Peer and registry.PeerHandle.
func (p *Peer) Addr() string { return p.addr }

// Retain increments the reference count; the caller must pair it with a
// matching Release (spec §5: "every peer handle is reference-counted").
func (p *Peer) Retain() *Peer {
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release drops one reference; the last drop closes the connection.
func (p *Peer) Release() {
	if atomic.AddInt32(&p.refs, -1) == 0 {
		p.closeWith(errs.New(errs.Unreachable, "rpcconn: peer %s released", p.addr))
	}
}

// Invoke sends a request and blocks until the matching reply arrives or
// ctx is cancelled or the connection drops. It is the synchronous
// surface over libhdht's callback-based invoke_request; callers that
// want concurrency call it from their own goroutine.
func (p *Peer) Invoke(ctx context.Context, opcode wire.Opcode, objectID uint64, payload []byte) ([]byte, error) {
	p.mu.Lock()
	if p.closed {
		err := p.closeErr
		p.mu.Unlock()
		return nil, err
	}
	reqID := p.nextReq
	p.nextReq++
	pr := &pendingRequest{opcode: opcode, result: make(chan requestResult, 1)}
	p.pending[reqID] = pr
	p.mu.Unlock()

	if err := p.writeRequest(opcode, reqID, objectID, payload); err != nil {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
		return nil, err
	}

	select {
	case res := <-pr.result:
		return res.payload, res.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
		return nil, errs.Wrap(errs.Unreachable, ctx.Err(), "rpcconn: request cancelled")
	}
}

func (p *Peer) writeRequest(opcode wire.Opcode, reqID, objectID uint64, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteRequest(p.conn, opcode, reqID, objectID, payload)
}

func (p *Peer) writeReply(opcode wire.Opcode, reqID uint64, code errs.WireCode, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return wire.WriteReply(p.conn, opcode, reqID, code, payload)
}

// readLoop is the per-connection goroutine. Which frame kind arrives
// next is ambiguous until the opcode's high bit is inspected, so
// dispatchLoop peeks it before choosing ReadRequest or ReadReply.
func (p *Peer) readLoop() {
	err := p.dispatchLoop()
	p.closeWith(err)
}

// replyFlagMask mirrors wire's unexported replyFlag; duplicated here
// since peeking the flag must not consume the header wire.ReadRequest/
// ReadReply still need to parse.
const replyFlagMask = uint16(1) << 15

func (p *Peer) dispatchLoop() error {
	for {
		peeked, err := p.r.Peek(2)
		if err != nil {
			return errs.Wrap(errs.Unreachable, err, "rpcconn: peek frame header")
		}
		opcode := binary.LittleEndian.Uint16(peeked)

		if opcode&replyFlagMask != 0 {
			hdr, body, err := wire.ReadReply(p.r)
			if err != nil {
				return err
			}
			p.completeReply(hdr, body)
			continue
		}
		hdr, body, err := wire.ReadRequest(p.r)
		if err != nil {
			return err
		}
		go p.serveRequest(hdr, body)
	}
}

func (p *Peer) completeReply(hdr wire.ReplyHeader, body []byte) {
	p.mu.Lock()
	pr, ok := p.pending[hdr.RequestID]
	if ok {
		delete(p.pending, hdr.RequestID)
	}
	p.mu.Unlock()
	if !ok {
		logging.Warnf("rpcconn: reply for unknown request id %d from %s", hdr.RequestID, p.addr)
		return
	}
	pr.result <- requestResult{payload: body, err: errs.FromWire(hdr.Code, "")}
}

func (p *Peer) serveRequest(hdr wire.RequestHeader, body []byte) {
	if p.handler == nil {
		p.writeReply(hdr.Opcode, hdr.RequestID, errs.ToWire(errs.New(errs.NotImplemented, "rpcconn: no handler installed")), nil)
		return
	}
	reply, err := p.handler(context.Background(), p, hdr.ObjectID, hdr.Opcode, body)
	if werr := p.writeReply(hdr.Opcode, hdr.RequestID, errs.ToWire(err), reply); werr != nil {
		logging.Warnf("rpcconn: failed to write reply to %s: %v", p.addr, werr)
	}
}

// closeWith drains every pending request with err (spec §5: "a dropped
// connection removes entries and invokes them with an error") and closes
// the connection exactly once.
func (p *Peer) closeWith(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.closeErr = err
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, pr := range pending {
		pr.result <- requestResult{err: err}
	}
	p.conn.Close()
	close(p.done)
}

// closedSignal is closed once the peer's connection has been torn down,
// letting Manager reap its entry from the known-peers table.
func (p *Peer) closedSignal() <-chan struct{} {
	return p.done
}

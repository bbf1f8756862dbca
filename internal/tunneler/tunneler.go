package tunneler

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/transport"
	"github.com/teapotnet/overlay/internal/wire"
)

// tunnelerHandshakeTimeout bounds how long a newly accepted tunnel id waits
// for its peer to complete the QUIC-as-DTLS handshake (spec §4.5).
const tunnelerHandshakeTimeout = 10 * time.Second

// sender is the subset of overlay.Node the Tunneler needs: addressing a
// Tunnel message to a node. Kept narrow so tunneler does not need to import
// package overlay for more than this.
type sender interface {
	Send(m wire.Message) error
	ID() identity.ID
}

// Tunneler owns the id→Tunnel registry and demultiplexes inbound Overlay
// Tunnel messages to the right Tunnel (spec §4.5).
type Tunneler struct {
	node sender
	self identity.ID

	mu      sync.Mutex
	tunnels map[uint64]*Tunnel

	pending chan *Tunnel
}

// New creates a Tunneler bound to node, which must already be wired to
// hand Tunnel-type messages to this Tunneler's Deliver (cmd/teapotd wires
// Node.Inbox() to Tunneler.Deliver).
func New(node sender) *Tunneler {
	return &Tunneler{
		node:    node,
		self:    node.ID(),
		tunnels: make(map[uint64]*Tunnel),
		pending: make(chan *Tunnel, pendingCapacity),
	}
}

func (t *Tunneler) sendTunnelContent(remote identity.ID, content []byte) error {
	return t.node.Send(wire.New(wire.Tunnel, t.self, remote, content))
}

func (t *Tunneler) unregister(id uint64) {
	t.mu.Lock()
	delete(t.tunnels, id)
	t.mu.Unlock()
}

func randomTunnelID() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("tunneler: generate tunnel id: %w", err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Deliver hands one Overlay Tunnel message to the Tunneler, demultiplexing
// it by the 64-bit id carried in its first 8 content bytes (spec §4.5). New
// ids are queued for Listen; known ids are routed to their Tunnel.
func (t *Tunneler) Deliver(m wire.Message) {
	if len(m.Content) < 8 {
		log.Debug("Tunneler dropped malformed Tunnel message")
		return
	}
	id := binary.BigEndian.Uint64(m.Content[0:8])
	payload := m.Content[8:]

	t.mu.Lock()
	tun, known := t.tunnels[id]
	t.mu.Unlock()

	if known {
		tun.deliver(payload)
		return
	}

	t.mu.Lock()
	tun = newTunnel(id, m.Source, t)
	t.tunnels[id] = tun
	t.mu.Unlock()

	tun.deliver(payload)

	select {
	case t.pending <- tun:
	default:
		log.Warn("Tunneler pending-accept queue full, dropping new tunnel")
		t.unregister(id)
	}
}

// pendingCapacity bounds how many not-yet-Accept()ed inbound tunnels may
// queue (spec §5, no unbounded buffering).
const pendingCapacity = 32

// Open picks a random, locally unused 64-bit tunnel id, registers a Tunnel
// to remoteNode, and drives a client QUIC-as-DTLS handshake over it,
// returning the resulting secure session once the handshake completes (spec
// §4.5 "open").
func (t *Tunneler) Open(ctx context.Context, remoteNode identity.ID, creds transport.Credentials) (*transport.Session, error) {
	var id uint64
	for {
		candidate, err := randomTunnelID()
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if _, exists := t.tunnels[candidate]; !exists {
			id = candidate
			t.tunnels[id] = newTunnel(id, remoteNode, t)
			t.mu.Unlock()
			break
		}
		t.mu.Unlock()
	}

	tun := t.tunnels[id]
	pc := &packetConn{t: tun}

	tlsConf, err := creds.TLSConfig(true)
	if err != nil {
		tun.Close()
		return nil, err
	}

	conn, err := quic.Dial(ctx, pc, tunnelAddr{id: id}, tlsConf, nil)
	if err != nil {
		tun.Close()
		return nil, fmt.Errorf("tunneler: quic dial over tunnel %d: %w", id, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		tun.Close()
		return nil, fmt.Errorf("tunneler: open stream over tunnel %d: %w", id, err)
	}

	return transport.NewSession(&quicStreamCloser{stream: stream, conn: conn, tun: tun}), nil
}

// Listen blocks until an inbound Tunnel message for a new id arrives, then
// drives the matching server-side QUIC-as-DTLS handshake and returns the
// resulting secure session (spec §4.5 "listen").
func (t *Tunneler) Listen(ctx context.Context, creds transport.Credentials) (identity.ID, *transport.Session, error) {
	var tun *Tunnel
	select {
	case tun = <-t.pending:
	case <-ctx.Done():
		return identity.ID{}, nil, ctx.Err()
	}

	pc := &packetConn{t: tun}

	tlsConf, err := creds.TLSConfig(false)
	if err != nil {
		tun.Close()
		return identity.ID{}, nil, err
	}

	handshakeCtx, cancel := context.WithTimeout(ctx, tunnelerHandshakeTimeout)
	defer cancel()

	ln, err := quic.Listen(pc, tlsConf, nil)
	if err != nil {
		tun.Close()
		return identity.ID{}, nil, fmt.Errorf("tunneler: quic listen over tunnel %d: %w", tun.ID, err)
	}

	conn, err := ln.Accept(handshakeCtx)
	if err != nil {
		tun.Close()
		return identity.ID{}, nil, fmt.Errorf("tunneler: quic accept over tunnel %d: %w", tun.ID, err)
	}

	stream, err := conn.AcceptStream(handshakeCtx)
	if err != nil {
		tun.Close()
		return identity.ID{}, nil, fmt.Errorf("tunneler: accept stream over tunnel %d: %w", tun.ID, err)
	}

	var remoteID identity.ID
	if creds.Kind() == transport.CredentialCertificate {
		remoteID, err = transport.RemoteIdentity(conn.ConnectionState().TLS)
		if err != nil {
			tun.Close()
			return identity.ID{}, nil, err
		}
	} else {
		remoteID = tun.RemoteNode
	}

	return remoteID, transport.NewSession(&quicStreamCloser{stream: stream, conn: conn, tun: tun}), nil
}

// quicStreamCloser closes the stream, the QUIC connection, and finally
// unregisters the underlying Tunnel, so a Session.Close tears down the whole
// virtual channel (spec §4.5 "Tunnels unregister themselves on destruction").
type quicStreamCloser struct {
	stream quic.Stream
	conn   quic.Connection
	tun    *Tunnel
}

func (c *quicStreamCloser) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamCloser) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamCloser) Close() error {
	err := c.stream.Close()
	_ = c.conn.CloseWithError(0, "tunnel session closed")
	_ = c.tun.Close()
	return err
}

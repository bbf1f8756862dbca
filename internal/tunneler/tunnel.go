// Package tunneler implements the authenticated identity-to-identity virtual
// datagram channels of spec §4.5: each Tunnel multiplexes its own secure
// handshake over Overlay Tunnel messages tagged with a random 64-bit id. It
// is grounded on pkg/cla/quicl, reusing the same
// QUIC-as-secure-datagram machinery from package transport but driven over a
// virtual packet conn instead of a real UDP socket.
package tunneler

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/teapotnet/overlay/internal/identity"
)

// defaultReadTimeout is the timeout read() honours when the caller supplies
// none (spec §4.5, "a configurable timeout (default 30 s)").
const defaultReadTimeout = 30 * time.Second

// Tunnel is one virtual datagram endpoint: packets written to it are sent as
// Overlay Tunnel messages to RemoteNode, and packets the Tunneler's dispatch
// loop attributes to this id are delivered to Read.
type Tunnel struct {
	ID         uint64
	RemoteNode identity.ID

	tunneler *Tunneler
	inbound  chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newTunnel(id uint64, remote identity.ID, t *Tunneler) *Tunnel {
	return &Tunnel{
		ID:         id,
		RemoteNode: remote,
		tunneler:   t,
		inbound:    make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

// write emits payload as an Overlay Tunnel message `[tunnelId:u64][bytes]`
// addressed to RemoteNode (spec §4.5 "write").
func (t *Tunnel) write(payload []byte) error {
	content := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(content[0:8], t.ID)
	copy(content[8:], payload)
	return t.tunneler.sendTunnelContent(t.RemoteNode, content)
}

// read dequeues the next payload pushed by the Tunneler's dispatch loop,
// honouring timeout (defaultReadTimeout if zero).
func (t *Tunnel) read(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}

	select {
	case p, ok := <-t.inbound:
		if !ok {
			return nil, fmt.Errorf("tunneler: tunnel %d closed", t.ID)
		}
		return p, nil
	case <-t.closed:
		return nil, fmt.Errorf("tunneler: tunnel %d closed", t.ID)
	case <-time.After(timeout):
		return nil, fmt.Errorf("tunneler: tunnel %d: %w", t.ID, context.DeadlineExceeded)
	}
}

func (t *Tunnel) deliver(payload []byte) {
	select {
	case t.inbound <- payload:
	case <-t.closed:
	default:
		// inbound queue full: drop, the same back-pressure policy the
		// overlay inbox applies (spec §5, no unbounded buffering).
	}
}

// Close unregisters the tunnel from its Tunneler and unblocks any pending
// read (spec §4.5, "Tunnels unregister themselves on destruction").
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.tunneler.unregister(t.ID)
	})
	return nil
}

// packetConn adapts a Tunnel to net.PacketConn so the QUIC handshake
// machinery in package transport can run over it exactly as it would over a
// real UDP socket, each Overlay Tunnel message standing in for one UDP
// datagram.
type packetConn struct {
	t *Tunnel
}

func (c *packetConn) ReadFrom(p []byte) (int, net.Addr, error) {
	payload, err := c.t.read(0)
	if err != nil {
		return 0, tunnelAddr{id: c.t.ID}, err
	}
	n := copy(p, payload)
	return n, tunnelAddr{id: c.t.ID}, nil
}

func (c *packetConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if err := c.t.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *packetConn) Close() error                       { return c.t.Close() }
func (c *packetConn) LocalAddr() net.Addr                 { return tunnelAddr{id: c.t.ID} }
func (c *packetConn) SetDeadline(_ time.Time) error       { return nil }
func (c *packetConn) SetReadDeadline(_ time.Time) error   { return nil }
func (c *packetConn) SetWriteDeadline(_ time.Time) error  { return nil }

type tunnelAddr struct{ id uint64 }

func (a tunnelAddr) Network() string { return "tunnel" }
func (a tunnelAddr) String() string  { return fmt.Sprintf("tunnel:%d", a.id) }

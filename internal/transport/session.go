package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/teapotnet/overlay/internal/wire"
)

// maxFrameLen bounds a single framed Message on the wire: two identifiers
// plus the largest content payload plus the 8-byte header (spec §6.1).
const maxFrameLen = 8 + 2*64 + wire.MaxContentLen

// Session adapts a byte-stream (a TLS connection, a QUIC stream, or an
// HTTP-tunnel pseudo-connection wrapped in TLS) into the overlay.Session
// capability: length-prefixed Marshal/Unmarshal framing plus Close.
type Session struct {
	rw        io.ReadWriteCloser
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewSession wraps rw (expected to already be secured: a completed TLS
// handshake or a QUIC stream over an authenticated connection).
func NewSession(rw io.ReadWriteCloser) *Session {
	return &Session{rw: rw}
}

// Send marshals m and writes it as one length-prefixed frame.
func (s *Session) Send(m wire.Message) error {
	buf, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	if len(buf) > maxFrameLen {
		return fmt.Errorf("transport: frame too large (%d bytes)", len(buf))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(buf)))
	if _, err := s.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := s.rw.Write(buf); err != nil {
		return fmt.Errorf("transport: write frame body: %w", err)
	}
	return nil
}

// Receive blocks for the next framed Message. It is not part of the
// overlay.Session interface: the handler.Handler that owns a Session's read
// side calls this directly and hands records it does not own to Node.Incoming.
func (s *Session) Receive() (wire.Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		return wire.Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return wire.Message{}, fmt.Errorf("transport: frame too large (%d bytes)", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(s.rw, buf); err != nil {
		return wire.Message{}, fmt.Errorf("transport: read frame body: %w", err)
	}
	return wire.Unmarshal(buf)
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.rw.Close()
	})
	return err
}

// pseudoConn adapts an io.ReadWriteCloser (the httptunnel package's Conn or
// ClientConn) to net.Conn so crypto/tls can run a handshake over it. Deadline
// methods are no-ops: the HTTP-tunnel pseudo-stream's own GET/POST timeouts
// already bound how long either side will wait (spec §6.5).
type pseudoConn struct {
	io.ReadWriteCloser
}

func (pseudoConn) LocalAddr() net.Addr                { return pseudoAddr{} }
func (pseudoConn) RemoteAddr() net.Addr               { return pseudoAddr{} }
func (pseudoConn) SetDeadline(_ time.Time) error      { return nil }
func (pseudoConn) SetReadDeadline(_ time.Time) error  { return nil }
func (pseudoConn) SetWriteDeadline(_ time.Time) error { return nil }

type pseudoAddr struct{}

func (pseudoAddr) Network() string { return "httptunnel" }
func (pseudoAddr) String() string  { return "httptunnel" }

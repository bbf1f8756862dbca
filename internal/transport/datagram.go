package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/identity"
)

// datagramALPN is the ALPN identifier negotiated by the QUIC handshake,
// distinguishing this protocol from any other QUIC service that might share
// a host (mirrors dtn7-dtn7-gold's "bpv7-quicl" NextProtos entry).
const datagramALPN = "teapotnet-overlay/1"

// datagramHandshakeTimeout bounds how long the per-connection stream used to
// carry one secure overlay session may take to open (spec §4.3 "DTLS with a
// stateless cookie exchange" — QUIC's own handshake already performs the
// cookie/retry exchange, so this timeout only bounds the application-level
// stream open that follows it).
const datagramHandshakeTimeout = 5 * time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  60 * time.Second,
	}
}

// DatagramTransport is the L1 secure datagram transport: QUIC standing in
// for DTLS, since no DTLS implementation exists anywhere in the retrieved
// library corpus (see the Open Question resolution in DESIGN.md). Grounded
// on pkg/cla/quicl's approach.
type DatagramTransport struct {
	creds Credentials
	ln    *quic.Listener

	closeOnce sync.Once
}

// ListenDatagram starts accepting QUIC connections on addr. Each accepted
// connection opens exactly one stream, over which the overlay Message frames
// flow (spec §3 "datagram-style control messages" — the connection as a
// whole plays the role of one DTLS association).
func ListenDatagram(addr string, creds Credentials, onAccept AcceptFunc) (*DatagramTransport, error) {
	tlsConf, err := creds.TLSConfig(false)
	if err != nil {
		return nil, err
	}
	tlsConf.NextProtos = []string{datagramALPN}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp %s: %w", addr, err)
	}

	ln, err := quic.Listen(conn, tlsConf, quicConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}

	t := &DatagramTransport{creds: creds, ln: ln}
	go t.acceptLoop(onAccept)
	return t, nil
}

func (t *DatagramTransport) acceptLoop(onAccept AcceptFunc) {
	for {
		conn, err := t.ln.Accept(context.Background())
		if err != nil {
			return
		}
		go t.acceptConnection(conn, onAccept)
	}
}

func (t *DatagramTransport) acceptConnection(conn quic.Connection, onAccept AcceptFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), datagramHandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.WithError(err).WithField("peer", conn.RemoteAddr()).Debug("DatagramTransport peer did not open a stream in time")
		_ = conn.CloseWithError(0, "handshake timeout")
		return
	}

	var id identity.ID
	if t.creds.Kind() == CredentialCertificate {
		id, err = RemoteIdentity(conn.ConnectionState().TLS)
		if err != nil {
			log.WithError(err).Debug("DatagramTransport could not derive remote identity")
			_ = conn.CloseWithError(0, "bad identity")
			return
		}
	}

	onAccept(id, NewSession(&quicStreamConn{stream: stream, conn: conn}))
}

// DialDatagram opens a QUIC connection to addr and a single stream over it.
func DialDatagram(ctx context.Context, addr string, creds Credentials) (identity.ID, *Session, error) {
	tlsConf, err := creds.TLSConfig(true)
	if err != nil {
		return identity.ID{}, nil, err
	}
	tlsConf.NextProtos = []string{datagramALPN}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return identity.ID{}, nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream open failed")
		return identity.ID{}, nil, fmt.Errorf("transport: open stream to %s: %w", addr, err)
	}

	var id identity.ID
	if creds.Kind() == CredentialCertificate {
		id, err = RemoteIdentity(conn.ConnectionState().TLS)
		if err != nil {
			_ = conn.CloseWithError(0, "bad identity")
			return identity.ID{}, nil, err
		}
	}

	return id, NewSession(&quicStreamConn{stream: stream, conn: conn}), nil
}

// Close stops accepting new QUIC connections.
func (t *DatagramTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ln.Close()
	})
	return err
}

// quicStreamConn adapts a quic.Stream (plus the quic.Connection it belongs
// to, closed alongside it) to io.ReadWriteCloser for Session framing.
type quicStreamConn struct {
	stream quic.Stream
	conn   quic.Connection
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicStreamConn) Close() error {
	err := c.stream.Close()
	_ = c.conn.CloseWithError(0, "session closed")
	return err
}

package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/httptunnel"
	"github.com/teapotnet/overlay/internal/identity"
)

// peekLen is the number of leading bytes the stream endpoint inspects to
// decide whether a connection is a raw overlay handshake or an HTTP-tunnel
// request (spec §4.1, "peeks the first 5 bytes").
const peekLen = 5

// AcceptFunc is called once per newly established session, whether it
// arrived as a direct TCP connection or via the HTTP-tunnel diversion. id is
// the zero value when creds is Anonymous or PSK, since only Certificate
// credentials yield an authoritative remote node identifier (spec §4.3).
type AcceptFunc func(id identity.ID, session *Session)

// StreamTransport is the L0 stream endpoint: it accepts TCP connections,
// diverts HTTP-looking ones to the HTTP-tunnel server, and performs the L1
// TLS handshake on everything else (spec §4.1 "The stream endpoint").
// Grounded on pkg/cla/tcpclv4's TLS-capable stream CLA.
type StreamTransport struct {
	creds Credentials

	ln         net.Listener
	httpListen *chanListener
	httpServer *http.Server

	closeOnce sync.Once
}

// Listen starts accepting TCP connections on addr, dispatching to onAccept.
func Listen(addr string, creds Credentials, onAccept AcceptFunc) (*StreamTransport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}

	t := &StreamTransport{
		creds:      creds,
		ln:         ln,
		httpListen: newChanListener(ln.Addr()),
	}

	tunnelSrv := httptunnel.NewServer(func(c *httptunnel.Conn) {
		go t.acceptSecure(pseudoConn{c}, onAccept)
	})
	t.httpServer = &http.Server{Handler: tunnelSrv.Router()}

	go func() {
		if err := t.httpServer.Serve(t.httpListen); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("StreamTransport HTTP-tunnel server stopped")
		}
	}()

	go t.acceptLoop(onAccept)

	return t, nil
}

func (t *StreamTransport) acceptLoop(onAccept AcceptFunc) {
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			return
		}
		go t.divert(conn, onAccept)
	}
}

// divert peeks the first peekLen bytes of conn and routes it either to the
// HTTP-tunnel server or directly into the TLS handshake.
func (t *StreamTransport) divert(conn net.Conn, onAccept AcceptFunc) {
	br := bufio.NewReaderSize(conn, peekLen)
	peek, err := br.Peek(peekLen)
	if err != nil {
		conn.Close()
		return
	}

	pc := &peekedConn{Conn: conn, r: br}

	if bytes.HasPrefix(peek, []byte("GET ")) || bytes.HasPrefix(peek, []byte("POST ")) {
		if !t.httpListen.push(pc) {
			conn.Close()
		}
		return
	}

	t.acceptSecure(pc, onAccept)
}

// acceptSecure runs the server-side TLS handshake over rw and, on success,
// derives the remote identity (when creds is CertificateCredentials) and
// hands the resulting Session to onAccept.
func (t *StreamTransport) acceptSecure(rw net.Conn, onAccept AcceptFunc) {
	tlsConf, err := t.creds.TLSConfig(false)
	if err != nil {
		log.WithError(err).Warn("StreamTransport failed to build server TLS config")
		rw.Close()
		return
	}

	tlsConn := tls.Server(rw, tlsConf)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		log.WithError(err).Debug("StreamTransport TLS handshake failed")
		tlsConn.Close()
		return
	}

	var id identity.ID
	if t.creds.Kind() == CredentialCertificate {
		id, err = RemoteIdentity(tlsConn.ConnectionState())
		if err != nil {
			log.WithError(err).Debug("StreamTransport could not derive remote identity")
			tlsConn.Close()
			return
		}
	}

	onAccept(id, NewSession(tlsConn))
}

// Dial connects to addr and performs the L1 TLS handshake as a client.
func Dial(ctx context.Context, addr string, creds Credentials) (identity.ID, *Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return identity.ID{}, nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	tlsConf, err := creds.TLSConfig(true)
	if err != nil {
		conn.Close()
		return identity.ID{}, nil, err
	}

	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return identity.ID{}, nil, fmt.Errorf("transport: TLS handshake with %s: %w", addr, err)
	}

	var id identity.ID
	if creds.Kind() == CredentialCertificate {
		id, err = RemoteIdentity(tlsConn.ConnectionState())
		if err != nil {
			tlsConn.Close()
			return identity.ID{}, nil, err
		}
	}

	return id, NewSession(tlsConn), nil
}

// Close stops accepting new connections.
func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.ln.Close()
		t.httpListen.Close()
		_ = t.httpServer.Close()
	})
	return err
}

// peekedConn replays the bytes consumed by divert's Peek before falling
// through to the wrapped net.Conn, so the TLS handshake sees the full
// byte stream unaltered.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// chanListener is a net.Listener fed by divert's HTTP-tunnel diversion,
// letting a single net/http.Server accept exactly the connections identified
// as HTTP requests on the shared listening socket (a standard single-port
// protocol-multiplexing pattern).
type chanListener struct {
	addr      net.Addr
	ch        chan net.Conn
	closeOnce sync.Once
	closed    chan struct{}
}

func newChanListener(addr net.Addr) *chanListener {
	return &chanListener{addr: addr, ch: make(chan net.Conn), closed: make(chan struct{})}
}

func (l *chanListener) push(conn net.Conn) bool {
	select {
	case l.ch <- conn:
		return true
	case <-l.closed:
		return false
	}
}

func (l *chanListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	case <-l.closed:
		return nil, fmt.Errorf("transport: HTTP-tunnel listener closed")
	}
}

func (l *chanListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *chanListener) Addr() net.Addr {
	return l.addr
}

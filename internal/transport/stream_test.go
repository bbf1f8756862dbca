package transport

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/teapotnet/overlay/internal/httptunnel"
	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/wire"
)

type acceptedPeer struct {
	id identity.ID
	s  *Session
}

func TestStreamTransportCertificateHandshake(t *testing.T) {
	serverID, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}
	clientID, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	accepted := make(chan acceptedPeer, 1)
	st, err := Listen("127.0.0.1:0", CertificateCredentials{Cert: serverID.Cert}, func(id identity.ID, s *Session) {
		accepted <- acceptedPeer{id: id, s: s}
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	remoteID, clientSession, err := Dial(ctx, st.ln.Addr().String(), CertificateCredentials{Cert: clientID.Cert})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer clientSession.Close()

	if remoteID != serverID.ID {
		t.Fatalf("client learned wrong server identity")
	}

	var peer acceptedPeer
	select {
	case peer = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	if peer.id != clientID.ID {
		t.Fatalf("server learned wrong client identity")
	}

	msg := wire.New(wire.Ping, clientID.ID, serverID.ID, []byte("hi"))
	if err := clientSession.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := peer.s.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got.Content) != "hi" {
		t.Fatalf("got content %q", got.Content)
	}
}

func TestStreamTransportHTTPTunnelDiversion(t *testing.T) {
	serverID, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate server identity: %v", err)
	}

	accepted := make(chan acceptedPeer, 1)
	st, err := Listen("127.0.0.1:0", CertificateCredentials{Cert: serverID.Cert}, func(id identity.ID, s *Session) {
		accepted <- acceptedPeer{id: id, s: s}
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer st.Close()

	clientID, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate client identity: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tunnelURL := "http://" + st.ln.Addr().String() + "/session"
	tunnelConn, err := httptunnel.Dial(ctx, tunnelURL)
	if err != nil {
		t.Fatalf("dial http tunnel: %v", err)
	}

	tlsConf, err := (CertificateCredentials{Cert: clientID.Cert}).TLSConfig(true)
	if err != nil {
		t.Fatalf("tls config: %v", err)
	}

	clientTLS := tls.Client(pseudoConn{tunnelConn}, tlsConf)
	if err := clientTLS.HandshakeContext(ctx); err != nil {
		t.Fatalf("tls handshake over http tunnel: %v", err)
	}
	defer clientTLS.Close()

	var peer acceptedPeer
	select {
	case peer = <-accepted:
	case <-time.After(10 * time.Second):
		t.Fatal("server never accepted the diverted connection")
	}
	if peer.id != clientID.ID {
		t.Fatalf("server learned wrong identity over http tunnel")
	}
}

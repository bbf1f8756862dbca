// Package transport implements L0 (stream/datagram endpoints, including the
// HTTP-tunnel diversion) and L1 (secure TLS/QUIC sessions with anonymous,
// PSK and certificate credentials) of spec §4.1/§4.3. It is grounded on the
// teacher's pkg/cla/tcpclv4 (TLS-capable stream convergence layer) and
// pkg/cla/quicl (QUIC-based connection-oriented datagram convergence layer),
// generalized from bundle transport to overlay.Message transport.
package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/teapotnet/overlay/internal/identity"
)

// CredentialKind identifies which of the three secure-session credential
// modes a session uses (spec §4.3).
type CredentialKind int

const (
	CredentialAnonymous CredentialKind = iota
	CredentialPSK
	CredentialCertificate
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialAnonymous:
		return "anonymous"
	case CredentialPSK:
		return "psk"
	case CredentialCertificate:
		return "certificate"
	default:
		return "unknown"
	}
}

// Credentials configures one end of a secure session: how it proves (or
// declines to prove) its own identity, and how it is willing to accept the
// peer's (spec §4.3).
type Credentials interface {
	Kind() CredentialKind
	TLSConfig(forClient bool) (*tls.Config, error)
}

// AnonymousCredentials authenticates neither side: the server presents a
// freshly generated self-signed certificate that the client does not
// verify. Used for links where the
// peer's identity is established out of band (e.g. a tracker rendezvous
// that already exchanged node identifiers over a trusted channel).
type AnonymousCredentials struct{}

func (AnonymousCredentials) Kind() CredentialKind { return CredentialAnonymous }

func (AnonymousCredentials) TLSConfig(forClient bool) (*tls.Config, error) {
	cfg := &tls.Config{InsecureSkipVerify: true}
	if !forClient {
		ephemeral, err := identity.Generate(identity.MinKeyBits)
		if err != nil {
			return nil, fmt.Errorf("transport: generate ephemeral certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{ephemeral.Cert}
	}
	return cfg, nil
}

// PSKCredentials authenticates by a shared username/secret table, checked
// during the handshake via GetConfigForClient rather than a dedicated TLS-PSK
// cipher suite: crypto/tls has no TLS-PSK support, so the proof rides in SNI
// and the verification happens in the callback (spec §4.3 "PSK credential").
// The client proves knowledge of the secret by embedding an HMAC-SHA256 of
// its username, keyed by the secret, alongside the username in ServerName;
// the server recomputes it against its own Lookup table and rejects any
// mismatch in constant time, so a peer that only knows a registered username
// cannot authenticate without the matching secret.
type PSKCredentials struct {
	Username string
	Secret   []byte
	// Lookup resolves a claimed username to its expected secret. Required on
	// the accepting side; unused when dialing.
	Lookup func(username string) ([]byte, bool)
}

func (PSKCredentials) Kind() CredentialKind { return CredentialPSK }

// pskServerNameSeparator joins the plaintext username and the hex-encoded
// proof within the ServerName field. '.' is not valid in the narrower base64
// alphabets and keeps the combined name a legal DNS-ish SNI value.
const pskServerNameSeparator = "."

func pskProof(secret []byte, username string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(username))
	return hex.EncodeToString(mac.Sum(nil))
}

func (p PSKCredentials) TLSConfig(forClient bool) (*tls.Config, error) {
	if forClient {
		serverName := p.Username + pskServerNameSeparator + pskProof(p.Secret, p.Username)
		return &tls.Config{InsecureSkipVerify: true, ServerName: serverName}, nil
	}

	if p.Lookup == nil {
		return nil, fmt.Errorf("transport: PSK credentials require a Lookup table to accept connections")
	}

	return &tls.Config{
		InsecureSkipVerify: true,
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			username, proof, ok := strings.Cut(hello.ServerName, pskServerNameSeparator)
			if !ok {
				return nil, fmt.Errorf("transport: malformed PSK handshake name %q", hello.ServerName)
			}

			secret, ok := p.Lookup(username)
			if !ok {
				return nil, fmt.Errorf("transport: unknown PSK username %q", username)
			}

			expected := pskProof(secret, username)
			if subtle.ConstantTimeCompare([]byte(proof), []byte(expected)) != 1 {
				return nil, fmt.Errorf("transport: PSK proof mismatch for username %q", username)
			}

			return nil, nil
		},
	}, nil
}

// CertificateCredentials authenticates with the node's self-signed identity
// certificate. The peer's certificate is accepted on any chain (it is
// self-signed by construction) and its public key digest becomes the
// authoritative remote node identifier (spec §4.3).
type CertificateCredentials struct {
	Cert tls.Certificate
}

func (CertificateCredentials) Kind() CredentialKind { return CredentialCertificate }

func (c CertificateCredentials) TLSConfig(forClient bool) (*tls.Config, error) {
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{c.Cert},
		InsecureSkipVerify: true,
	}
	if !forClient {
		cfg.ClientAuth = tls.RequireAnyClientCert
	}
	return cfg, nil
}

// RemoteIdentity extracts the remote node identifier from a completed TLS
// connection state's leaf peer certificate (spec §4.3, "Certificate chain
// verification yields the peer public key").
func RemoteIdentity(state tls.ConnectionState) (identity.ID, error) {
	if len(state.PeerCertificates) == 0 {
		return identity.ID{}, fmt.Errorf("transport: no peer certificate presented")
	}
	return identity.IDFromCertificate(state.PeerCertificates[0])
}

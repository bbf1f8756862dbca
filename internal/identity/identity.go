// Package identity derives a node's cryptographic identity from an RSA key
// pair: the identifier used throughout the overlay is the digest of the
// DER-encoded public key, and a self-signed certificate binds the two for
// use by the secure transports in package transport.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

// MinKeyBits is the smallest RSA modulus this package will generate or accept.
const MinKeyBits = 2048

// ID is a node identifier: the digest of a DER-encoded RSA public key.
// It is a fixed-length byte string; equality and XOR-distance are defined
// bitwise over its bytes.
type ID [sha512.Size]byte

// String renders the identifier as hex, the form used in logs and the
// tracker protocol (§6.3).
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Xor returns the bitwise XOR distance between two identifiers, used by the
// overlay's closest-node metric.
func (id ID) Xor(other ID) ID {
	var out ID
	for i := range id {
		out[i] = id[i] ^ other[i]
	}
	return out
}

// Less reports whether id, interpreted as a big-endian integer, is smaller
// than other. Used to compare XOR distances.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

func idFromPublicKey(pub *rsa.PublicKey) (ID, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ID{}, fmt.Errorf("identity: marshal public key: %w", err)
	}
	return ID(sha512.Sum512(der)), nil
}

// Identity is a node's private key material plus its derived ID and a
// self-signed certificate suitable for the certificate-credential secure
// transports of §4.3.
type Identity struct {
	ID         ID
	PrivateKey *rsa.PrivateKey
	Cert       tls.Certificate
}

// Generate creates a fresh Identity with an RSA key of the given bit size.
// bits must be at least MinKeyBits.
func Generate(bits int) (*Identity, error) {
	if bits < MinKeyBits {
		return nil, fmt.Errorf("identity: key size %d below minimum %d", bits, MinKeyBits)
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return FromPrivateKey(key)
}

// FromPrivateKey derives an Identity (ID + self-signed certificate) from an
// existing RSA private key, e.g. one loaded from disk by the caller.
func FromPrivateKey(key *rsa.PrivateKey) (*Identity, error) {
	if key.N.BitLen() < MinKeyBits {
		return nil, fmt.Errorf("identity: key size %d below minimum %d", key.N.BitLen(), MinKeyBits)
	}

	id, err := idFromPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	cert, err := selfSignedCert(key, id)
	if err != nil {
		return nil, fmt.Errorf("identity: self-signed certificate: %w", err)
	}

	return &Identity{ID: id, PrivateKey: key, Cert: cert}, nil
}

// selfSignedCert builds a self-signed X.509 certificate for key whose
// CommonName is the node's hex identifier, mirroring dtn7-dtn7-gold's bare-bones
// cert-per-session pattern but binding the certificate to a stable identity
// instead of a throwaway one.
func selfSignedCert(key *rsa.PrivateKey, id ID) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.String()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(10, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return tls.X509KeyPair(certPEM, keyPEM)
}

// IDFromCertificate extracts the node identifier from a peer certificate,
// the authoritative way the secure transport layer learns who it is talking
// to once the certificate chain has been validated by the caller.
func IDFromCertificate(cert *x509.Certificate) (ID, error) {
	return idFromPublicKey(cert.PublicKey.(*rsa.PublicKey))
}

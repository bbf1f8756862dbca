package overlay

import "github.com/teapotnet/overlay/internal/wire"

// Session is the capability a secure transport session exposes to the
// Overlay once a neighbour has authenticated: send a Message, and close the
// underlying link. Implementations live in package transport; this keeps
// the Overlay's dependency on transports to a single small interface
// instead of the full TLS/QUIC surface (Design Notes: "duck-typed
// Stream/Socket hierarchy... codify the capability set").
type Session interface {
	// Send transmits m to the peer this Session is connected to.
	Send(m wire.Message) error

	// Close tears down the underlying link.
	Close() error
}

// Package errs defines the sentinel error taxonomy shared across the overlay
// stack (spec §7): transport closed, timeout, protocol error, authentication
// failure, unavailable, and policy. Callers compare with errors.Is/errors.As
// rather than matching on concrete types.
package errs

import "errors"

var (
	// ErrClosed signals a transport or session that closed, locally or by the
	// peer. It propagates as end-of-stream.
	ErrClosed = errors.New("transport closed")

	// ErrTimeout signals a deadline exceeded. Callers either retry with
	// back-off or surface the failure.
	ErrTimeout = errors.New("timeout")

	// ErrProtocol signals a malformed header, impossible ttl, length
	// overflow, or out-of-range command. Fatal for the offending link only.
	ErrProtocol = errors.New("protocol error")

	// ErrAuth signals certificate mismatch, PSK rejection, or identifier
	// mismatch after handshake. Fatal for the link.
	ErrAuth = errors.New("authentication failure")

	// ErrUnavailable signals a requested block or value that is not locally
	// known.
	ErrUnavailable = errors.New("unavailable")

	// ErrPolicy signals a message dropped by policy: ttl exhausted, no known
	// route, or destination equals source.
	ErrPolicy = errors.New("policy")
)

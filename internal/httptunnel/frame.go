// Package httptunnel implements the HTTP-tunnel transport escape hatch of
// spec §4.1/§6.5: a bidirectional byte-stream carried over ordinary GET/POST
// HTTP requests, for peers that can reach each other only through an HTTP
// proxy. It is grounded on pkg/cla/http's convergence layer,
// which performs the same "diversion" trick (distinguishing the overlay's
// own framing from a plain HTTP request on the same listening socket) for
// its bundle-over-HTTP backend.
package httptunnel

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Command bytes framing a POST body's upload leg (spec §4.1).
const (
	cmdTunnelOpen       byte = 0x01
	cmdTunnelData       byte = 0x02
	cmdTunnelPadding    byte = 0x03
	cmdTunnelPad        byte = 0x41
	cmdTunnelClose      byte = 0x42
	cmdTunnelDisconnect byte = 0x43
)

// MaxDownloadSize caps the bytes a single GET response body may carry
// (spec §6.5).
const MaxDownloadSize = 20 << 20

// POST body size policy: starts small and doubles up to a ceiling, the
// teacher's reconnect/backoff idiom applied to request sizing instead of
// retry delay (spec §6.5).
const (
	minPOSTSize = 1 << 10
	maxPOSTSize = 2 << 20
)

// flushDelay bounds how long the download leg buffers bytes before a
// pending GET is answered, even if the buffer has not filled (spec §6.5).
const flushDelay = 200 * time.Millisecond

// idleTimeout is how long a session may go without any GET or POST activity
// before it is considered abandoned (spec §6.5).
const idleTimeout = 60 * time.Second

// longPollWait bounds how long a single GET blocks waiting for download
// bytes before it returns an empty body and the client issues the next GET;
// keeping this well under idleTimeout is what gives the download leg its
// long-poll cadence instead of one GET per session lifetime.
const longPollWait = 2 * time.Second

// connectTimeout bounds how long a client dial waits for the first GET
// response that allocates a session (spec §6.5).
const connectTimeout = 30 * time.Second

// writeFrame appends one command frame to w. TunnelOpen and TunnelData carry
// a 16-bit length prefix; TunnelPadding carries a 16-bit count of zero bytes;
// TunnelPad, TunnelClose and TunnelDisconnect carry no payload.
func writeFrame(w io.Writer, cmd byte, payload []byte) error {
	switch cmd {
	case cmdTunnelOpen, cmdTunnelData:
		if len(payload) > 0xffff {
			return fmt.Errorf("httptunnel: frame payload too large (%d bytes)", len(payload))
		}
		var hdr [3]byte
		hdr[0] = cmd
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(payload)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		_, err := w.Write(payload)
		return err

	case cmdTunnelPadding:
		var hdr [3]byte
		hdr[0] = cmd
		binary.BigEndian.PutUint16(hdr[1:3], uint16(len(payload)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		_, err := w.Write(payload)
		return err

	case cmdTunnelPad, cmdTunnelClose, cmdTunnelDisconnect:
		_, err := w.Write([]byte{cmd})
		return err

	default:
		return fmt.Errorf("httptunnel: unknown command byte 0x%02x", cmd)
	}
}

// frame is one parsed command frame from a POST body.
type frame struct {
	cmd     byte
	payload []byte
}

// readFrame parses the next frame from r. io.EOF is returned once the body
// is exhausted without a TunnelDisconnect, which callers treat the same way
// as an explicit disconnect.
func readFrame(r io.Reader) (frame, error) {
	var cmdByte [1]byte
	if _, err := io.ReadFull(r, cmdByte[:]); err != nil {
		return frame{}, err
	}
	cmd := cmdByte[0]

	switch cmd {
	case cmdTunnelOpen, cmdTunnelData, cmdTunnelPadding:
		var lenBuf [2]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return frame{}, fmt.Errorf("httptunnel: truncated length for command 0x%02x: %w", cmd, err)
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			return frame{}, fmt.Errorf("httptunnel: truncated payload for command 0x%02x: %w", cmd, err)
		}
		return frame{cmd: cmd, payload: payload}, nil

	case cmdTunnelPad, cmdTunnelClose, cmdTunnelDisconnect:
		return frame{cmd: cmd}, nil

	default:
		return frame{}, fmt.Errorf("httptunnel: unknown command byte 0x%02x", cmd)
	}
}

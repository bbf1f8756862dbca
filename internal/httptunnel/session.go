package httptunnel

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"
)

// newSessionID mints a 32-bit hex session identifier, the form carried in
// the `session=` cookie (spec §6.5).
func newSessionID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("httptunnel: generate session id: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// session is the server-side bookkeeping for one HTTP-tunnel pseudo-stream:
// a download buffer fed by Conn.Write and drained by GET handlers, and an
// upload pipe fed by POST command frames and drained by Conn.Read.
type session struct {
	id string

	mu           sync.Mutex
	download     bytes.Buffer
	closed       bool
	firstGETDone bool
	getInFlight  bool
	postInFlight bool
	lastActive   time.Time

	notify  chan struct{}
	uploadR *io.PipeReader
	uploadW *io.PipeWriter
}

func newSession(id string) *session {
	r, w := io.Pipe()
	return &session{
		id:         id,
		notify:     make(chan struct{}, 1),
		uploadR:    r,
		uploadW:    w,
		lastActive: time.Now(),
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *session) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActive)
}

// wake signals a blocked GET that new download bytes (or a close) are ready.
func (s *session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Conn is the bidirectional byte-stream the rest of the transport stack
// sees: Write queues bytes for the next GET response (download leg), Read
// drains bytes parsed out of POST command frames (upload leg).
type Conn struct {
	s *session
}

func (c *Conn) Write(p []byte) (int, error) {
	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n, _ := c.s.download.Write(p)
	c.s.mu.Unlock()
	c.s.wake()
	return n, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.s.uploadR.Read(p)
}

// Close ends the session: it unblocks any pending GET with an end-of-stream
// signal (spec §4.4 "Closing an HTTP tunnel half-session unblocks the peer
// half with an end-of-stream signal") and closes the upload pipe so pending
// Reads return io.EOF.
func (c *Conn) Close() error {
	c.s.mu.Lock()
	if c.s.closed {
		c.s.mu.Unlock()
		return nil
	}
	c.s.closed = true
	c.s.mu.Unlock()

	c.s.wake()
	return c.s.uploadW.Close()
}

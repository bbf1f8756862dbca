package overlay

import (
	"sync"

	"github.com/teapotnet/overlay/internal/identity"
)

// Neighbour is a node with which this Node currently holds a direct
// authenticated session (spec §3 "Peer link", GLOSSARY "Neighbour").
type Neighbour struct {
	ID      identity.ID
	session Session

	mu        sync.Mutex
	handlers  int // number of registered Handlers (spec §8 scenario 2, B.handlers.count)
	closeOnce sync.Once
}

func newNeighbour(id identity.ID, session Session) *Neighbour {
	return &Neighbour{ID: id, session: session}
}

// HandlerCount returns the number of Handlers currently registered against
// this neighbour's identity (at most one per (localId, remoteId) pair in
// practice, but the counter mirrors the original's diagnostic accounting
// used by spec §8 scenario 2).
func (n *Neighbour) HandlerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handlers
}

func (n *Neighbour) incHandlers() {
	n.mu.Lock()
	n.handlers++
	n.mu.Unlock()
}

func (n *Neighbour) decHandlers() {
	n.mu.Lock()
	if n.handlers > 0 {
		n.handlers--
	}
	n.mu.Unlock()
}

// Close tears down the neighbour's session. Safe to call more than once.
func (n *Neighbour) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.session.Close()
	})
	return err
}

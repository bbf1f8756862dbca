// Package overlay implements the overlay network core of spec §3/§4: node
// identity wiring, XOR-metric routing with path folding, and the control
// message dispatch that drives Retrieve/Store/Value (the distributed
// key-value store) and Ping/Pong/Offer/Suggest (liveness and routing). It is
// grounded on pkg/routing and pkg/cla: a single
// mutex-guarded table of neighbours plus a dispatch loop fed by whatever
// transport accepted the link.
package overlay

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/netaddr"
	"github.com/teapotnet/overlay/internal/store"
	"github.com/teapotnet/overlay/internal/wire"
)

// inboxCapacity bounds how many application-layer messages (Call/Data/Tunnel
// and satisfied Retrieve/Value) may queue; once it is full, Incoming drops
// further messages instead of blocking the calling transport goroutine.
const inboxCapacity = 256

// Node is this process's view of the overlay: its own identity, its
// directly-connected neighbours, its routing table, and its local store.
// Call/Data/Tunnel messages addressed to this node are not interpreted here;
// they are handed to whatever consumer reads Inbox (cmd/teapotd forwards them
// to the tunneler and fetch packages).
type Node struct {
	self  *identity.Identity
	store *store.Store
	rt    *routingTable

	inbox chan wire.Message

	addrMu     sync.Mutex
	localAddrs []netaddr.Address

	conn connector
}

// connector is the capability the composition root installs so a received
// Suggest can attempt an outbound connection without this package depending
// on package transport or package handler (spec §4.3, "attempts a
// connection ... on behalf of the sender").
type connector interface {
	Connect(ctx context.Context, addrs []netaddr.Address, target identity.ID)
}

// SetConnector installs the callback Suggest handling uses to dial the
// addresses it carries. A Node with no connector installed still relays
// Offer/Suggest for path folding but never dials anything itself.
func (n *Node) SetConnector(c connector) {
	n.conn = c
}

// SetLocalAddresses installs the externally-reachable addresses this node
// advertises via Offer (spec §4.2, §6.1). Called once by the composition
// root once its listeners are up; a Node with no addresses set never
// broadcasts Offer, matching Overlay::run's "if(!addrs.empty())" guard.
func (n *Node) SetLocalAddresses(addrs []netaddr.Address) {
	n.addrMu.Lock()
	defer n.addrMu.Unlock()
	n.localAddrs = addrs
}

func (n *Node) localAddresses() []netaddr.Address {
	n.addrMu.Lock()
	defer n.addrMu.Unlock()
	return n.localAddrs
}

// New creates a Node for the given identity, persisting DHT values and
// content-addressed blocks in s.
func New(self *identity.Identity, s *store.Store) *Node {
	return &Node{
		self:  self,
		store: s,
		rt:    newRoutingTable(self.ID),
		inbox: make(chan wire.Message, inboxCapacity),
	}
}

// ID returns this node's identifier.
func (n *Node) ID() identity.ID {
	return n.self.ID
}

// Inbox delivers Call, Data and Tunnel messages, plus Value messages
// answering a Retrieve this node issued, once they have arrived at this node
// (spec §4.5, §4.4 "retrieveValue"). Tunnel traffic uses its own Tunnel
// record type, not Data or Call.
func (n *Node) Inbox() <-chan wire.Message {
	return n.inbox
}

// RegisterNeighbour records session as a directly connected peer identified
// by id, making id reachable as route(id) = id (spec §4.2).
func (n *Node) RegisterNeighbour(id identity.ID, session Session) *Neighbour {
	neigh := newNeighbour(id, session)
	n.rt.addNeighbour(neigh)
	log.WithField("peer", id).Info("Node registered neighbour")
	return neigh
}

// UnregisterNeighbour drops id from the neighbour set and closes its
// session, invalidating any cached route that relied on it.
func (n *Node) UnregisterNeighbour(id identity.ID) {
	if neigh, ok := n.rt.neighbour(id); ok {
		_ = neigh.Close()
	}
	n.rt.removeNeighbour(id)
	log.WithField("peer", id).Info("Node unregistered neighbour")
}

// NeighbourCount returns the number of directly connected peers.
func (n *Node) NeighbourCount() int {
	return n.rt.neighbourCount()
}

// Send routes m toward m.Destination: locally if m is addressed to this
// node, otherwise via the next hop the routing table names (spec §4.2
// "send"). A send to a hop whose session fails invalidates the cached route
// and retries once against the next-best candidate.
func (n *Node) Send(m wire.Message) error {
	if m.Destination == n.self.ID {
		n.deliverLocal(m)
		return nil
	}

	hop := n.rt.route(m.Destination)
	if hop == n.self.ID {
		// We are the closest known node and have no better next hop;
		// treat as locally destined (spec §4.2, "closest returns self").
		n.deliverLocal(m)
		return nil
	}

	if err := n.forward(m, hop); err != nil {
		n.rt.invalidate(m.Destination, hop)

		retry := n.rt.closestExcept(m.Destination, hop)
		if retry == hop || retry == n.self.ID {
			return fmt.Errorf("overlay: no route to %s: %w", m.Destination, err)
		}
		return n.forward(m, retry)
	}
	return nil
}

func (n *Node) forward(m wire.Message, hop identity.ID) error {
	neigh, ok := n.rt.neighbour(hop)
	if !ok {
		return fmt.Errorf("overlay: next hop %s is not a neighbour", hop)
	}
	return neigh.session.Send(m)
}

// Incoming is the entry point transports call with every Message they
// receive from a neighbour. Non-routable messages and messages already at
// their destination are dispatched locally; everything else is forwarded
// (spec §4.2 "route").
func (n *Node) Incoming(m wire.Message, from identity.ID) {
	if !m.Type.Routable() || m.Destination == n.self.ID || m.Destination.IsZero() {
		n.dispatch(m, from)
		return
	}

	if m.TTL == 0 {
		log.WithFields(log.Fields{"type": m.Type, "from": from}).Debug("Node dropped message with expired TTL")
		return
	}
	m.TTL--
	if m.TTL == 0 {
		log.WithFields(log.Fields{"type": m.Type, "from": from}).Debug("Node dropped message with TTL expired by decrement")
		return
	}

	if err := n.Send(m); err != nil {
		log.WithError(err).WithFields(log.Fields{"type": m.Type, "destination": m.Destination}).Warn("Node failed to forward message")
	}
}

func (n *Node) deliverLocal(m wire.Message) {
	n.dispatch(m, m.Source)
}

package overlay

import (
	"context"
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/netaddr"
	"github.com/teapotnet/overlay/internal/store"
	"github.com/teapotnet/overlay/internal/wire"
)

// dispatch handles a message that has arrived at this node, either because
// it is non-routable or because this node is its destination. from is the
// neighbour the message was received from (the originator for non-forwarded,
// locally-produced messages). Grounded on tpn/overlay.cpp's
// Overlay::incoming control-message switch.
func (n *Node) dispatch(m wire.Message, from identity.ID) {
	switch m.Type {
	case wire.Dummy:
		// Carries no payload; used only to keep idle links alive.

	case wire.Ping:
		n.handlePing(m, from)

	case wire.Pong:
		n.handlePong(m, from)

	case wire.Offer:
		n.handleOffer(m, from)

	case wire.Suggest:
		n.handleSuggest(m, from)

	case wire.Cancel:
		n.handleCancel(m, from)

	case wire.Retrieve:
		n.handleRetrieve(m, from)

	case wire.Store:
		n.handleStore(m, from)

	case wire.Value:
		n.handleValue(m, from)

	case wire.Call, wire.Data, wire.Tunnel:
		n.deliverInbox(m)

	default:
		log.WithField("type", m.Type).Debug("Node dropped message of unknown type")
	}
}

func (n *Node) deliverInbox(m wire.Message) {
	select {
	case n.inbox <- m:
	default:
		log.WithField("type", m.Type).Warn("Node inbox full, dropping message")
	}
}

// handlePing replies with a Pong carrying the same content (a nonce the
// sender can match), confirming this node is alive (spec §4.2 "liveness").
func (n *Node) handlePing(m wire.Message, from identity.ID) {
	reply := wire.New(wire.Pong, n.self.ID, m.Source, m.Content)
	if err := n.replyTo(reply, from); err != nil {
		log.WithError(err).Debug("Node failed to reply to Ping")
	}
}

// handlePong logs that the sending neighbour answered a liveness check; no
// state is recorded. The route cache needs no update: Pong only confirms what
// addNeighbour already recorded.
func (n *Node) handlePong(m wire.Message, from identity.ID) {
	log.WithField("peer", from).Debug("Node received Pong")
}

// handleOffer relays a path-folding advertisement of the sender's own
// externally-reachable addresses onward as a Suggest, to every neighbour
// that is no farther (by XOR distance) from the original offerer than this
// node itself is. The message's Source stays the original offerer
// throughout the relay chain, so every hop that forwards it preserves whose
// addresses they are (spec §4.2 "path folding"). Grounded on
// tpn/overlay.cpp's Message::Offer case, which rewrites the message type to
// Suggest in place and relays only to neighbours i where
// `(source ^ neighbours[i]) <= (source ^ localNode())`.
func (n *Node) handleOffer(m wire.Message, from identity.ID) {
	if _, err := decodeAddresses(m.Content); err != nil {
		log.WithError(err).Debug("Node received malformed Offer")
		return
	}

	distance := m.Source.Xor(n.self.ID)
	for _, neigh := range n.rt.allNeighbours() {
		if neigh.ID == m.Source {
			continue
		}
		d := neigh.ID.Xor(m.Source)
		if d != distance && !d.Less(distance) {
			continue
		}

		suggest := wire.New(wire.Suggest, m.Source, neigh.ID, m.Content)
		if err := neigh.session.Send(suggest); err != nil {
			log.WithError(err).WithField("peer", neigh.ID).Debug("Node failed to relay Suggest")
		}
	}
}

// handleSuggest extracts the address set a relayed Offer carries and, if
// this node does not already hold a direct session with the original
// offerer, attempts an outbound connection to those addresses on its
// behalf (spec §4.2/§4.3). Grounded on tpn/overlay.cpp's Message::Suggest
// case: "if(!isConnected(message.source)) ... connect(addrs,
// message.source)".
func (n *Node) handleSuggest(m wire.Message, from identity.ID) {
	if m.Source == n.self.ID || n.rt.isNeighbour(m.Source) {
		return
	}

	addrs, err := decodeAddresses(m.Content)
	if err != nil {
		log.WithError(err).Debug("Node received malformed Suggest")
		return
	}
	if len(addrs) == 0 || n.conn == nil {
		return
	}

	go n.conn.Connect(context.Background(), addrs, m.Source)
}

// handleCancel retracts a previously advertised route: from is no longer a
// usable next hop toward the identifier named in the content, a synthesized
// control message with no equivalent on the wire of the original
// implementation (SPEC_FULL §2.3, "dead-end detection").
func (n *Node) handleCancel(m wire.Message, from identity.ID) {
	ids, err := decodeIdentifiers(m.Content)
	if err != nil || len(ids) != 1 {
		log.WithError(err).Debug("Node received malformed Cancel")
		return
	}
	n.rt.invalidate(ids[0], from)
}

// handleRetrieve answers a Retrieve arriving at its destination (the node
// this key hashes closest to) with a Value message listing every value known
// locally for the key (spec §4.4 "retrieveValue").
func (n *Node) handleRetrieve(m wire.Message, from identity.ID) {
	values, err := n.store.RetrieveValue(m.Content)
	if err != nil {
		log.WithError(err).WithField("key", m.Content).Warn("Node failed to retrieve value")
		return
	}
	if len(values) == 0 {
		return
	}

	reply := wire.New(wire.Value, n.self.ID, m.Source, encodeValues(values))
	if err := n.Send(reply); err != nil {
		log.WithError(err).Debug("Node failed to send Value reply")
	}
}

// handleStore persists a value arriving at its destination. Values arriving
// over the wire are always Distributed: only the local API (used by upper
// layers publishing their own records) may mark a value Permanent (spec §4.4
// "storeValue").
func (n *Node) handleStore(m wire.Message, from identity.ID) {
	key, value, err := decodeStoreContent(m.Content)
	if err != nil {
		log.WithError(err).Debug("Node received malformed Store")
		return
	}

	if err := n.store.StoreValue(key, value, store.Distributed); err != nil {
		log.WithError(err).WithField("key", key).Warn("Node failed to store value")
	}
}

// handleValue delivers a Value reply to the upper layer that issued the
// matching Retrieve, via the inbox (spec §4.4 "retrieveValue" returns every
// value that arrives before its caller-chosen deadline).
func (n *Node) handleValue(m wire.Message, from identity.ID) {
	n.deliverInbox(m)
}

// replyTo sends m back toward its destination via the neighbour it arrived
// from when that neighbour is still the best known next hop, falling back to
// ordinary routing otherwise.
func (n *Node) replyTo(m wire.Message, from identity.ID) error {
	if neigh, ok := n.rt.neighbour(from); ok {
		return neigh.session.Send(m)
	}
	return n.Send(m)
}

// encodeIdentifiers concatenates ids as fixed-width identity.ID records, the
// payload shape used by Cancel.
func encodeIdentifiers(ids []identity.ID) []byte {
	buf := make([]byte, 0, len(ids)*len(identity.ID{}))
	for _, id := range ids {
		buf = append(buf, id[:]...)
	}
	return buf
}

func decodeIdentifiers(content []byte) ([]identity.ID, error) {
	width := len(identity.ID{})
	if len(content)%width != 0 {
		return nil, wire.ErrMalformed
	}

	ids := make([]identity.ID, 0, len(content)/width)
	for off := 0; off < len(content); off += width {
		var id identity.ID
		copy(id[:], content[off:off+width])
		ids = append(ids, id)
	}
	return ids, nil
}

// encodeAddresses serializes addrs as the payload shape used by Offer and
// Suggest: a sequence of [1-byte IP length (4 or 16)][IP bytes][2-byte
// big-endian port] records (spec §4.2, §6.1).
func encodeAddresses(addrs []netaddr.Address) []byte {
	buf := make([]byte, 0, len(addrs)*19)
	for _, addr := range addrs {
		buf = append(buf, byte(len(addr.IP)))
		buf = append(buf, addr.IP...)
		buf = binary.BigEndian.AppendUint16(buf, addr.Port)
	}
	return buf
}

func decodeAddresses(content []byte) ([]netaddr.Address, error) {
	var addrs []netaddr.Address
	for off := 0; off < len(content); {
		if off+1 > len(content) {
			return nil, wire.ErrMalformed
		}
		ipLen := int(content[off])
		off++
		if ipLen != 4 && ipLen != 16 {
			return nil, fmt.Errorf("overlay: invalid address length %d: %w", ipLen, wire.ErrMalformed)
		}
		if off+ipLen+2 > len(content) {
			return nil, wire.ErrMalformed
		}

		ip := make([]byte, ipLen)
		copy(ip, content[off:off+ipLen])
		off += ipLen

		port := binary.BigEndian.Uint16(content[off : off+2])
		off += 2

		addrs = append(addrs, netaddr.New(ip, port))
	}
	return addrs, nil
}

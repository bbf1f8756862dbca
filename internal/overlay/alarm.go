package overlay

import (
	"context"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/wire"
)

// offerInterval is the minimum period between path-folding broadcasts, to
// which a random jitter of up to offerJitter is added to avoid every node in a cluster firing in
// lockstep (spec §4.2 "path folding", SPEC_FULL §2.3).
const (
	offerInterval = 10 * time.Minute
	offerJitter   = 2 * time.Minute
)

// RunAlarm runs the periodic path-folding broadcast and neighbour liveness
// sweep until ctx is cancelled. It is grounded on pkg/routing's
// core's periodic announce goroutine, folding in a liveness Ping sweep the
// original implementation ran as a second timer (SPEC_FULL §2.3,
// "neighbour liveness sweep folded into the path-folding alarm").
func (n *Node) RunAlarm(ctx context.Context) {
	for {
		wait := offerInterval + time.Duration(rand.Int63n(int64(offerJitter)))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			n.broadcastOffer()
			n.sweepLiveness()
		}
	}
}

// broadcastOffer advertises this node's own externally-reachable addresses
// to every directly connected neighbour, letting each relay it onward as a
// Suggest toward nodes closer to this one (spec §4.2 "path folding").
// Grounded on tpn/overlay.cpp's Overlay::run: "if(!addrs.empty()) ...
// broadcast(Message(Message::Offer, content))" — a Node with no addresses
// configured simply skips the broadcast.
func (n *Node) broadcastOffer() {
	addrs := n.localAddresses()
	if len(addrs) == 0 {
		return
	}
	content := encodeAddresses(addrs)

	for _, neigh := range n.rt.allNeighbours() {
		msg := wire.New(wire.Offer, n.self.ID, neigh.ID, content)
		if err := neigh.session.Send(msg); err != nil {
			log.WithError(err).WithField("peer", neigh.ID).Debug("Node failed to send Offer")
		}
	}
}

// sweepLiveness pings every neighbour and drops any whose session fails to
// send the Ping (spec §4.2 "a neighbour that stops answering is eventually
// dropped"). Pong replies are not tracked, so a neighbour whose session still
// accepts writes is kept whether or not it answers.
func (n *Node) sweepLiveness() {
	for _, neigh := range n.rt.allNeighbours() {
		msg := wire.New(wire.Ping, n.self.ID, neigh.ID, nil)
		if err := neigh.session.Send(msg); err != nil {
			log.WithError(err).WithField("peer", neigh.ID).Info("Node dropping unresponsive neighbour")
			n.UnregisterNeighbour(neigh.ID)
		}
	}
}

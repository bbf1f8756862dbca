package handler

import (
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/errs"
	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/pubsub"
	"github.com/teapotnet/overlay/internal/transport"
	"github.com/teapotnet/overlay/internal/wire"
)

// matchBacklog and notifyBacklog bound how many unconsumed application
// deliveries a Handler holds before dropping (spec §5, no unbounded
// buffering).
const (
	matchBacklog  = 32
	notifyBacklog = 64
)

// seenWindow bounds how many recently observed remote Notify sequences a
// Handler remembers for (senderId, sequence) de-duplication (spec §8).
const seenWindow = 256

// overlayDeliverer is the subset of overlay.Node a Handler needs: handing
// off a record it doesn't own to the Overlay dispatcher. Kept narrow so
// this package does not need to import package overlay.
type overlayDeliverer interface {
	Incoming(m wire.Message, from identity.ID)
}

// Handler is the authenticated per-(local,remote) session running directly
// atop a secure transport.Session. One Handler owns the sole read loop for
// that session: it dispatches publish/subscribe and Notify/Ack records
// itself (spec §4.6), and hands every other record type to the Overlay
// dispatcher, so a single physical link serves both layers without two
// goroutines racing to read the same connection. Grounded on
// pkg/agent/ws_agent_client.go's per-connection read-loop-plus-dispatch
// shape.
type Handler struct {
	local, remote identity.ID
	session       *transport.Session
	reg           *pubsub.Registry
	overlay       overlayDeliverer

	mu         sync.Mutex
	remoteSubs map[string]*pubsub.Subscriber
	pending    map[uint32]chan struct{}
	seen       map[uint32]struct{}
	seenOrder  []uint32
	nextSeq    uint32

	matches chan pubsub.Match
	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Handler for the authenticated link between local and remote,
// using reg as the shared local publish/subscribe registry (a remote
// Subscribe is evaluated against whatever the local application has
// published there) and overlay as the Node records of every other wire
// type are forwarded to. overlay may be nil when a Handler is used as a
// standalone application-level link with no Overlay routing layered on it.
func New(local, remote identity.ID, session *transport.Session, reg *pubsub.Registry, overlay overlayDeliverer) *Handler {
	return &Handler{
		local:      local,
		remote:     remote,
		session:    session,
		reg:        reg,
		overlay:    overlay,
		remoteSubs: make(map[string]*pubsub.Subscriber),
		pending:    make(map[uint32]chan struct{}),
		seen:       make(map[uint32]struct{}),
		matches:    make(chan pubsub.Match, matchBacklog),
		inbound:    make(chan []byte, notifyBacklog),
		done:       make(chan struct{}),
	}
}

// Remote reports the identity this Handler's session is authenticated to.
func (h *Handler) Remote() identity.ID {
	return h.remote
}

// Matches delivers records the remote peer pushed in reply to a Subscribe
// this Handler sent, or later, to a Publish it made under a related prefix.
func (h *Handler) Matches() <-chan pubsub.Match {
	return h.matches
}

// Notifications delivers de-duplicated application payloads the remote
// peer sent via Notify.
func (h *Handler) Notifications() <-chan []byte {
	return h.inbound
}

// Run reads records until the session closes or an unrecoverable protocol
// error occurs. It is meant to be called in its own goroutine; callers
// observe Matches/Notifications and call Close when done.
func (h *Handler) Run() error {
	for {
		m, err := h.session.Receive()
		if err != nil {
			h.Close()
			if err == io.EOF {
				return errs.ErrClosed
			}
			return fmt.Errorf("handler: receive: %w", err)
		}
		h.dispatch(m)
	}
}

func (h *Handler) dispatch(m wire.Message) {
	switch m.Type {
	case wire.Publish:
		h.handlePublish(m)
	case wire.Subscribe:
		h.handleSubscribe(m)
	case wire.Notify:
		h.handleNotify(m)
	case wire.Ack:
		h.handleAck(m)
	default:
		if h.overlay != nil {
			h.overlay.Incoming(m, h.remote)
			return
		}
		log.WithField("type", m.Type).Debug("handler dropped record of unexpected type")
	}
}

func (h *Handler) handlePublish(m wire.Message) {
	rec, err := decodePublish(m.Content)
	if err != nil {
		log.WithError(err).Debug("handler dropped malformed publish record")
		return
	}
	match := pubsub.Match{Prefix: rec.Prefix, Targets: rec.Targets}
	select {
	case h.matches <- match:
	default:
		log.Warn("handler dropped publish match, backlog full")
	}
}

// handleSubscribe registers a local Subscriber on the shared Registry for
// the prefix the remote peer asked about, then forwards every Match it
// receives (the immediate synchronous evaluation, then any later push) back
// to the remote peer as Publish records (spec §4.6).
func (h *Handler) handleSubscribe(m wire.Message) {
	prefix := decodeSubscribe(m.Content)

	sub := h.reg.NewSubscriber(prefix)

	h.mu.Lock()
	if old, exists := h.remoteSubs[prefix]; exists {
		old.Close()
	}
	h.remoteSubs[prefix] = sub
	h.mu.Unlock()

	go h.forwardMatches(sub)
}

func (h *Handler) forwardMatches(sub *pubsub.Subscriber) {
	for {
		select {
		case m, ok := <-sub.Matches():
			if !ok {
				return
			}
			if err := h.sendPublish(m.Prefix, m.Targets); err != nil {
				log.WithError(err).Debug("handler failed to forward publish match")
				return
			}
		case <-h.done:
			return
		}
	}
}

func (h *Handler) sendPublish(prefix string, targets [][]byte) error {
	content, err := encodePublish(prefix, targets)
	if err != nil {
		return err
	}
	return h.session.Send(wire.New(wire.Publish, h.local, h.remote, content))
}

// Subscribe asks the remote peer to watch prefix and forward matches back
// as Publish records, delivered on Matches (spec §4.6, "Subscribe(prefix)").
func (h *Handler) Subscribe(prefix string) error {
	return h.session.Send(wire.New(wire.Subscribe, h.local, h.remote, encodeSubscribe(prefix)))
}

func (h *Handler) handleNotify(m wire.Message) {
	seq, payload, err := decodeNotify(m.Content)
	if err != nil {
		log.WithError(err).Debug("handler dropped malformed notify record")
		return
	}

	if err := h.session.Send(wire.New(wire.Ack, h.local, h.remote, encodeAck(seq))); err != nil {
		log.WithError(err).Debug("handler failed to ack notify")
	}

	h.mu.Lock()
	_, duplicate := h.seen[seq]
	if !duplicate {
		h.markSeen(seq)
	}
	h.mu.Unlock()

	if duplicate {
		return
	}

	select {
	case h.inbound <- payload:
	default:
		log.Warn("handler dropped notify payload, backlog full")
	}
}

// markSeen must be called with h.mu held.
func (h *Handler) markSeen(seq uint32) {
	h.seen[seq] = struct{}{}
	h.seenOrder = append(h.seenOrder, seq)
	if len(h.seenOrder) > seenWindow {
		oldest := h.seenOrder[0]
		h.seenOrder = h.seenOrder[1:]
		delete(h.seen, oldest)
	}
}

func (h *Handler) handleAck(m wire.Message) {
	seq, err := decodeAck(m.Content)
	if err != nil {
		log.WithError(err).Debug("handler dropped malformed ack record")
		return
	}

	h.mu.Lock()
	ch, ok := h.pending[seq]
	if ok {
		delete(h.pending, seq)
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Close tears down the Handler: the underlying session, every remote
// Subscriber it registered on the shared Registry, and any in-flight Notify
// retransmission loop (spec §5, "Closing a Handler cancels its pending
// sends; pending retransmissions for its unacked notifications are
// discarded").
func (h *Handler) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		subs := make([]*pubsub.Subscriber, 0, len(h.remoteSubs))
		for _, s := range h.remoteSubs {
			subs = append(subs, s)
		}
		h.remoteSubs = nil
		h.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}

		err = h.session.Close()
	})
	return err
}

package handler

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/pubsub"
	"github.com/teapotnet/overlay/internal/transport"
	"github.com/teapotnet/overlay/internal/wire"
)

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

// linkedHandlers wires two Handlers over an in-memory net.Pipe, each running
// its own read loop, mirroring how two directly connected peers' sessions
// are driven in cmd/teapotd.
func linkedHandlers(t *testing.T) (a, b *Handler, regA, regB *pubsub.Registry) {
	t.Helper()

	idA, idB := testIdentity(t), testIdentity(t)
	connA, connB := net.Pipe()

	regA, regB = pubsub.New(), pubsub.New()
	a = New(idA.ID, idB.ID, transport.NewSession(connA), regA, nil)
	b = New(idB.ID, idA.ID, transport.NewSession(connB), regB, nil)

	go a.Run()
	go b.Run()

	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b, regA, regB
}

func TestSubscribeReceivesImmediateEvaluation(t *testing.T) {
	a, _, _, regB := linkedHandlers(t)

	regB.NewPublisher("/files/music").Publish([]byte("d1"))

	if err := a.Subscribe("/files"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	select {
	case m := <-a.Matches():
		if m.Prefix != "/files/music" {
			t.Fatalf("expected prefix /files/music, got %s", m.Prefix)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for immediate evaluation match")
	}
}

func TestSubscribeReceivesLaterPublish(t *testing.T) {
	a, _, _, regB := linkedHandlers(t)

	if err := a.Subscribe("/files"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// give B's handler a moment to register the subscriber before publishing
	time.Sleep(50 * time.Millisecond)
	regB.NewPublisher("/files/music").Publish([]byte("d1"))

	select {
	case m := <-a.Matches():
		if len(m.Targets) != 1 || string(m.Targets[0]) != "d1" {
			t.Fatalf("unexpected targets: %v", m.Targets)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed match")
	}
}

func TestNotifyIsAcked(t *testing.T) {
	a, b, _, _ := linkedHandlers(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var acked bool
	go func() {
		acked, _ = a.Notify(ctx, []byte("hello"))
		close(done)
	}()

	select {
	case payload := <-b.Notifications():
		if string(payload) != "hello" {
			t.Fatalf("got payload %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify delivery")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify to be acked")
	}
	if !acked {
		t.Fatal("expected Notify to report acked delivery")
	}
}

type fakeOverlay struct {
	mu       sync.Mutex
	received []wire.Message
	seen     chan wire.Message
}

func newFakeOverlay() *fakeOverlay {
	return &fakeOverlay{seen: make(chan wire.Message, 8)}
}

func (f *fakeOverlay) Incoming(m wire.Message, from identity.ID) {
	f.mu.Lock()
	f.received = append(f.received, m)
	f.mu.Unlock()
	f.seen <- m
}

// TestUnrecognizedRecordsForwardedToOverlay confirms a Handler running as
// the sole reader of a session hands off record types it doesn't own (here,
// a Ping) to the Overlay dispatcher instead of dropping them.
func TestUnrecognizedRecordsForwardedToOverlay(t *testing.T) {
	idA, idB := testIdentity(t), testIdentity(t)
	connA, connB := net.Pipe()

	ov := newFakeOverlay()
	a := New(idA.ID, idB.ID, transport.NewSession(connA), pubsub.New(), nil)
	b := New(idB.ID, idA.ID, transport.NewSession(connB), pubsub.New(), ov)

	go a.Run()
	go b.Run()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	ping := wire.New(wire.Ping, idA.ID, idB.ID, nil)
	if err := a.session.Send(ping); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	select {
	case m := <-ov.seen:
		if m.Type != wire.Ping {
			t.Fatalf("expected Ping, got %v", m.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for overlay forward")
	}
}

func TestDuplicateNotifyDeliveredOnce(t *testing.T) {
	idA, idB := testIdentity(t), testIdentity(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	h := New(idA.ID, idB.ID, transport.NewSession(connA), pubsub.New(), nil)
	defer h.Close()

	// drain the peer side so Acks don't block h's writes.
	peer := transport.NewSession(connB)
	go func() {
		for {
			if _, err := peer.Receive(); err != nil {
				return
			}
		}
	}()

	msg := wire.New(wire.Notify, idB.ID, idA.ID, encodeNotify(1, []byte("x")))
	h.handleNotify(msg)
	h.handleNotify(msg)

	select {
	case <-h.Notifications():
	case <-time.After(time.Second):
		t.Fatal("expected first notify to be delivered")
	}

	select {
	case p := <-h.Notifications():
		t.Fatalf("unexpected duplicate delivery: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

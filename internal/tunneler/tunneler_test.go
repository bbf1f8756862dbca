package tunneler

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/wire"
)

// fakeSender records every Message it was asked to Send, standing in for
// overlay.Node in tests that only exercise the Tunneler's framing and
// demux logic, not a real secure handshake.
type fakeSender struct {
	id identity.ID

	mu  sync.Mutex
	out []wire.Message
}

func (s *fakeSender) ID() identity.ID { return s.id }

func (s *fakeSender) Send(m wire.Message) error {
	s.mu.Lock()
	s.out = append(s.out, m)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) last() wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out[len(s.out)-1]
}

func TestTunnelWriteFramesContent(t *testing.T) {
	var remote identity.ID
	remote[0] = 0x42

	sender := &fakeSender{}
	tun := newTunnel(7, remote, New(sender))

	if err := tun.write([]byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := sender.last()
	if msg.Type != wire.Tunnel {
		t.Fatalf("expected Tunnel message, got %s", msg.Type)
	}
	if msg.Destination != remote {
		t.Fatalf("expected destination %s, got %s", remote, msg.Destination)
	}
	if len(msg.Content) < 8 {
		t.Fatalf("content too short: %d bytes", len(msg.Content))
	}
	if id := binary.BigEndian.Uint64(msg.Content[0:8]); id != 7 {
		t.Fatalf("expected tunnel id 7 in content, got %d", id)
	}
	if string(msg.Content[8:]) != "payload" {
		t.Fatalf("got payload %q", msg.Content[8:])
	}
}

func TestDeliverRoutesKnownTunnel(t *testing.T) {
	tr := New(&fakeSender{})

	var remote identity.ID
	remote[0] = 0x01

	tr.mu.Lock()
	tun := newTunnel(99, remote, tr)
	tr.tunnels[99] = tun
	tr.mu.Unlock()

	content := make([]byte, 8+len("hi"))
	binary.BigEndian.PutUint64(content[0:8], 99)
	copy(content[8:], "hi")

	tr.Deliver(wire.New(wire.Tunnel, remote, tr.self, content))

	got, err := tun.read(0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "hi" {
		t.Fatalf("got %q", got)
	}
}

func TestDeliverQueuesNewTunnelForListen(t *testing.T) {
	tr := New(&fakeSender{})

	var remote identity.ID
	remote[0] = 0x02

	content := make([]byte, 8+len("open"))
	binary.BigEndian.PutUint64(content[0:8], 123)
	copy(content[8:], "open")

	tr.Deliver(wire.New(wire.Tunnel, remote, tr.self, content))

	select {
	case tun := <-tr.pending:
		if tun.ID != 123 {
			t.Fatalf("expected tunnel id 123, got %d", tun.ID)
		}
		if tun.RemoteNode != remote {
			t.Fatalf("expected remote %s, got %s", remote, tun.RemoteNode)
		}
	default:
		t.Fatal("expected a pending tunnel")
	}
}

func TestCloseUnregistersTunnel(t *testing.T) {
	tr := New(&fakeSender{})

	var remote identity.ID
	tr.mu.Lock()
	tun := newTunnel(55, remote, tr)
	tr.tunnels[55] = tun
	tr.mu.Unlock()

	if err := tun.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	tr.mu.Lock()
	_, exists := tr.tunnels[55]
	tr.mu.Unlock()
	if exists {
		t.Fatal("expected tunnel to be unregistered after Close")
	}
}

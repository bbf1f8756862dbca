package pubsub

import "testing"

func TestPublishReachesAncestorSubscriber(t *testing.T) {
	reg := New()

	sub := reg.NewSubscriber("/files")
	pub := reg.NewPublisher("/files/music")
	pub.Publish([]byte("d1"))

	select {
	case m := <-sub.Matches():
		if m.Prefix != "/files/music" {
			t.Fatalf("expected prefix /files/music, got %s", m.Prefix)
		}
		if len(m.Targets) != 1 || string(m.Targets[0]) != "d1" {
			t.Fatalf("unexpected targets: %v", m.Targets)
		}
	default:
		t.Fatal("expected a match")
	}
}

func TestPublishReachesDescendantSubscriber(t *testing.T) {
	reg := New()

	pub := reg.NewPublisher("/files")
	pub.Publish([]byte("d1"))

	sub := reg.NewSubscriber("/files/music")

	select {
	case m := <-sub.Matches():
		if m.Prefix != "/files" {
			t.Fatalf("expected prefix /files, got %s", m.Prefix)
		}
	default:
		t.Fatal("expected immediate evaluation match on subscribe")
	}
}

func TestPublishDoesNotReachUnrelatedSubscriber(t *testing.T) {
	reg := New()

	sub := reg.NewSubscriber("/videos")
	pub := reg.NewPublisher("/files/music")
	pub.Publish([]byte("d1"))

	select {
	case m := <-sub.Matches():
		t.Fatalf("unexpected match delivered to unrelated subscriber: %+v", m)
	default:
	}
}

func TestDuplicatePublishDoesNotRedeliver(t *testing.T) {
	reg := New()

	sub := reg.NewSubscriber("/files")
	pub := reg.NewPublisher("/files/music")

	pub.Publish([]byte("d1"))
	<-sub.Matches()

	pub.Publish([]byte("d1"))

	select {
	case m := <-sub.Matches():
		t.Fatalf("unexpected redelivery of already-published digest: %+v", m)
	default:
	}
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	reg := New()

	sub := reg.NewSubscriber("/files")
	sub.Close()

	reg.mu.Lock()
	_, exists := reg.subscribers["/files"]
	reg.mu.Unlock()
	if exists {
		t.Fatal("expected subscriber to be removed from registry")
	}
}

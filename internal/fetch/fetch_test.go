package fetch

import (
	"context"
	"crypto/rand"
	"os"
	"testing"
	"time"

	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/store"
	"github.com/teapotnet/overlay/internal/wire"
)

// linkedSender is a sender that hands every message it's asked to Send
// straight to a peer Fetcher's Deliver, mirroring how two directly
// connected Overlay nodes route Call/Data records to each other without
// involving an actual transport.Session.
type linkedSender struct {
	id   identity.ID
	peer *Fetcher
}

func (s *linkedSender) ID() identity.ID { return s.id }

func (s *linkedSender) Send(m wire.Message) error {
	go s.peer.Deliver(m)
	return nil
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "fetch-store-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.MinKeyBits)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

// TestFetchRetrievesRemoteBlock drives a full Call/Data exchange between two
// Fetchers and checks the requester ends up with bytes identical to the
// block the server holds, and that the block lands in the requester's own
// store too.
func TestFetchRetrievesRemoteBlock(t *testing.T) {
	idA, idB := testIdentity(t), testIdentity(t)
	storeA, storeB := testStore(t), testStore(t)

	block := make([]byte, 5000)
	if _, err := rand.Read(block); err != nil {
		t.Fatalf("rand: %v", err)
	}
	digest, err := storeB.PutBlock(block)
	if err != nil {
		t.Fatalf("seed block: %v", err)
	}

	fetcherA := New(nil, storeA)
	fetcherB := New(nil, storeB)
	fetcherA.node = &linkedSender{id: idA.ID, peer: fetcherB}
	fetcherB.node = &linkedSender{id: idB.ID, peer: fetcherA}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := fetcherA.Fetch(ctx, idB.ID, digest)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != len(block) {
		t.Fatalf("expected %d bytes, got %d", len(block), len(got))
	}
	for i := range block {
		if got[i] != block[i] {
			t.Fatalf("byte %d mismatch", i)
		}
	}

	if !storeA.HasBlock(digest) {
		t.Fatal("expected fetched block to be persisted locally")
	}
}

// TestFetchReturnsLocalBlockWithoutCall confirms a block already held
// locally short-circuits without ever touching the network sender.
func TestFetchReturnsLocalBlockWithoutCall(t *testing.T) {
	idB := testIdentity(t)
	st := testStore(t)

	block := []byte("already have this one")
	digest, err := st.PutBlock(block)
	if err != nil {
		t.Fatalf("seed block: %v", err)
	}

	fetcher := New(nil, st)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, err := fetcher.Fetch(ctx, idB.ID, digest)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(got) != string(block) {
		t.Fatalf("unexpected content: %q", got)
	}
}

// TestHandleCallIgnoresUnknownDigest confirms a Call for a block this node
// doesn't have is silently dropped rather than producing a malformed reply.
func TestHandleCallIgnoresUnknownDigest(t *testing.T) {
	idA, idB := testIdentity(t), testIdentity(t)
	storeA := testStore(t)

	var sent int
	fetcherA := New(&countingSender{id: idA.ID, count: &sent}, storeA)

	var missing store.Digest
	call := wire.New(wire.Call, idB.ID, idA.ID, missing[:])
	fetcherA.handleCall(call)

	if sent != 0 {
		t.Fatalf("expected no Data reply, got %d sends", sent)
	}
}

type countingSender struct {
	id    identity.ID
	count *int
}

func (s *countingSender) ID() identity.ID { return s.id }

func (s *countingSender) Send(m wire.Message) error {
	*s.count++
	return nil
}

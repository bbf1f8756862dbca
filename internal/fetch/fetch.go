// Package fetch implements the fountain-coded content-addressed block
// transfer protocol of spec §4.4: a requester issues Call(digest) toward
// the overlay and assembles whatever Data replies arrive into the original
// block via a fountain.Sink, while any node holding the block answers
// Call with one fountain.Source combination per send token the Call
// leaves in the caller's bucket. Grounded on
// internal/tunneler's id-keyed registry and per-connection demultiplex
// shape, adapted from virtual-connection framing to fountain-combination
// framing.
package fetch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/teapotnet/overlay/internal/errs"
	"github.com/teapotnet/overlay/internal/fountain"
	"github.com/teapotnet/overlay/internal/identity"
	"github.com/teapotnet/overlay/internal/store"
	"github.com/teapotnet/overlay/internal/wire"
)

// callRetryInterval bounds how long a Fetcher waits for a Data reply before
// re-issuing Call(digest), mirroring the retry idiom of
// pkg/routing/cron.go's repeating-timer retransmission generalized from a
// named job to a one-shot polling loop.
const callRetryInterval = 2 * time.Second

// tokenGrant is how many send tokens one Call grants the caller, per spec
// §4.4 "tokens are granted by Call messages".
const tokenGrant = 4

// tokenBucketMax bounds how many Data frames may be in flight toward one
// peer without an intervening Call (spec §4.4 "Rate control").
const tokenBucketMax = 16

// sender is the subset of overlay.Node a Fetcher needs: addressing a
// message to a node. Kept narrow so this package does not need to import
// package overlay, mirroring internal/tunneler's identically named
// interface.
type sender interface {
	Send(m wire.Message) error
	ID() identity.ID
}

// waiter holds the in-progress decode state for one locally requested
// block.
type waiter struct {
	sink   *fountain.Sink
	done   chan struct{}
	result []byte
	err    error
}

// Fetcher serves Call requests for locally available blocks and drives
// Call/Data exchanges to fetch blocks this node doesn't have (spec §4.4).
type Fetcher struct {
	node  sender
	store *store.Store

	mu      sync.Mutex
	waiters map[store.Digest]*waiter
	buckets map[identity.ID]*fountain.TokenBucket
}

// New creates a Fetcher bound to node (for sending Call/Data/Cancel) and s
// (the local block store both consulted for serving Call and populated
// once a fetch completes).
func New(node sender, s *store.Store) *Fetcher {
	return &Fetcher{
		node:    node,
		store:   s,
		waiters: make(map[store.Digest]*waiter),
		buckets: make(map[identity.ID]*fountain.TokenBucket),
	}
}

// Deliver hands one Overlay Call or Data message to the Fetcher, the
// counterpart of Tunneler.Deliver for fountain traffic. cmd/teapotd wires
// Node.Inbox()'s Call/Data records here.
func (f *Fetcher) Deliver(m wire.Message) {
	switch m.Type {
	case wire.Call:
		f.handleCall(m)
	case wire.Data:
		f.handleData(m)
	default:
		log.WithField("type", m.Type).Debug("Fetcher dropped message of unexpected type")
	}
}

// handleCall answers a request for a combination over a locally available
// block. A Call for a block this node doesn't have is silently ignored:
// the requester keeps retrying against whichever nodes do have it (spec
// §4.4, "served by" implies best-effort, no negative acknowledgement).
func (f *Fetcher) handleCall(m wire.Message) {
	if len(m.Content) != len(store.Digest{}) {
		log.Debug("Fetcher dropped malformed Call")
		return
	}
	var digest store.Digest
	copy(digest[:], m.Content)

	block, err := f.store.GetBlock(digest)
	if err != nil {
		return
	}

	bucket := f.bucketFor(m.Source)
	bucket.Grant(tokenGrant)
	if !bucket.TryTake() {
		log.WithField("peer", m.Source).Debug("Fetcher rate-limited Data, no tokens")
		return
	}

	src := fountain.NewSource(block)
	for sent := true; sent; sent = bucket.TryTake() {
		combo, err := src.Generate()
		if err != nil {
			log.WithError(err).Debug("Fetcher failed to generate combination")
			return
		}

		content, err := encodeData(digest, src.NumChunks(), combo)
		if err != nil {
			log.WithError(err).Debug("Fetcher failed to encode Data reply")
			return
		}

		reply := wire.New(wire.Data, f.node.ID(), m.Source, content)
		if err := f.node.Send(reply); err != nil {
			log.WithError(err).Debug("Fetcher failed to send Data reply")
		}
	}
}

func (f *Fetcher) bucketFor(peer identity.ID) *fountain.TokenBucket {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.buckets[peer]
	if !ok {
		b = fountain.NewTokenBucket(tokenBucketMax)
		f.buckets[peer] = b
	}
	return b
}

// handleData folds an incoming combination into the matching in-progress
// fetch's Sink, waking Fetch once the block is fully decoded.
func (f *Fetcher) handleData(m wire.Message) {
	digest, numChunks, combo, err := decodeData(m.Content)
	if err != nil {
		log.WithError(err).Debug("Fetcher dropped malformed Data")
		return
	}

	f.mu.Lock()
	w, ok := f.waiters[digest]
	if !ok {
		f.mu.Unlock()
		return
	}
	if w.sink == nil {
		w.sink = fountain.NewSink(numChunks)
	}
	complete := w.sink.Solve(combo)
	if complete {
		delete(f.waiters, digest)
	}
	f.mu.Unlock()

	if !complete {
		return
	}

	w.result = w.sink.Bytes()
	if _, err := f.store.PutBlock(w.result); err != nil {
		log.WithError(err).Debug("Fetcher failed to persist fetched block")
	}
	close(w.done)
}

// Fetch retrieves the block with the given digest from remote, using only
// fountain Call/Data exchanges, returning bytes identical to the original
// block (spec §4.4, scenario of spec §8 "Fountain transfer"). A block
// already held locally is returned without issuing any Call.
func (f *Fetcher) Fetch(ctx context.Context, remote identity.ID, digest store.Digest) ([]byte, error) {
	if block, err := f.store.GetBlock(digest); err == nil {
		return block, nil
	}

	f.mu.Lock()
	w, inFlight := f.waiters[digest]
	if !inFlight {
		w = &waiter{done: make(chan struct{})}
		f.waiters[digest] = w
	}
	f.mu.Unlock()

	if !inFlight {
		go f.pollCall(ctx, remote, digest, w)
	}

	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pollCall re-issues Call(digest) until w.done closes or ctx expires,
// covering both the initial request and any retransmission a dropped Call
// or Data frame requires.
func (f *Fetcher) pollCall(ctx context.Context, remote identity.ID, digest store.Digest, w *waiter) {
	ticker := time.NewTicker(callRetryInterval)
	defer ticker.Stop()

	send := func() {
		call := wire.New(wire.Call, f.node.ID(), remote, digest[:])
		if err := f.node.Send(call); err != nil {
			log.WithError(err).Debug("Fetcher failed to send Call")
		}
	}

	send()
	for {
		select {
		case <-w.done:
			cancel := wire.New(wire.Cancel, f.node.ID(), remote, digest[:])
			_ = f.node.Send(cancel)
			return
		case <-ctx.Done():
			f.mu.Lock()
			if f.waiters[digest] == w {
				delete(f.waiters, digest)
			}
			f.mu.Unlock()
			w.err = ctx.Err()
			close(w.done)
			return
		case <-ticker.C:
			send()
		}
	}
}

// encodeData frames a Data reply as
// [digest:sha512Size][numChunks:u32][cbor-encoded combination].
func encodeData(digest store.Digest, numChunks int, combo fountain.Combination) ([]byte, error) {
	header := make([]byte, len(digest)+4)
	copy(header, digest[:])
	binary.BigEndian.PutUint32(header[len(digest):], uint32(numChunks))

	buf := &byteBuffer{}
	if err := combo.MarshalCbor(buf); err != nil {
		return nil, fmt.Errorf("fetch: encode combination: %w", err)
	}
	return append(header, buf.bytes...), nil
}

func decodeData(content []byte) (store.Digest, int, fountain.Combination, error) {
	var digest store.Digest
	headerLen := len(digest) + 4
	if len(content) < headerLen {
		return digest, 0, fountain.Combination{}, errs.ErrProtocol
	}
	copy(digest[:], content[:len(digest)])
	numChunks := int(binary.BigEndian.Uint32(content[len(digest):headerLen]))

	var combo fountain.Combination
	buf := &byteBuffer{bytes: content[headerLen:]}
	if err := combo.UnmarshalCbor(buf); err != nil {
		return digest, 0, fountain.Combination{}, fmt.Errorf("fetch: decode combination: %w", err)
	}
	return digest, numChunks, combo, nil
}

// byteBuffer is a minimal io.Reader/io.Writer over a byte slice, avoiding a
// bytes.Buffer import purely for cboring's Reader/Writer parameters.
type byteBuffer struct {
	bytes []byte
	off   int
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.bytes = append(b.bytes, p...)
	return len(p), nil
}

func (b *byteBuffer) Read(p []byte) (int, error) {
	n := copy(p, b.bytes[b.off:])
	b.off += n
	if n == 0 && len(p) > 0 {
		return 0, fmt.Errorf("fetch: unexpected end of combination")
	}
	return n, nil
}

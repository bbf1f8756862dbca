package handler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/teapotnet/overlay/internal/errs"
	"github.com/teapotnet/overlay/internal/wire"
)

// notifyBaseDelay and notifyMaxRetries implement spec §4.6's retransmission
// schedule: "retransmits unacknowledged notifications up to 5 times with a
// base delay of 500 ms and exponential back-off". notifyMaxRetries counts
// retransmissions after the first send, so a Notify call makes at most
// notifyMaxRetries+1 attempts in total.
const (
	notifyBaseDelay  = 500 * time.Millisecond
	notifyMaxRetries = 5
)

// Notify sends payload as a sequenced, acknowledged record, retransmitting
// with exponential back-off until acked, ctx is done, or the retry budget
// is exhausted. It reports whether the remote peer acknowledged delivery
// (spec §7, "peer unreachable" is the user-visible failure when it does
// not).
func (h *Handler) Notify(ctx context.Context, payload []byte) (bool, error) {
	seq := atomic.AddUint32(&h.nextSeq, 1)

	ack := make(chan struct{})
	h.mu.Lock()
	h.pending[seq] = ack
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, seq)
		h.mu.Unlock()
	}()

	content := encodeNotify(seq, payload)
	delay := notifyBaseDelay

	for attempt := 0; attempt <= notifyMaxRetries; attempt++ {
		if err := h.session.Send(wire.New(wire.Notify, h.local, h.remote, content)); err != nil {
			return false, err
		}

		select {
		case <-ack:
			return true, nil
		case <-h.done:
			return false, errs.ErrClosed
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
			delay *= 2
		}
	}

	return false, nil
}

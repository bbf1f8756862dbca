// Package handler implements the authenticated per-(local,remote) session
// that runs directly atop a secure transport link: publish/subscribe
// dispatch and Notify/Ack delivery with exponential-backoff retransmission
// (spec §4.6). It reuses the Overlay's wire.Message framing and type space
// for its own records rather than inventing a second wire format.
package handler

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// publishRecord is the JSON body carried by a wire.Publish record: the
// prefix the digests were actually published under, and the digests
// themselves (spec §6.2, "a JSON-encoded record {prefix, targets:[digest,…]}").
type publishRecord struct {
	Prefix  string   `json:"prefix"`
	Targets [][]byte `json:"targets"`
}

func encodePublish(prefix string, targets [][]byte) ([]byte, error) {
	return json.Marshal(publishRecord{Prefix: prefix, Targets: targets})
}

func decodePublish(content []byte) (publishRecord, error) {
	var rec publishRecord
	if err := json.Unmarshal(content, &rec); err != nil {
		return publishRecord{}, fmt.Errorf("handler: decode publish record: %w", err)
	}
	return rec, nil
}

// encodeSubscribe/decodeSubscribe carry a Subscribe record's prefix as raw
// UTF-8 bytes: a single string needs no framing beyond the wire content
// length already present in wire.Message.
func encodeSubscribe(prefix string) []byte {
	return []byte(prefix)
}

func decodeSubscribe(content []byte) string {
	return string(content)
}

// notifyHeaderLen is the fixed [sequence:u32] prefix of a Notify record's
// content; the remainder is the application payload (spec §4.6).
const notifyHeaderLen = 4

func encodeNotify(seq uint32, payload []byte) []byte {
	buf := make([]byte, notifyHeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:notifyHeaderLen], seq)
	copy(buf[notifyHeaderLen:], payload)
	return buf
}

func decodeNotify(content []byte) (seq uint32, payload []byte, err error) {
	if len(content) < notifyHeaderLen {
		return 0, nil, fmt.Errorf("handler: notify record too short (%d bytes)", len(content))
	}
	seq = binary.BigEndian.Uint32(content[:notifyHeaderLen])
	payload = content[notifyHeaderLen:]
	return seq, payload, nil
}

func encodeAck(seq uint32) []byte {
	buf := make([]byte, notifyHeaderLen)
	binary.BigEndian.PutUint32(buf, seq)
	return buf
}

func decodeAck(content []byte) (uint32, error) {
	if len(content) != notifyHeaderLen {
		return 0, fmt.Errorf("handler: ack record has wrong length (%d bytes)", len(content))
	}
	return binary.BigEndian.Uint32(content), nil
}

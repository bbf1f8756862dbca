// Package wire implements the Overlay record: the binary, big-endian wire
// format shared by every layer above the secure transports (spec §3, §6.1).
//
//	[version:u8][flags:u8][ttl:u8][type:u8]
//	[srcLen:u8][dstLen:u8][contentLen:u16]
//	[src bytes][dst bytes][content bytes]
//
// Marshal/Unmarshal are total functions over bytes: malformed input never
// panics, it returns an error, so a parse failure can be contained at the
// Handler/Tunnel boundary per spec §7 without taking the process down.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/teapotnet/overlay/internal/identity"
)

// Version is the only wire version this implementation emits or accepts.
const Version = 1

// MaxContentLen is the largest content payload a Message may carry (spec §3).
const MaxContentLen = 65535

// DefaultTTL is the initial time-to-live assigned to newly originated
// messages (spec §4.2).
const DefaultTTL = 16

// Type identifies the kind of control or application payload a Message
// carries. The top bit (routableBit) marks the message "routable": routable
// messages with a non-self destination are forwarded by the overlay;
// non-routable messages are always consumed locally (spec §3).
type Type uint8

const routableBit Type = 0x80

const (
	Dummy     Type = 0x00
	Ping      Type = 0x01
	Pong      Type = 0x02
	Offer     Type = 0x03
	Suggest   Type = 0x04
	Cancel    Type = 0x05
	Publish   Type = 0x06
	Subscribe Type = 0x07
	Notify    Type = 0x08
	Ack       Type = 0x09

	Retrieve Type = routableBit | 0x01
	Store    Type = routableBit | 0x02
	Value    Type = routableBit | 0x03
	Call     Type = routableBit | 0x04
	Data     Type = routableBit | 0x05
	Tunnel   Type = routableBit | 0x06
)

// Routable reports whether t is forwarded toward a non-self destination
// rather than always being consumed locally.
func (t Type) Routable() bool {
	return t&routableBit != 0
}

func (t Type) String() string {
	switch t {
	case Dummy:
		return "Dummy"
	case Ping:
		return "Ping"
	case Pong:
		return "Pong"
	case Offer:
		return "Offer"
	case Suggest:
		return "Suggest"
	case Cancel:
		return "Cancel"
	case Publish:
		return "Publish"
	case Subscribe:
		return "Subscribe"
	case Notify:
		return "Notify"
	case Ack:
		return "Ack"
	case Retrieve:
		return "Retrieve"
	case Store:
		return "Store"
	case Value:
		return "Value"
	case Call:
		return "Call"
	case Data:
		return "Data"
	case Tunnel:
		return "Tunnel"
	default:
		return fmt.Sprintf("Type(0x%02x)", uint8(t))
	}
}

// Message is the record carried over the overlay (spec §3).
type Message struct {
	Version     uint8
	Flags       uint8
	TTL         uint8
	Type        Type
	Source      identity.ID
	Destination identity.ID
	Content     []byte
}

// New builds a Message with the default version, zero flags and DefaultTTL,
// the shape every originator other than a raw forward should start from.
func New(t Type, source, destination identity.ID, content []byte) Message {
	return Message{
		Version:     Version,
		TTL:         DefaultTTL,
		Type:        t,
		Source:      source,
		Destination: destination,
		Content:     content,
	}
}

// Marshal encodes m into the wire format of spec §6.1.
func (m Message) Marshal() ([]byte, error) {
	if len(m.Content) > MaxContentLen {
		return nil, fmt.Errorf("wire: content length %d exceeds maximum %d", len(m.Content), MaxContentLen)
	}

	srcLen := len(m.Source)
	dstLen := len(m.Destination)
	if srcLen > 255 || dstLen > 255 {
		return nil, fmt.Errorf("wire: identifier length exceeds 255 bytes")
	}

	buf := make([]byte, 8+srcLen+dstLen+len(m.Content))
	buf[0] = m.Version
	buf[1] = m.Flags
	buf[2] = m.TTL
	buf[3] = uint8(m.Type)
	buf[4] = uint8(srcLen)
	buf[5] = uint8(dstLen)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(m.Content)))

	off := 8
	off += copy(buf[off:], m.Source[:srcLen])
	off += copy(buf[off:], m.Destination[:dstLen])
	copy(buf[off:], m.Content)

	return buf, nil
}

// Unmarshal decodes a Message from buf. It never panics on malformed input;
// it returns ErrMalformed wrapped with context instead.
func Unmarshal(buf []byte) (Message, error) {
	if len(buf) < 8 {
		return Message{}, fmt.Errorf("wire: %w: header too short (%d bytes)", ErrMalformed, len(buf))
	}

	srcLen := int(buf[4])
	dstLen := int(buf[5])
	contentLen := int(binary.BigEndian.Uint16(buf[6:8]))

	if buf[0] != Version {
		return Message{}, fmt.Errorf("wire: %w: unsupported version %d", ErrMalformed, buf[0])
	}

	want := 8 + srcLen + dstLen + contentLen
	if len(buf) != want {
		return Message{}, fmt.Errorf("wire: %w: expected %d bytes, got %d", ErrMalformed, want, len(buf))
	}

	var m Message
	m.Version = buf[0]
	m.Flags = buf[1]
	m.TTL = buf[2]
	m.Type = Type(buf[3])

	off := 8
	if srcLen > len(m.Source) || dstLen > len(m.Destination) {
		return Message{}, fmt.Errorf("wire: %w: identifier length %d exceeds %d", ErrMalformed, srcLen, len(m.Source))
	}
	copy(m.Source[:], buf[off:off+srcLen])
	off += srcLen
	copy(m.Destination[:], buf[off:off+dstLen])
	off += dstLen

	m.Content = make([]byte, contentLen)
	copy(m.Content, buf[off:off+contentLen])

	return m, nil
}

// ErrMalformed is returned by Unmarshal for any structurally invalid input:
// short header, unsupported version, length overflow, or truncated payload (spec §7, "Protocol
// error").
var ErrMalformed = fmt.Errorf("malformed overlay message")

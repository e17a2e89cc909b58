// Package network implements the peer-to-peer message transport layer of
// a node: a framed wire protocol with optional delivery acknowledgment,
// bridged onto an event-driven Transport by a single background dispatch
// loop.
package network

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Wire frame tags
const (
	tagPayload byte = 0x01
	tagACK     byte = 0x02
)

// MaxPayloadSize caps the data carried by a single payload frame.
const MaxPayloadSize = 10 << 20 // 10 MiB

// ErrBadFrame is returned by Decode for truncated or malformed frames.
var ErrBadFrame = errors.New("malformed wire frame")

// MessageID is the 128-bit correlation id linking a payload to its ACK.
// The zero id marks a fire-and-forget payload that requests no ACK.
type MessageID [16]byte

// IsZero reports whether the id is the reserved fire-and-forget value.
func (id MessageID) IsZero() bool {
	return id == MessageID{}
}

// String returns the hex encoding of the id.
func (id MessageID) String() string {
	return hex.EncodeToString(id[:])
}

// MessageKind discriminates the two wire message variants.
type MessageKind uint8

const (
	// KindPayload carries opaque application data.
	KindPayload MessageKind = iota + 1
	// KindACK acknowledges receipt of an earlier payload.
	KindACK
)

// Message is a single wire-level frame: either a payload with an opaque
// data buffer, or an ACK carrying only the correlation id it resolves.
type Message struct {
	Kind MessageKind
	ID   MessageID
	Data []byte
}

// NewPayload wraps data in a payload that requests acknowledgment,
// allocating a fresh non-zero correlation id.
func NewPayload(data []byte) (Message, MessageID) {
	id := newMessageID()
	return Message{Kind: KindPayload, ID: id, Data: data}, id
}

// NewDatagram wraps data in a fire-and-forget payload (zero id, no ACK).
func NewDatagram(data []byte) Message {
	return Message{Kind: KindPayload, Data: data}
}

// NewACK builds the acknowledgment for the given correlation id.
func NewACK(id MessageID) Message {
	return Message{Kind: KindACK, ID: id}
}

// newMessageID draws a random 128-bit id, re-rolling the reserved zero
// value. The id space is wide enough that collision among concurrently
// outstanding sends is negligible.
func newMessageID() MessageID {
	var id MessageID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			panic("network: system randomness unavailable: " + err.Error())
		}
		if !id.IsZero() {
			return id
		}
	}
}

// Encode serializes the message into its wire frame: a tag byte, the
// 16-byte correlation id, and for payloads a 4-byte big-endian length
// followed by the data.
func (m Message) Encode() []byte {
	switch m.Kind {
	case KindACK:
		buf := make([]byte, 17)
		buf[0] = tagACK
		copy(buf[1:], m.ID[:])
		return buf
	default:
		buf := make([]byte, 21+len(m.Data))
		buf[0] = tagPayload
		copy(buf[1:], m.ID[:])
		binary.BigEndian.PutUint32(buf[17:], uint32(len(m.Data)))
		copy(buf[21:], m.Data)
		return buf
	}
}

// Decode parses a wire frame. Truncated, oversized, or otherwise
// malformed frames yield an error wrapping ErrBadFrame; a decode failure
// never panics and is non-fatal to the connection.
func Decode(b []byte) (Message, error) {
	if len(b) < 17 {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(b))
	}
	var id MessageID
	copy(id[:], b[1:17])

	switch b[0] {
	case tagACK:
		if len(b) != 17 {
			return Message{}, fmt.Errorf("%w: ack frame with %d trailing bytes", ErrBadFrame, len(b)-17)
		}
		return Message{Kind: KindACK, ID: id}, nil
	case tagPayload:
		if len(b) < 21 {
			return Message{}, fmt.Errorf("%w: payload frame of %d bytes", ErrBadFrame, len(b))
		}
		size := binary.BigEndian.Uint32(b[17:21])
		if size > MaxPayloadSize {
			return Message{}, fmt.Errorf("%w: payload of %d bytes exceeds limit", ErrBadFrame, size)
		}
		if uint32(len(b)-21) != size {
			return Message{}, fmt.Errorf("%w: payload length %d, have %d bytes", ErrBadFrame, size, len(b)-21)
		}
		data := make([]byte, size)
		copy(data, b[21:])
		return Message{Kind: KindPayload, ID: id, Data: data}, nil
	default:
		return Message{}, fmt.Errorf("%w: unknown tag 0x%02x", ErrBadFrame, b[0])
	}
}

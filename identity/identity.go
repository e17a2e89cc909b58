// Package identity translates between node account addresses and
// transport-level peer identifiers.
//
// An Address is the 16-byte account-style identity the rest of the node
// works with. A PeerID is the string form the transport uses to address
// sockets: a two-byte multihash-style header (identity code 0x00, length
// 0x10) followed by the address bytes, all hex encoded. The derivation is
// deterministic and invertible, so no lookup table is needed.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// AddressLength is the size of a node address in bytes.
const AddressLength = 16

// peerIDHeader is the multihash-style prefix of every valid PeerID:
// identity code 0x00 followed by the digest length 0x10.
const peerIDHeader = "0010"

// peerIDLength is the length of a PeerID string: header plus hex address.
const peerIDLength = len(peerIDHeader) + AddressLength*2

// Common errors for identity translation
var (
	ErrInvalidAddress = errors.New("invalid node address")
	ErrInvalidPeerID  = errors.New("invalid peer identifier")
)

// Address is a node's account-style network identity. The zero address is
// reserved and never valid.
type Address [AddressLength]byte

// PeerID is the transport-native identifier of a node.
type PeerID string

// AddressFromPublicKey derives a node address from an ed25519 public key.
func AddressFromPublicKey(pub ed25519.PublicKey) (Address, error) {
	if len(pub) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("%w: key length %d", ErrInvalidAddress, len(pub))
	}
	digest := sha256.Sum256(pub)
	var addr Address
	copy(addr[:], digest[:AddressLength])
	return addr, nil
}

// ParseAddress decodes a hex-encoded node address.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != AddressLength {
		return Address{}, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(raw))
	}
	var addr Address
	copy(addr[:], raw)
	if addr.IsZero() {
		return Address{}, fmt.Errorf("%w: zero address is reserved", ErrInvalidAddress)
	}
	return addr, nil
}

// IsZero reports whether the address is the reserved zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the hex encoding of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// PeerIDOf derives the transport peer identifier for a node address.
// The reserved zero address has no peer identifier.
func PeerIDOf(addr Address) (PeerID, error) {
	if addr.IsZero() {
		return "", fmt.Errorf("%w: zero address is reserved", ErrInvalidAddress)
	}
	return PeerID(peerIDHeader + hex.EncodeToString(addr[:])), nil
}

// ParsePeerID validates the wire form of a peer identifier.
func ParsePeerID(s string) (PeerID, error) {
	if _, err := AddressOf(PeerID(s)); err != nil {
		return "", err
	}
	return PeerID(s), nil
}

// AddressOf recovers the node address encoded in a peer identifier.
func AddressOf(id PeerID) (Address, error) {
	if len(id) != peerIDLength {
		return Address{}, fmt.Errorf("%w: length %d", ErrInvalidPeerID, len(id))
	}
	if string(id[:len(peerIDHeader)]) != peerIDHeader {
		return Address{}, fmt.Errorf("%w: bad header %q", ErrInvalidPeerID, string(id[:len(peerIDHeader)]))
	}
	raw, err := hex.DecodeString(string(id[len(peerIDHeader):]))
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidPeerID, err)
	}
	var addr Address
	copy(addr[:], raw)
	if addr.IsZero() {
		return Address{}, fmt.Errorf("%w: zero address is reserved", ErrInvalidPeerID)
	}
	return addr, nil
}

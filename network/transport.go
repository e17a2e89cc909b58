package network

import (
	"github.com/stargate-labs/stargate-net/identity"
)

// EventKind discriminates transport event variants.
type EventKind uint8

const (
	// EventMessage delivers raw bytes received from a peer.
	EventMessage EventKind = iota + 1
	// EventPeerUp signals a newly opened peer connection.
	EventPeerUp
	// EventPeerDown signals a closed peer connection.
	EventPeerDown
	// EventClogged signals outbound congestion toward a peer.
	EventClogged
)

// Event is a single notification from the transport's event stream.
type Event struct {
	Kind   EventKind
	Peer   identity.PeerID
	Data   []byte // EventMessage only
	Reason string // EventPeerDown only
}

// Transport is the connectivity service beneath the network layer.
// Implementations own connection establishment, listening, and dialing;
// this layer only consumes their event stream and raw send capability.
//
// Events delivers notifications in the order the transport observed
// them; the channel closing means the transport is irrecoverably dead.
// All methods must be safe for concurrent use.
type Transport interface {
	// Send delivers raw bytes to a connected peer. The transport decides
	// final disposition; an error means the attempt itself failed.
	Send(peer identity.PeerID, data []byte) error
	// Events returns the transport's single-consumer event stream.
	Events() <-chan Event
	// ConnectedPeers snapshots the currently open peer set.
	ConnectedPeers() []identity.PeerID
	// IsOpen reports whether the peer currently has an open connection.
	IsOpen(peer identity.PeerID) bool
	// LocalPeer returns the transport's own peer identifier.
	LocalPeer() identity.PeerID
	// Close tears the transport down and closes the event stream.
	Close() error
}
